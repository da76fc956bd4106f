package gate

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/perspective"
	"github.com/deeplook/expedition/internal/runfs"
)

func testRoot(t *testing.T) (*runfs.Root, *manifest.Manifest) {
	t.Helper()
	root := runfs.NewRoot(t.TempDir())
	m := manifest.New("run-test", manifest.Limits{
		MaxAgentsPerWave:    3,
		MaxSummaryBytes:     4096,
		MaxReviewIterations: 2,
	}, time.Now().UTC())
	return root, m
}

func writePlan(t *testing.T, root *runfs.Root, perspectives ...perspective.Perspective) *perspective.Plan {
	t.Helper()
	plan := &perspective.Plan{RunID: "run-test", Perspectives: perspectives, CreatedAt: time.Now().UTC()}
	if err := runfs.WriteJSONAtomic(root.PerspectivesPath(), plan); err != nil {
		t.Fatal(err)
	}
	return plan
}

// writeWaveOutput writes the output, its sidecar, and the prompt the sidecar
// digest anchors to.
func writeWaveOutput(t *testing.T, root *runfs.Root, wave int, p perspective.Perspective) {
	t.Helper()
	prompt := perspective.RenderPrompt(p)
	stage := "wave1"
	if wave == 2 {
		stage = "wave2"
	}
	if err := runfs.WriteFileAtomic(root.PromptPath(stage, p.ID), []byte(prompt)); err != nil {
		t.Fatal(err)
	}
	content := fmt.Sprintf("# %s\n\n## Findings\n\nok\n\n## Sources\n\n- s\n", p.ID)
	if err := runfs.WriteFileAtomic(root.WaveOutputPath(wave, p.ID), []byte(content)); err != nil {
		t.Fatal(err)
	}
	sc := perspective.Sidecar{
		AgentRunID:   "agent-" + p.ID,
		PromptDigest: runfs.Digest([]byte(prompt)),
		StartedAt:    time.Now().UTC(),
		FinishedAt:   time.Now().UTC(),
	}
	if err := runfs.WriteJSONAtomic(root.WaveMetaPath(wave, p.ID), sc); err != nil {
		t.Fatal(err)
	}
}

func wavePerspective(id string, wave int) perspective.Perspective {
	return perspective.Perspective{
		ID:       id,
		Question: "q-" + id,
		Wave:     wave,
		Contract: perspective.Contract{RequiredSections: []string{"Findings", "Sources"}},
	}
}

func TestWaveGatePassesWhenComplete(t *testing.T) {
	root, m := testRoot(t)
	p1, p2 := wavePerspective("p1", 1), wavePerspective("p2", 1)
	writePlan(t, root, p1, p2)
	writeWaveOutput(t, root, 1, p1)
	writeWaveOutput(t, root, 1, p2)

	res, err := Compute(GateB, root, m)
	if err != nil {
		t.Fatalf("Compute(B) error: %v", err)
	}
	if res.Status != StatusPass {
		t.Errorf("gate B = %s (%v), want pass", res.Status, res.Warnings)
	}
	if res.Metrics["valid_outputs"] != 2 {
		t.Errorf("valid_outputs = %v, want 2", res.Metrics["valid_outputs"])
	}
	if res.InputsDigest == "" {
		t.Error("gate B should record an inputs digest")
	}
}

func TestWaveGateFailsOnMissingOutput(t *testing.T) {
	root, m := testRoot(t)
	p1, p2 := wavePerspective("p1", 1), wavePerspective("p2", 1)
	writePlan(t, root, p1, p2)
	writeWaveOutput(t, root, 1, p1)

	res, err := Compute(GateB, root, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFail {
		t.Errorf("gate B = %s, want fail with p2 missing", res.Status)
	}
	if !warningsMention(res.Warnings, "p2") {
		t.Errorf("warnings %v should name the missing perspective", res.Warnings)
	}
}

func TestWaveGateFailsOnSidecarDigestMismatch(t *testing.T) {
	root, m := testRoot(t)
	p1 := wavePerspective("p1", 1)
	writePlan(t, root, p1)
	writeWaveOutput(t, root, 1, p1)

	// Tamper with the prompt after the sidecar anchored to it.
	if err := runfs.WriteFileAtomic(root.PromptPath("wave1", "p1"), []byte("rewritten")); err != nil {
		t.Fatal(err)
	}

	res, err := Compute(GateB, root, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFail {
		t.Errorf("gate B = %s, want fail on digest mismatch", res.Status)
	}
}

func TestWaveGateEnforcesWaveCap(t *testing.T) {
	root, m := testRoot(t)
	m.Limits.MaxAgentsPerWave = 1
	p1, p2 := wavePerspective("p1", 1), wavePerspective("p2", 1)
	writePlan(t, root, p1, p2)
	writeWaveOutput(t, root, 1, p1)
	writeWaveOutput(t, root, 1, p2)

	res, err := Compute(GateB, root, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFail {
		t.Errorf("gate B = %s, want fail when plan exceeds wave cap", res.Status)
	}
}

func TestWaveGateScopesEntryToWaveOne(t *testing.T) {
	root, m := testRoot(t)
	m.Stage.Current = manifest.StagePivot
	p1, p2 := wavePerspective("p1", 1), wavePerspective("p2", 2)
	writePlan(t, root, p1, p2)
	writeWaveOutput(t, root, 1, p1)
	if err := runfs.WriteJSONAtomic(root.PivotDecisionPath(), PivotDecision{RunWave2: true, Reason: "gaps"}); err != nil {
		t.Fatal(err)
	}

	// At the pivot the wave-2 outputs cannot exist yet; the gate must judge
	// wave 1 alone or the branch is unreachable.
	res, err := Compute(GateB, root, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusPass {
		t.Errorf("gate B at pivot = %s (%v), want pass on wave 1 alone", res.Status, res.Warnings)
	}
}

func TestWaveGateIncludesWave2AfterPivot(t *testing.T) {
	root, m := testRoot(t)
	m.Stage.Current = manifest.StageWave2
	p1, p2 := wavePerspective("p1", 1), wavePerspective("p2", 2)
	writePlan(t, root, p1, p2)
	writeWaveOutput(t, root, 1, p1)
	if err := runfs.WriteJSONAtomic(root.PivotDecisionPath(), PivotDecision{RunWave2: true, Reason: "gaps"}); err != nil {
		t.Fatal(err)
	}

	res, err := Compute(GateB, root, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFail {
		t.Errorf("gate B = %s, want fail with wave 2 output missing", res.Status)
	}

	writeWaveOutput(t, root, 2, p2)
	res, err = Compute(GateB, root, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusPass {
		t.Errorf("gate B = %s (%v), want pass once wave 2 lands", res.Status, res.Warnings)
	}
}

func writeCitations(t *testing.T, root *runfs.Root, statuses ...string) {
	t.Helper()
	for i, s := range statuses {
		rec := map[string]string{"url": fmt.Sprintf("https://example.org/%d", i), "status": s}
		if err := runfs.AppendJSONL(root.CitationsPath(), rec); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCitationGateRate(t *testing.T) {
	root, m := testRoot(t)
	writeCitations(t, root, "valid", "valid", "valid", "valid", "valid", "valid", "broken")

	res, err := Compute(GateC, root, m)
	if err != nil {
		t.Fatal(err)
	}
	// 6/7 ≈ 0.857, at the 0.85 threshold boundary.
	if res.Status != StatusPass {
		t.Errorf("gate C = %s (%v), want pass at rate above threshold", res.Status, res.Warnings)
	}

	root2, _ := testRoot(t)
	writeCitations(t, root2, "valid", "valid", "broken", "broken")
	res, err = Compute(GateC, root2, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFail {
		t.Errorf("gate C = %s, want fail at rate 0.50", res.Status)
	}
}

func TestCitationGateNeedsRecords(t *testing.T) {
	root, m := testRoot(t)
	res, err := Compute(GateC, root, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFail {
		t.Errorf("gate C = %s, want fail with zero records", res.Status)
	}
}

func TestSummaryGate(t *testing.T) {
	root, m := testRoot(t)
	writePlan(t, root, wavePerspective("p1", 1), wavePerspective("p2", 1))

	pack := map[string]any{"summaries": []map[string]string{
		{"perspective_id": "p1", "summary": "a"},
		{"perspective_id": "p2", "summary": "b"},
	}}
	if err := runfs.WriteJSONAtomic(root.SummaryPackPath(), pack); err != nil {
		t.Fatal(err)
	}

	res, err := Compute(GateD, root, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusPass {
		t.Errorf("gate D = %s (%v), want pass", res.Status, res.Warnings)
	}
}

func TestSummaryGateFailsOnCoverageGap(t *testing.T) {
	root, m := testRoot(t)
	writePlan(t, root, wavePerspective("p1", 1), wavePerspective("p2", 1))

	pack := map[string]any{"summaries": []map[string]string{{"perspective_id": "p1"}}}
	if err := runfs.WriteJSONAtomic(root.SummaryPackPath(), pack); err != nil {
		t.Fatal(err)
	}

	res, err := Compute(GateD, root, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFail {
		t.Errorf("gate D = %s, want fail with p2 unsummarized", res.Status)
	}
	if !warningsMention(res.Warnings, "p2") {
		t.Errorf("warnings %v should name the uncovered perspective", res.Warnings)
	}
}

func TestSummaryGateFailsOnSize(t *testing.T) {
	root, m := testRoot(t)
	m.Limits.MaxSummaryBytes = 16
	writePlan(t, root, wavePerspective("p1", 1))
	pack := map[string]any{"summaries": []map[string]string{
		{"perspective_id": "p1", "summary": strings.Repeat("x", 100)},
	}}
	if err := runfs.WriteJSONAtomic(root.SummaryPackPath(), pack); err != nil {
		t.Fatal(err)
	}

	res, err := Compute(GateD, root, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFail {
		t.Errorf("gate D = %s, want fail over the byte budget", res.Status)
	}
}

func TestReviewGate(t *testing.T) {
	root, m := testRoot(t)

	if err := runfs.WriteJSONAtomic(root.ReviewBundlePath(), map[string]any{"verdict": "approved", "iterations": 1}); err != nil {
		t.Fatal(err)
	}
	res, err := Compute(GateE, root, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusPass {
		t.Errorf("gate E = %s (%v), want pass", res.Status, res.Warnings)
	}

	if err := runfs.WriteJSONAtomic(root.ReviewBundlePath(), map[string]any{"verdict": "rejected", "iterations": 1}); err != nil {
		t.Fatal(err)
	}
	res, err = Compute(GateE, root, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFail {
		t.Errorf("gate E = %s, want fail on rejected verdict", res.Status)
	}

	if err := runfs.WriteJSONAtomic(root.ReviewBundlePath(), map[string]any{"verdict": "approved", "iterations": 5}); err != nil {
		t.Fatal(err)
	}
	res, err = Compute(GateE, root, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusFail {
		t.Errorf("gate E = %s, want fail over the iteration cap", res.Status)
	}
}

func TestDocumentMergeIsolates(t *testing.T) {
	doc := NewDocument()
	now := time.Now().UTC()
	doc.Merge(GateB, Result{Status: StatusPass}, now)
	doc.Merge(GateC, Result{Status: StatusFail, Warnings: []string{"low rate"}}, now)

	if doc[GateB].Status != StatusPass {
		t.Errorf("gate B = %s after unrelated merge, want pass", doc[GateB].Status)
	}
	if doc[GateD].Status != StatusPending {
		t.Errorf("gate D = %s, want pending untouched", doc[GateD].Status)
	}
}

func TestDocumentSaveLoad(t *testing.T) {
	root, _ := testRoot(t)
	doc := NewDocument()
	doc.Merge(GateB, Result{Status: StatusPass, InputsDigest: "abc"}, time.Now().UTC())

	if err := Save(root, doc); err != nil {
		t.Fatal(err)
	}
	got, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if got[GateB].Status != StatusPass || got[GateB].InputsDigest != "abc" {
		t.Errorf("loaded gate B = %+v, want pass/abc", got[GateB])
	}
}

func warningsMention(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
