package tick

import (
	"errors"
	"testing"
	"time"

	"github.com/deeplook/expedition/internal/driver"
	"github.com/deeplook/expedition/internal/gate"
	"github.com/deeplook/expedition/internal/guard"
	"github.com/deeplook/expedition/internal/halt"
	"github.com/deeplook/expedition/internal/ledger"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/perspective"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testClock() func() time.Time {
	return func() time.Time { return testEpoch }
}

// testRun initializes a fresh run root the way `xp init` does.
func testRun(t *testing.T) (*runfs.Root, *Runner) {
	t.Helper()
	root := runfs.NewRoot(t.TempDir())
	m := manifest.New("run-test", manifest.Limits{
		MaxAgentsPerWave:    6,
		MaxSummaryBytes:     4096,
		MaxReviewIterations: 2,
	}, testEpoch)
	if err := gate.Save(root, gate.NewDocument()); err != nil {
		t.Fatal(err)
	}
	if err := guard.SaveManifest(root, m); err != nil {
		t.Fatal(err)
	}
	return root, NewRunner(root).WithClock(testClock())
}

func fixtureTick(t *testing.T, r *Runner) *Result {
	t.Helper()
	res, err := r.Run(Options{Reason: "test", Driver: &driver.Fixture{}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return res
}

// advanceTo ticks with the fixture driver until the run reaches stage want.
func advanceTo(t *testing.T, r *Runner, want manifest.Stage) {
	t.Helper()
	for i := 0; i < 25; i++ {
		res := fixtureTick(t, r)
		if res.Outcome == ledger.OutcomeFailed {
			t.Fatalf("tick failed before reaching %s: %v", want, res.Failure)
		}
		if res.StageAfter == want {
			return
		}
	}
	t.Fatalf("run never reached stage %s", want)
}

func TestRunRequiresDriver(t *testing.T) {
	_, r := testRun(t)
	if _, err := r.Run(Options{Reason: "test"}); err == nil {
		t.Error("Run() without a driver did not error")
	}
}

func TestFixtureRunCompletes(t *testing.T) {
	root, r := testRun(t)

	var outcomes []string
	for i := 0; i < 25; i++ {
		res := fixtureTick(t, r)
		outcomes = append(outcomes, res.Outcome)
		if res.Outcome == ledger.OutcomeFailed {
			t.Fatalf("tick %d failed: %v", i, res.Failure)
		}
		if res.StatusAfter == manifest.StatusCompleted {
			break
		}
	}

	m, err := manifest.Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != manifest.StatusCompleted {
		t.Fatalf("run status = %s, want %s after %d ticks", m.Status, manifest.StatusCompleted, len(outcomes))
	}
	if m.Stage.Current != manifest.StageFinalize {
		t.Errorf("final stage = %s, want %s", m.Stage.Current, manifest.StageFinalize)
	}

	// The fixture pivot declines wave 2, so the run must not have touched it.
	if runfs.Exists(root.WaveDir(2)) {
		t.Error("wave 2 directory exists on a single-wave fixture run")
	}

	gates, err := gate.Load(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []gate.ID{gate.GateB, gate.GateC, gate.GateD, gate.GateE} {
		st, ok := gates[id]
		if !ok || st.Status != gate.StatusPass {
			t.Errorf("gate %s = %+v, want pass", id, st)
		}
	}
}

func TestFixtureRunIsDeterministic(t *testing.T) {
	digests := make([]string, 2)
	for i := range digests {
		root, r := testRun(t)
		advanceTo(t, r, manifest.StageSynthesis)
		fixtureTick(t, r)
		d, err := runfs.DigestFile(root.SynthesisPath())
		if err != nil {
			t.Fatal(err)
		}
		digests[i] = d
	}
	if digests[0] != digests[1] {
		t.Error("identical fixture runs produced different synthesis artifacts")
	}
}

func TestMidWaveTickIsUnchanged(t *testing.T) {
	root, r := testRun(t)
	advanceTo(t, r, manifest.StageWave1)

	res := fixtureTick(t, r)
	if res.Outcome != ledger.OutcomeUnchanged {
		t.Errorf("mid-wave outcome = %s, want %s", res.Outcome, ledger.OutcomeUnchanged)
	}
	if res.Produced == "" {
		t.Error("mid-wave tick produced nothing")
	}
	if res.HaltPath != "" {
		t.Error("mid-wave refusal wrote a halt artifact")
	}
	if !runfs.Exists(root.WaveOutputPath(1, res.Produced)) {
		t.Errorf("produced output %s not on disk", res.Produced)
	}
}

func TestPausedRunRefusesTicks(t *testing.T) {
	root, r := testRun(t)
	m, err := manifest.Load(root)
	if err != nil {
		t.Fatal(err)
	}
	m.Status = manifest.StatusPaused
	m.Revision++
	if err := guard.SaveManifest(root, m); err != nil {
		t.Fatal(err)
	}

	res := fixtureTick(t, r)
	if res.Outcome != ledger.OutcomeUnchanged {
		t.Errorf("outcome = %s, want %s", res.Outcome, ledger.OutcomeUnchanged)
	}
	if res.Failure == nil || res.Failure.Code != runerr.CodeInvalidState {
		t.Errorf("Failure = %v, want code %s", res.Failure, runerr.CodeInvalidState)
	}
	if res.HaltPath != "" {
		t.Error("paused-run refusal wrote a halt artifact")
	}
}

func TestTaskDriverSuspends(t *testing.T) {
	root, r := testRun(t)
	advanceTo(t, r, manifest.StagePerspectives)

	for i := 0; i < 2; i++ {
		res, err := r.Run(Options{Reason: "test", Driver: &driver.Task{}})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Outcome != ledger.OutcomeUnchanged {
			t.Errorf("outcome = %s, want %s", res.Outcome, ledger.OutcomeUnchanged)
		}
		if res.Suspension == nil || res.Suspension.Code != runerr.CodeRunAgentRequired {
			t.Fatalf("Suspension = %v, want code %s", res.Suspension, runerr.CodeRunAgentRequired)
		}
		if res.HaltPath != "" {
			t.Error("suspension wrote a halt artifact")
		}
	}
	if !runfs.Exists(root.PromptPath(string(manifest.StagePerspectives), "plan")) {
		t.Error("suspension did not write the prompt artifact")
	}
}

func TestTaskDriverPicksUpDeposit(t *testing.T) {
	root, r := testRun(t)
	advanceTo(t, r, manifest.StagePerspectives)

	if res, err := r.Run(Options{Reason: "test", Driver: &driver.Task{}}); err != nil || res.Suspension == nil {
		t.Fatalf("expected suspension, got res=%+v err=%v", res, err)
	}

	plan, err := (&driver.Fixture{}).Produce(root, driver.Item{
		Stage: manifest.StagePerspectives,
		ID:    "plan",
	})
	if err != nil {
		t.Fatal(err)
	}
	err = driver.Ingest(root, driver.Deposit{
		Stage:   string(manifest.StagePerspectives),
		ID:      "plan",
		Content: plan.Content,
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	res, err := r.Run(Options{Reason: "test", Driver: &driver.Task{}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != ledger.OutcomeAdvanced {
		t.Errorf("outcome = %s, want %s", res.Outcome, ledger.OutcomeAdvanced)
	}
	if res.Produced != "plan" {
		t.Errorf("Produced = %q, want %q", res.Produced, "plan")
	}
	if res.StageAfter != manifest.StageWave1 {
		t.Errorf("StageAfter = %s, want %s", res.StageAfter, manifest.StageWave1)
	}
}

func TestRetryDirectiveConsumption(t *testing.T) {
	root, r := testRun(t)
	advanceTo(t, r, manifest.StageWave1)

	first := fixtureTick(t, r)
	if first.Produced == "" {
		t.Fatal("first wave tick produced nothing")
	}
	redo := first.Produced

	err := halt.PlanRetry(root, &halt.Directive{
		Gate:           string(gate.GateB),
		PerspectiveIDs: []string{redo},
		Reason:         "sources too thin",
	}, testEpoch)
	if err != nil {
		t.Fatalf("PlanRetry() error = %v", err)
	}

	res := fixtureTick(t, r)
	if res.RetryGate != string(gate.GateB) {
		t.Errorf("RetryGate = %q, want %q", res.RetryGate, gate.GateB)
	}
	if res.Produced != redo {
		t.Errorf("Produced = %q, want cleared perspective %q re-produced", res.Produced, redo)
	}

	var sc perspective.Sidecar
	if err := runfs.ReadJSON(root.WaveMetaPath(1, redo), &sc); err != nil {
		t.Fatalf("reading sidecar: %v", err)
	}
	if sc.RetryDirectivesDigest == nil || *sc.RetryDirectivesDigest == "" {
		t.Error("re-produced sidecar does not reference the consumed directive")
	}

	// Consumed, so the next tick must not consume again.
	next := fixtureTick(t, r)
	if next.RetryGate != "" {
		t.Errorf("RetryGate = %q after consumption, want empty", next.RetryGate)
	}
}

func TestDriverFailureHalts(t *testing.T) {
	root, r := testRun(t)
	advanceTo(t, r, manifest.StagePerspectives)

	boom := errors.New("model unavailable")
	res, err := r.Run(Options{Reason: "test", Driver: &driver.Live{
		Producer: func(string, driver.Item) ([]byte, error) { return nil, boom },
	}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != ledger.OutcomeFailed {
		t.Errorf("outcome = %s, want %s", res.Outcome, ledger.OutcomeFailed)
	}
	if res.HaltPath == "" || !runfs.Exists(res.HaltPath) {
		t.Errorf("halt artifact not written, HaltPath = %q", res.HaltPath)
	}
	latest, err := halt.Latest(root)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil {
		t.Error("latest halt artifact missing after failed tick")
	}
}

func TestEveryTickIsLedgered(t *testing.T) {
	root, r := testRun(t)

	fixtureTick(t, r)
	fixtureTick(t, r)

	entries, err := ledger.New(root).TickEntries()
	if err != nil {
		t.Fatal(err)
	}
	if got := len(entries); got != 4 {
		t.Fatalf("got %d tick entries, want 4 (start+finish per tick)", got)
	}
	for i, e := range entries {
		want := ledger.TickStarted
		if i%2 == 1 {
			want = ledger.TickFinished
		}
		if e.Event != want {
			t.Errorf("entry %d event = %q, want %q", i, e.Event, want)
		}
	}
	if entries[1].Outcome != ledger.OutcomeAdvanced {
		t.Errorf("first finish outcome = %q, want %q", entries[1].Outcome, ledger.OutcomeAdvanced)
	}
	if !runfs.Exists(root.RollupPath()) {
		t.Error("rollup not refreshed after ticks")
	}
}

func TestSuspendedTickLedgersStagePair(t *testing.T) {
	root, r := testRun(t)
	advanceTo(t, r, manifest.StagePerspectives)

	before, err := ledger.New(root).TelemetryEvents()
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(Options{Reason: "test", Driver: &driver.Task{}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Suspension == nil {
		t.Fatalf("expected suspension, got %+v", res)
	}

	after, err := ledger.New(root).TelemetryEvents()
	if err != nil {
		t.Fatal(err)
	}
	appended := after[len(before):]
	if len(appended) != 2 {
		t.Fatalf("suspended tick appended %d telemetry events, want 2", len(appended))
	}
	started, finished := appended[0], appended[1]
	if started.Type != ledger.TypeStageStarted || started.Stage != manifest.StagePerspectives {
		t.Errorf("first event = %s/%s, want %s/%s",
			started.Type, started.Stage, ledger.TypeStageStarted, manifest.StagePerspectives)
	}
	if finished.Type != ledger.TypeStageFinished {
		t.Errorf("second event type = %s, want %s", finished.Type, ledger.TypeStageFinished)
	}
	if finished.Outcome != ledger.OutcomeUnchanged {
		t.Errorf("finished outcome = %q, want %q", finished.Outcome, ledger.OutcomeUnchanged)
	}
	if finished.FailureKind != string(runerr.CodeRunAgentRequired) {
		t.Errorf("failure kind = %q, want %q", finished.FailureKind, runerr.CodeRunAgentRequired)
	}
}

func TestGateBlockedTickPlansRetry(t *testing.T) {
	root, r := testRun(t)
	advanceTo(t, r, manifest.StageWave1)

	// Produce p1 and p2, then contradict p1's recorded prompt digest so
	// the wave gate refuses once every output exists.
	fixtureTick(t, r)
	fixtureTick(t, r)
	promptPath := root.PromptPath(string(manifest.StageWave1), "p1")
	if err := runfs.WriteFileAtomic(promptPath, []byte("not the issued prompt")); err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(Options{Reason: "test", Driver: &driver.Fixture{}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != ledger.OutcomeFailed {
		t.Fatalf("outcome = %s, want %s", res.Outcome, ledger.OutcomeFailed)
	}
	if res.Failure == nil || res.Failure.Code != runerr.CodeGateBlocked {
		t.Fatalf("Failure = %v, want code %s", res.Failure, runerr.CodeGateBlocked)
	}

	events, err := ledger.New(root).TelemetryEvents()
	if err != nil {
		t.Fatal(err)
	}
	last := events[len(events)-1]
	if last.Type != ledger.TypeStageRetryPlanned {
		t.Fatalf("last telemetry type = %s, want %s", last.Type, ledger.TypeStageRetryPlanned)
	}
	if last.Stage != manifest.StageWave1 {
		t.Errorf("retry planned for stage %s, want %s", last.Stage, manifest.StageWave1)
	}
	if got, _ := last.Payload["gate"].(string); got != string(gate.GateB) {
		t.Errorf("retry planned gate = %q, want %q", got, gate.GateB)
	}
	finished := events[len(events)-2]
	if finished.Type != ledger.TypeStageFinished || finished.FailureKind != string(runerr.CodeGateBlocked) {
		t.Errorf("preceding event = %s kind %q, want %s kind %q",
			finished.Type, finished.FailureKind, ledger.TypeStageFinished, runerr.CodeGateBlocked)
	}
}

func TestDepositRetryDigestSurvivesCommit(t *testing.T) {
	root, r := testRun(t)
	advanceTo(t, r, manifest.StageWave1)

	if res, err := r.Run(Options{Reason: "test", Driver: &driver.Task{}}); err != nil || res.Suspension == nil {
		t.Fatalf("expected suspension, got res=%+v err=%v", res, err)
	}

	out, err := (&driver.Fixture{}).Produce(root, driver.Item{
		Stage: manifest.StageWave1,
		ID:    "p1",
	})
	if err != nil {
		t.Fatal(err)
	}
	const digest = "sha256:0f2a77"
	err = driver.Ingest(root, driver.Deposit{
		Stage:                string(manifest.StageWave1),
		ID:                   "p1",
		Content:              out.Content,
		RetryDirectiveDigest: digest,
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	res, err := r.Run(Options{Reason: "test", Driver: &driver.Task{}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Produced != "p1" {
		t.Fatalf("Produced = %q, want p1", res.Produced)
	}

	var sc perspective.Sidecar
	if err := runfs.ReadJSON(root.WaveMetaPath(1, "p1"), &sc); err != nil {
		t.Fatalf("reading sidecar: %v", err)
	}
	if sc.RetryDirectivesDigest == nil || *sc.RetryDirectivesDigest != digest {
		t.Errorf("canonical sidecar retry digest = %v, want %q", sc.RetryDirectivesDigest, digest)
	}
}

func TestLockedRootRefusesTick(t *testing.T) {
	root, r := testRun(t)

	lease, err := guard.Acquire(root)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	_, err = r.Run(Options{Reason: "test", Driver: &driver.Fixture{}})
	if !runerr.HasCode(err, runerr.CodeLocked) {
		t.Errorf("Run() under held lease error = %v, want code %s", err, runerr.CodeLocked)
	}
}
