// Package gate computes the quality gates that guard stage transitions.
//
// Every gate is a pure function of artifacts already on disk: no network, no
// agent calls, no randomness. The same artifacts always produce the same
// status, metrics, and inputs digest, which is what makes dry runs and audit
// replay trustworthy.
package gate

import (
	"fmt"
	"time"

	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/perspective"
	"github.com/deeplook/expedition/internal/runfs"
)

// ID identifies a gate.
type ID string

const (
	// GateB checks wave outputs: every planned perspective produced a
	// conforming output with a verifiable sidecar.
	GateB ID = "B"

	// GateC checks citation quality: enough records, high validated rate.
	GateC ID = "C"

	// GateD checks the summary pack: present, within size budget, covering
	// every perspective.
	GateD ID = "D"

	// GateE checks review: approved verdict within the iteration cap.
	GateE ID = "E"
)

// IDs lists every gate in order.
var IDs = []ID{GateB, GateC, GateD, GateE}

// IsValid reports whether id names a known gate.
func (id ID) IsValid() bool {
	for _, known := range IDs {
		if id == known {
			return true
		}
	}
	return false
}

// Status is a gate's computed state.
type Status string

const (
	StatusPending Status = "pending"
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
)

// Thresholds. Fixed named constants with fixed comparison operators; these
// are part of the decision contract, not configuration.
const (
	// MinValidatedCitationRate is the minimum fraction of citation records
	// that must have validated (compared with >=).
	MinValidatedCitationRate = 0.85

	// MinCitationCount is the minimum number of citation records
	// (compared with >=).
	MinCitationCount = 1
)

// State is the persisted record for one gate in gates.json.
type State struct {
	Status    Status         `json:"status"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	CheckedAt time.Time      `json:"checked_at,omitempty"`

	// Artifacts are the paths the decision was computed from.
	Artifacts []string `json:"artifacts,omitempty"`

	Warnings []string `json:"warnings,omitempty"`

	// InputsDigest canonically digests the artifact contents consumed.
	InputsDigest string `json:"inputs_digest,omitempty"`
}

// Document is the gates.json document, one record per gate id.
type Document map[ID]State

// NewDocument returns a document with every gate pending.
func NewDocument() Document {
	doc := make(Document, len(IDs))
	for _, id := range IDs {
		doc[id] = State{Status: StatusPending}
	}
	return doc
}

// Load reads gates.json from a run root.
func Load(root *runfs.Root) (Document, error) {
	var doc Document
	if err := runfs.ReadJSON(root.GatesPath(), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Save writes gates.json atomically. Multi-document ordering rule: gates
// always land before the manifest transition that depends on them.
func Save(root *runfs.Root, doc Document) error {
	return runfs.WriteJSONAtomic(root.GatesPath(), doc)
}

// Merge patches the result for one gate into the document, leaving every
// other gate untouched so independently computed gates never clobber each
// other.
func (d Document) Merge(id ID, result Result, now time.Time) {
	d[id] = State{
		Status:       result.Status,
		Metrics:      result.Metrics,
		CheckedAt:    now,
		Artifacts:    result.Artifacts,
		Warnings:     result.Warnings,
		InputsDigest: result.InputsDigest,
	}
}

// Clone deep-copies the document for dry runs.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for id, st := range d {
		cp := st
		if st.Metrics != nil {
			cp.Metrics = make(map[string]any, len(st.Metrics))
			for k, v := range st.Metrics {
				cp.Metrics[k] = v
			}
		}
		cp.Artifacts = append([]string(nil), st.Artifacts...)
		cp.Warnings = append([]string(nil), st.Warnings...)
		out[id] = cp
	}
	return out
}

// Result is the evaluator output for one gate: a patch, never a full
// document overwrite.
type Result struct {
	Status       Status
	Metrics      map[string]any
	Warnings     []string
	Artifacts    []string
	InputsDigest string
}

// Compute evaluates one gate from on-disk artifacts.
// The manifest supplies the run limits the gate compares against; it is read
// but never written here.
func Compute(id ID, root *runfs.Root, m *manifest.Manifest) (Result, error) {
	switch id {
	case GateB:
		return computeWaveGate(root, m)
	case GateC:
		return computeCitationGate(root)
	case GateD:
		return computeSummaryGate(root, m)
	case GateE:
		return computeReviewGate(root, m)
	default:
		return Result{}, fmt.Errorf("unknown gate id %q", id)
	}
}

// computeWaveGate checks that every planned perspective for each wave in
// scope has a conforming output and a sidecar whose prompt digest matches
// the prompt on disk. Wave 2 is in scope only when the pivot decision ran it
// and the run has reached it.
func computeWaveGate(root *runfs.Root, m *manifest.Manifest) (Result, error) {
	plan, err := perspective.LoadPlan(root)
	if err != nil {
		return Result{}, err
	}

	// Wave 2 outputs count only once the run has entered wave2. Entry to
	// wave2 is itself guarded by gate B, so scoping the gate to wave 1
	// there keeps the branch reachable.
	waves := []int{1}
	if decision, derr := LoadPivotDecision(root); derr == nil && decision.RunWave2 && waveTwoInScope(m.Stage.Current) {
		waves = append(waves, 2)
	}

	res := Result{
		Status:  StatusPass,
		Metrics: map[string]any{},
	}
	var produced, expected int
	for _, wave := range waves {
		planned := plan.ForWave(wave)
		expected += len(planned)

		if len(planned) > m.Limits.MaxAgentsPerWave {
			res.Status = StatusFail
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"wave %d plans %d perspectives, limit is %d", wave, len(planned), m.Limits.MaxAgentsPerWave))
		}

		for _, p := range planned {
			outPath := root.WaveOutputPath(wave, p.ID)
			metaPath := root.WaveMetaPath(wave, p.ID)
			res.Artifacts = append(res.Artifacts, outPath, metaPath)

			if !runfs.Exists(outPath) || !runfs.Exists(metaPath) {
				res.Status = StatusFail
				res.Warnings = append(res.Warnings, fmt.Sprintf("perspective %s has no ingested output", p.ID))
				continue
			}

			var sc perspective.Sidecar
			if err := runfs.ReadJSON(metaPath, &sc); err != nil {
				res.Status = StatusFail
				res.Warnings = append(res.Warnings, fmt.Sprintf("perspective %s sidecar unreadable: %v", p.ID, err))
				continue
			}
			promptPath := root.PromptPath(stageForWave(wave), p.ID)
			if runfs.Exists(promptPath) {
				if err := perspective.VerifySidecar(&sc, promptPath); err != nil {
					res.Status = StatusFail
					res.Warnings = append(res.Warnings, fmt.Sprintf("perspective %s: %v", p.ID, err))
					continue
				}
			}
			produced++
		}
	}

	res.Metrics["expected_outputs"] = expected
	res.Metrics["valid_outputs"] = produced
	res.Metrics["complete"] = produced == expected
	res.InputsDigest = runfs.DigestPaths(res.Artifacts)
	return res, nil
}

// waveTwoInScope reports whether the stage is at or past wave2 in the
// lifecycle order.
func waveTwoInScope(current manifest.Stage) bool {
	for _, s := range manifest.Stages {
		if s == manifest.StageWave2 {
			return true
		}
		if s == current {
			return false
		}
	}
	return false
}

func stageForWave(wave int) string {
	if wave == 2 {
		return string(manifest.StageWave2)
	}
	return string(manifest.StageWave1)
}

// citationRecord is one line of citations/citations.jsonl.
type citationRecord struct {
	URL    string `json:"url"`
	Status string `json:"status"`
}

// computeCitationGate checks the validated-citation rate against
// MinValidatedCitationRate and the record count against MinCitationCount.
func computeCitationGate(root *runfs.Root) (Result, error) {
	path := root.CitationsPath()
	records, err := runfs.ReadJSONL[citationRecord](path)
	if err != nil {
		return Result{}, err
	}

	validated := 0
	for _, rec := range records {
		if rec.Status == "valid" {
			validated++
		}
	}

	rate := 0.0
	if len(records) > 0 {
		rate = float64(validated) / float64(len(records))
	}

	res := Result{
		Metrics: map[string]any{
			"citation_count": len(records),
			"validated":      validated,
			"validated_rate": rate,
		},
		Artifacts:    []string{path},
		InputsDigest: runfs.DigestPaths([]string{path}),
	}

	switch {
	case len(records) < MinCitationCount:
		res.Status = StatusFail
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"%d citation records, need at least %d", len(records), MinCitationCount))
	case rate >= MinValidatedCitationRate:
		res.Status = StatusPass
	default:
		res.Status = StatusFail
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"validated citation rate %.2f below minimum %.2f", rate, MinValidatedCitationRate))
	}
	return res, nil
}

// summaryPack is the summaries/summary-pack.json document shape the gate
// inspects. Content beyond coverage is opaque to the orchestrator.
type summaryPack struct {
	Summaries []struct {
		PerspectiveID string `json:"perspective_id"`
	} `json:"summaries"`
}

// computeSummaryGate checks the pack exists, fits the byte budget, and
// covers every planned perspective.
func computeSummaryGate(root *runfs.Root, m *manifest.Manifest) (Result, error) {
	path := root.SummaryPackPath()
	res := Result{
		Metrics:      map[string]any{},
		Artifacts:    []string{path},
		InputsDigest: runfs.DigestPaths([]string{path}),
	}

	if !runfs.Exists(path) {
		res.Status = StatusFail
		res.Warnings = append(res.Warnings, "summary pack not found")
		return res, nil
	}

	size := runfs.FileSize(path)
	res.Metrics["pack_bytes"] = size
	res.Metrics["max_bytes"] = m.Limits.MaxSummaryBytes

	var pack summaryPack
	if err := runfs.ReadJSON(path, &pack); err != nil {
		res.Status = StatusFail
		res.Warnings = append(res.Warnings, fmt.Sprintf("summary pack unreadable: %v", err))
		return res, nil
	}

	plan, err := perspective.LoadPlan(root)
	if err != nil {
		return Result{}, err
	}
	covered := make(map[string]bool, len(pack.Summaries))
	for _, s := range pack.Summaries {
		covered[s.PerspectiveID] = true
	}
	missing := 0
	for _, p := range plan.Perspectives {
		if !covered[p.ID] {
			missing++
			res.Warnings = append(res.Warnings, fmt.Sprintf("perspective %s not summarized", p.ID))
		}
	}
	res.Metrics["summarized"] = len(pack.Summaries)
	res.Metrics["missing"] = missing

	if size <= m.Limits.MaxSummaryBytes && missing == 0 {
		res.Status = StatusPass
	} else {
		res.Status = StatusFail
		if size > m.Limits.MaxSummaryBytes {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"summary pack is %d bytes, limit is %d", size, m.Limits.MaxSummaryBytes))
		}
	}
	return res, nil
}

// reviewBundle is the review/review-bundle.json shape the gate inspects.
type reviewBundle struct {
	Verdict    string `json:"verdict"`
	Iterations int    `json:"iterations"`
}

// computeReviewGate checks the review verdict and the iteration cap.
func computeReviewGate(root *runfs.Root, m *manifest.Manifest) (Result, error) {
	path := root.ReviewBundlePath()
	res := Result{
		Metrics:      map[string]any{},
		Artifacts:    []string{path},
		InputsDigest: runfs.DigestPaths([]string{path}),
	}

	if !runfs.Exists(path) {
		res.Status = StatusFail
		res.Warnings = append(res.Warnings, "review bundle not found")
		return res, nil
	}

	var bundle reviewBundle
	if err := runfs.ReadJSON(path, &bundle); err != nil {
		res.Status = StatusFail
		res.Warnings = append(res.Warnings, fmt.Sprintf("review bundle unreadable: %v", err))
		return res, nil
	}

	res.Metrics["verdict"] = bundle.Verdict
	res.Metrics["iterations"] = bundle.Iterations
	res.Metrics["max_iterations"] = m.Limits.MaxReviewIterations

	if bundle.Verdict == "approved" && bundle.Iterations <= m.Limits.MaxReviewIterations {
		res.Status = StatusPass
	} else {
		res.Status = StatusFail
		if bundle.Verdict != "approved" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("review verdict is %q", bundle.Verdict))
		}
		if bundle.Iterations > m.Limits.MaxReviewIterations {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"review took %d iterations, limit is %d", bundle.Iterations, m.Limits.MaxReviewIterations))
		}
	}
	return res, nil
}

// PivotDecision is the pivot/decision.json artifact that settles whether
// wave 2 runs.
type PivotDecision struct {
	RunWave2  bool      `json:"run_wave2"`
	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decided_at"`
}

// LoadPivotDecision reads the pivot decision artifact.
func LoadPivotDecision(root *runfs.Root) (*PivotDecision, error) {
	var d PivotDecision
	if err := runfs.ReadJSON(root.PivotDecisionPath(), &d); err != nil {
		return nil, err
	}
	return &d, nil
}
