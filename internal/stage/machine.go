// Package stage implements the lifecycle stage machine.
//
// The stage graph is fixed and forward-only. A transition attempt evaluates
// every precondition (artifact existence first, then gates), producing a
// complete diagnostic list rather than stopping at the first failure. Success
// commits gates first, then the manifest, each atomically; failure mutates
// nothing at all.
package stage

import (
	"time"

	"github.com/deeplook/expedition/internal/gate"
	"github.com/deeplook/expedition/internal/guard"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
)

// transitions is the forward-progress graph. The only branch is at pivot,
// where the pivot decision artifact selects wave2 or citations.
var transitions = map[manifest.Stage][]manifest.Stage{
	manifest.StageInit:         {manifest.StagePerspectives},
	manifest.StagePerspectives: {manifest.StageWave1},
	manifest.StageWave1:        {manifest.StagePivot},
	manifest.StagePivot:        {manifest.StageWave2, manifest.StageCitations},
	manifest.StageWave2:        {manifest.StageCitations},
	manifest.StageCitations:    {manifest.StageSummaries},
	manifest.StageSummaries:    {manifest.StageSynthesis},
	manifest.StageSynthesis:    {manifest.StageReview},
	manifest.StageReview:       {manifest.StageFinalize},
	manifest.StageFinalize:     {},
}

// NextStages returns the graph-legal successors of a stage.
func NextStages(s manifest.Stage) []manifest.Stage {
	return append([]manifest.Stage(nil), transitions[s]...)
}

// CheckKind tags what a precondition inspected.
type CheckKind string

const (
	CheckArtifact CheckKind = "artifact"
	CheckGate     CheckKind = "gate"
	CheckOther    CheckKind = "check"
)

// Check is one evaluated precondition.
type Check struct {
	Kind    CheckKind `json:"kind"`
	Name    string    `json:"name"`
	OK      bool      `json:"ok"`
	Details string    `json:"details,omitempty"`

	// Path is the resolved artifact path for artifact checks.
	Path string `json:"path,omitempty"`
}

// Result is the outcome of a transition attempt.
type Result struct {
	OK   bool           `json:"ok"`
	From manifest.Stage `json:"from"`
	To   manifest.Stage `json:"to"`

	// Evaluated lists every precondition checked, pass or fail.
	Evaluated []Check `json:"evaluated"`

	// DecisionInputsDigest canonically digests the inputs that produced
	// this decision. Identical inputs always produce an identical digest,
	// in dry runs and real runs alike.
	DecisionInputsDigest string `json:"decision_inputs_digest,omitempty"`

	// Err carries the typed refusal when OK is false.
	Err *runerr.Error `json:"error,omitempty"`

	// gateResults holds freshly computed gate patches, committed only on
	// a real successful attempt.
	gateResults map[gate.ID]gate.Result
}

// Machine attempts stage transitions against one run root.
type Machine struct {
	root *runfs.Root
	now  func() time.Time
}

// NewMachine creates a stage machine for a run root.
func NewMachine(root *runfs.Root) *Machine {
	return &Machine{root: root, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (sm *Machine) WithClock(now func() time.Time) *Machine {
	sm.now = now
	return sm
}

// Attempt performs one real transition attempt: evaluate preconditions and,
// if every one passes, commit gates then manifest. requestedNext may be empty
// everywhere except where the graph branches.
func (sm *Machine) Attempt(m *manifest.Manifest, gates gate.Document, requestedNext manifest.Stage) (*Result, error) {
	res, err := sm.evaluate(m, gates, requestedNext)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return res, nil
	}

	// Gates land before the manifest transition that depends on them: a
	// crash between the two writes leaves a run whose gates are newer than
	// its stage, which re-evaluates cleanly on the next tick. The reverse
	// order would record a transition justified by gate state that never
	// landed.
	now := sm.now()
	for id, gr := range res.gateResults {
		gates.Merge(id, gr, now)
	}
	if err := gate.Save(sm.root, gates); err != nil {
		return nil, err
	}

	m.Stage.Current = res.To
	m.Stage.StartedAt = now
	m.Revision++
	if err := guard.SaveManifest(sm.root, m); err != nil {
		return nil, err
	}
	return res, nil
}

// DryRun evaluates a transition attempt against scratch copies of the
// manifest and gates, mutating nothing. For identical inputs its Result is
// identical to a real attempt's, which is what triage relies on.
func (sm *Machine) DryRun(requestedNext manifest.Stage) (*Result, error) {
	scratch := runfs.NewRoot(sm.root.ScratchPath("dry-run"))
	if err := runfs.CopyFile(sm.root.ManifestPath(), scratch.ManifestPath()); err != nil {
		return nil, runerr.Wrap(runerr.CodeWriteFailed, err, "staging dry-run manifest")
	}
	if err := runfs.CopyFile(sm.root.GatesPath(), scratch.GatesPath()); err != nil {
		return nil, runerr.Wrap(runerr.CodeWriteFailed, err, "staging dry-run gates")
	}

	m, err := manifest.Load(scratch)
	if err != nil {
		return nil, err
	}
	gates, err := gate.Load(scratch)
	if err != nil {
		return nil, err
	}
	return sm.evaluate(m, gates, requestedNext)
}

// Complete marks the run completed. Legal only at finalize.
func (sm *Machine) Complete(m *manifest.Manifest) error {
	if m.Stage.Current != manifest.StageFinalize {
		return runerr.New(runerr.CodeInvalidState,
			"cannot complete run at stage %s", m.Stage.Current)
	}
	m.Status = manifest.StatusCompleted
	m.Revision++
	return guard.SaveManifest(sm.root, m)
}

// evaluate computes the full decision without any mutation. Both Attempt and
// DryRun are built on this single function, which is what guarantees
// dry-run/real-run equivalence.
func (sm *Machine) evaluate(m *manifest.Manifest, gates gate.Document, requestedNext manifest.Stage) (*Result, error) {
	from := m.Stage.Current
	res := &Result{From: from}

	if m.Status != manifest.StatusRunning {
		res.Err = runerr.New(runerr.CodeInvalidState,
			"run status is %s, transitions require running", m.Status)
		return res, nil
	}

	next, refusal := sm.resolveNext(m, from, requestedNext)
	if refusal != nil {
		res.Err = refusal
		return res, nil
	}
	res.To = next

	if !m.Enabled(string(next)) {
		res.Err = runerr.New(runerr.CodeDisabled, "stage %s is disabled for this run", next).
			WithDetail("stage", string(next))
		return res, nil
	}

	checks, gateResults, err := sm.preconditions(m, from, next)
	if err != nil {
		return nil, err
	}
	res.Evaluated = checks
	res.gateResults = gateResults

	digest, err := runfs.DigestJSON(struct {
		From      manifest.Stage `json:"from"`
		To        manifest.Stage `json:"to"`
		Revision  int            `json:"revision"`
		Evaluated []Check        `json:"evaluated"`
	}{from, next, m.Revision, checks})
	if err != nil {
		return nil, runerr.Wrap(runerr.CodeWriteFailed, err, "digesting decision inputs")
	}
	res.DecisionInputsDigest = digest

	if code, details := refusalCode(checks); code != "" {
		res.Err = runerr.New(code, "transition %s -> %s refused", from, next).
			WithDetail("from", string(from)).
			WithDetail("to", string(next)).
			WithDetail("failed", details)
		return res, nil
	}

	res.OK = true
	return res, nil
}

// resolveNext settles which stage the attempt targets.
func (sm *Machine) resolveNext(m *manifest.Manifest, from, requested manifest.Stage) (manifest.Stage, *runerr.Error) {
	legal := transitions[from]
	if len(legal) == 0 {
		return "", runerr.New(runerr.CodeInvalidState, "stage %s has no onward transition", from)
	}

	if from == manifest.StagePivot {
		// The pivot decision artifact selects the branch. An explicit
		// request must agree with it.
		decision, err := gate.LoadPivotDecision(sm.root)
		if err != nil {
			if requested == "" {
				return "", runerr.New(runerr.CodeMissingArtifact,
					"pivot decision artifact required to leave pivot").
					WithDetail("artifact", sm.root.PivotDecisionPath())
			}
			// No decision recorded: an explicit request is honored if
			// graph-legal; the decision artifact check below will fail
			// the attempt with a full diagnostic.
			if !contains(legal, requested) {
				return "", notAllowed(from, requested, legal)
			}
			return requested, nil
		}
		decided := manifest.StageCitations
		if decision.RunWave2 {
			decided = manifest.StageWave2
		}
		if requested != "" && requested != decided {
			return "", runerr.New(runerr.CodeRequestedNextNotAllowed,
				"pivot decision selects %s, not %s", decided, requested).
				WithDetail("decided", string(decided)).
				WithDetail("requested", string(requested))
		}
		return decided, nil
	}

	if requested == "" {
		return legal[0], nil
	}
	if !contains(legal, requested) {
		return "", notAllowed(from, requested, legal)
	}
	return requested, nil
}

func notAllowed(from, requested manifest.Stage, legal []manifest.Stage) *runerr.Error {
	names := make([]string, len(legal))
	for i, s := range legal {
		names[i] = string(s)
	}
	return runerr.New(runerr.CodeRequestedNextNotAllowed,
		"stage %s cannot transition to %s", from, requested).
		WithDetail("from", string(from)).
		WithDetail("requested", string(requested)).
		WithDetail("allowed", names)
}

func contains(stages []manifest.Stage, s manifest.Stage) bool {
	for _, st := range stages {
		if st == s {
			return true
		}
	}
	return false
}

// refusalCode classifies a failed evaluation. Missing artifacts outrank gate
// refusals so the operator fixes inputs before chasing gate metrics; the
// wave cap has its own code because it needs a different remediation (trim
// the plan) than a missing output.
func refusalCode(checks []Check) (runerr.Code, []string) {
	var missing, capped, blocked, other []string
	for _, c := range checks {
		if c.OK {
			continue
		}
		switch {
		case c.Kind == CheckArtifact:
			missing = append(missing, c.Name)
		case c.Kind == CheckOther && c.Name == "wave-cap":
			capped = append(capped, c.Name)
		case c.Kind == CheckGate:
			blocked = append(blocked, c.Name)
		default:
			other = append(other, c.Name)
		}
	}
	switch {
	case len(missing) > 0:
		return runerr.CodeMissingArtifact, missing
	case len(capped) > 0:
		return runerr.CodeWaveCapExceeded, capped
	case len(blocked) > 0:
		return runerr.CodeGateBlocked, blocked
	case len(other) > 0:
		return runerr.CodeInvalidState, other
	}
	return "", nil
}
