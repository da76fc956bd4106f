package stage

import (
	"fmt"
	"strings"

	"github.com/deeplook/expedition/internal/gate"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/perspective"
	"github.com/deeplook/expedition/internal/runfs"
)

// preconditions builds and evaluates the ordered check list for entering
// next. Artifact checks come first, then gate checks; every check is
// evaluated so a refusal carries the complete diagnostic picture.
func (sm *Machine) preconditions(m *manifest.Manifest, from, next manifest.Stage) ([]Check, map[gate.ID]gate.Result, error) {
	var checks []Check
	gateResults := make(map[gate.ID]gate.Result)

	artifact := func(name, path string) {
		c := Check{Kind: CheckArtifact, Name: name, OK: runfs.Exists(path), Path: path}
		if !c.OK {
			c.Details = fmt.Sprintf("expected at %s", path)
		}
		checks = append(checks, c)
	}

	evalGate := func(id gate.ID) error {
		result, err := gate.Compute(id, sm.root, m)
		if err != nil {
			return err
		}
		gateResults[id] = result
		c := Check{
			Kind: CheckGate,
			Name: "gate-" + string(id),
			OK:   result.Status == gate.StatusPass,
		}
		if len(result.Warnings) > 0 {
			c.Details = strings.Join(result.Warnings, "; ")
		}
		checks = append(checks, c)
		return nil
	}

	switch next {
	case manifest.StagePerspectives:
		// Planning is the first unit of work; nothing gates entry.

	case manifest.StageWave1:
		artifact("perspectives-plan", sm.root.PerspectivesPath())
		if plan, err := perspective.LoadPlan(sm.root); err == nil {
			planned := len(plan.ForWave(1))
			c := Check{Kind: CheckOther, Name: "wave-cap", OK: planned >= 1 && planned <= m.Limits.MaxAgentsPerWave}
			if planned < 1 {
				c.Details = "plan has no wave 1 perspectives"
			} else if !c.OK {
				c.Details = fmt.Sprintf("%d perspectives planned, limit is %d", planned, m.Limits.MaxAgentsPerWave)
			}
			checks = append(checks, c)
		}

	case manifest.StagePivot:
		if err := sm.waveArtifactChecks(&checks, 1); err != nil {
			return nil, nil, err
		}
		if err := evalGate(gate.GateB); err != nil {
			return nil, nil, err
		}

	case manifest.StageWave2:
		artifact("pivot-decision", sm.root.PivotDecisionPath())
		if err := evalGate(gate.GateB); err != nil {
			return nil, nil, err
		}

	case manifest.StageCitations:
		if from == manifest.StagePivot {
			artifact("pivot-decision", sm.root.PivotDecisionPath())
		}
		if from == manifest.StageWave2 {
			if err := sm.waveArtifactChecks(&checks, 2); err != nil {
				return nil, nil, err
			}
		}
		if err := evalGate(gate.GateB); err != nil {
			return nil, nil, err
		}

	case manifest.StageSummaries:
		artifact("citation-records", sm.root.CitationsPath())
		if err := evalGate(gate.GateC); err != nil {
			return nil, nil, err
		}

	case manifest.StageSynthesis:
		artifact("summary-pack", sm.root.SummaryPackPath())
		if err := evalGate(gate.GateD); err != nil {
			return nil, nil, err
		}

	case manifest.StageReview:
		artifact("final-synthesis", sm.root.SynthesisPath())

	case manifest.StageFinalize:
		artifact("review-bundle", sm.root.ReviewBundlePath())
		if err := evalGate(gate.GateE); err != nil {
			return nil, nil, err
		}
	}

	return checks, gateResults, nil
}

// waveArtifactChecks appends one artifact check per planned perspective of a
// wave, so a refusal names exactly which perspectives are missing.
func (sm *Machine) waveArtifactChecks(checks *[]Check, wave int) error {
	plan, err := perspective.LoadPlan(sm.root)
	if err != nil {
		// No plan at all surfaces as a single artifact check rather than
		// an error, keeping the evaluation complete.
		*checks = append(*checks, Check{
			Kind:    CheckArtifact,
			Name:    "perspectives-plan",
			OK:      false,
			Details: fmt.Sprintf("expected at %s", sm.root.PerspectivesPath()),
			Path:    sm.root.PerspectivesPath(),
		})
		return nil
	}
	for _, p := range plan.ForWave(wave) {
		path := sm.root.WaveOutputPath(wave, p.ID)
		c := Check{Kind: CheckArtifact, Name: fmt.Sprintf("wave-%d/%s", wave, p.ID), OK: runfs.Exists(path), Path: path}
		if !c.OK {
			c.Details = fmt.Sprintf("expected at %s", path)
		}
		*checks = append(*checks, c)
	}
	return nil
}
