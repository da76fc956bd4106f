// Package status renders run state for the operator: a one-shot report and a
// live watch view. Both read the same snapshot; neither ever mutates the run.
package status

import (
	"time"

	"github.com/deeplook/expedition/internal/config"
	"github.com/deeplook/expedition/internal/gate"
	"github.com/deeplook/expedition/internal/halt"
	"github.com/deeplook/expedition/internal/ledger"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/perspective"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
	"github.com/deeplook/expedition/internal/watchdog"
)

// WaveProgress counts outputs present against the plan for one wave.
type WaveProgress struct {
	Wave    int      `json:"wave"`
	Done    int      `json:"done"`
	Total   int      `json:"total"`
	Missing []string `json:"missing,omitempty"`
}

// Snapshot is everything the status views show, collected in one pass.
type Snapshot struct {
	Manifest *manifest.Manifest `json:"manifest"`
	Gates    gate.Document      `json:"gates"`

	// Waves is per-wave output progress; empty before a plan exists.
	Waves []WaveProgress `json:"waves,omitempty"`

	// Alert is the current watchdog state, if the budget is exceeded.
	Alert *watchdog.Alert `json:"alert,omitempty"`

	// Halt is the most recent halt artifact, if any.
	Halt *halt.Artifact `json:"halt,omitempty"`

	// PendingRetries lists gates with unconsumed retry directives.
	PendingRetries []string `json:"pending_retries,omitempty"`

	// Rollup is the latest per-stage aggregate, if one has been written.
	Rollup *ledger.Rollup `json:"rollup,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collect reads a full snapshot from the run root.
func Collect(root *runfs.Root) (*Snapshot, error) {
	m, err := manifest.Load(root)
	if err != nil {
		return nil, err
	}
	gates, err := gate.Load(root)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		Manifest:    m,
		Gates:       gates,
		CollectedAt: time.Now(),
	}

	if plan, err := perspective.LoadPlan(root); err == nil {
		s.Waves = append(s.Waves, waveProgress(root, plan, 1))
		if w2 := waveProgress(root, plan, 2); w2.Total > 0 {
			s.Waves = append(s.Waves, w2)
		}
	}

	cfg, err := config.Load(root.ConfigPath())
	if err != nil {
		return nil, err
	}
	alert, err := watchdog.New(cfg).Check(root, m)
	if err == nil && alert != nil && alert.Exceeded {
		s.Alert = alert
	}

	if h, err := halt.Latest(root); err == nil {
		s.Halt = h
	}

	for _, id := range gate.IDs {
		d, err := halt.PendingDirective(root, id)
		if err == nil && d != nil {
			s.PendingRetries = append(s.PendingRetries, string(id))
		}
	}

	var rollup ledger.Rollup
	if err := runfs.ReadJSON(root.RollupPath(), &rollup); err == nil {
		s.Rollup = &rollup
	} else if !runerr.HasCode(err, runerr.CodeNotFound) {
		return nil, err
	}

	return s, nil
}

func waveProgress(root *runfs.Root, plan *perspective.Plan, wave int) WaveProgress {
	wp := WaveProgress{Wave: wave}
	for _, p := range plan.ForWave(wave) {
		wp.Total++
		if runfs.Exists(root.WaveOutputPath(wave, p.ID)) {
			wp.Done++
		} else {
			wp.Missing = append(wp.Missing, p.ID)
		}
	}
	return wp
}
