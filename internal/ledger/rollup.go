package ledger

import (
	"time"

	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/runfs"
)

// StageRollup aggregates telemetry for one stage.
type StageRollup struct {
	Attempts       int     `json:"attempts"`
	Advanced       int     `json:"advanced"`
	Unchanged      int     `json:"unchanged"`
	Failed         int     `json:"failed"`
	RetriesPlanned int     `json:"retries_planned"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Rollup is the logs/rollup.json run-level summary, regenerated at minimum
// every tick and always at stage boundaries.
type Rollup struct {
	GeneratedAt time.Time                      `json:"generated_at"`
	Ticks       int                            `json:"ticks"`
	Stages      map[manifest.Stage]StageRollup `json:"stages"`
}

// WriteRollup aggregates the ledgers into logs/rollup.json.
func (l *Ledger) WriteRollup() (*Rollup, error) {
	ticks, err := l.TickEntries()
	if err != nil {
		return nil, err
	}
	events, err := l.TelemetryEvents()
	if err != nil {
		return nil, err
	}

	r := &Rollup{
		GeneratedAt: l.now(),
		Stages:      make(map[manifest.Stage]StageRollup),
	}

	for _, t := range ticks {
		if t.Event == TickStarted {
			r.Ticks++
		}
	}

	for _, e := range events {
		s := r.Stages[e.Stage]
		switch e.Type {
		case TypeStageStarted:
			s.Attempts++
		case TypeStageFinished:
			s.ElapsedSeconds += e.ElapsedSeconds
			switch e.Outcome {
			case OutcomeAdvanced:
				s.Advanced++
			case OutcomeUnchanged:
				s.Unchanged++
			case OutcomeFailed:
				s.Failed++
			}
		case TypeStageRetryPlanned:
			s.RetriesPlanned++
		}
		r.Stages[e.Stage] = s
	}

	if err := runfs.WriteJSONAtomic(l.root.RollupPath(), r); err != nil {
		return nil, err
	}
	return r, nil
}
