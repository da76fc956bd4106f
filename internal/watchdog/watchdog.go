// Package watchdog tracks wall-clock budgets and durable pause/resume.
//
// The watchdog is advisory: it flags an over-budget stage at tick boundaries
// and never interrupts in-flight work. Pause and resume are manifest state
// plus checkpoint artifacts; resume backdates the stage clock so paused time
// never counts against the budget.
package watchdog

import (
	"fmt"
	"time"

	"github.com/deeplook/expedition/internal/config"
	"github.com/deeplook/expedition/internal/guard"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
)

// Alert reports the budget position of the current stage.
type Alert struct {
	Stage    manifest.Stage `json:"stage"`
	Elapsed  time.Duration  `json:"elapsed"`
	Budget   time.Duration  `json:"budget"`
	Exceeded bool           `json:"exceeded"`
}

// Watchdog checks stage budgets against the manifest clock.
type Watchdog struct {
	cfg *config.Config
	now func() time.Time
}

// New creates a watchdog with the given budgets.
func New(cfg *config.Config) *Watchdog {
	return &Watchdog{cfg: cfg, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

// Check reports the current stage's budget position. For a paused run the
// elapsed clock is frozen at the checkpointed pre-pause value.
func (w *Watchdog) Check(root *runfs.Root, m *manifest.Manifest) (*Alert, error) {
	budget := w.cfg.Budget(string(m.Stage.Current))

	var elapsed time.Duration
	if m.Status == manifest.StatusPaused {
		cp, err := readPauseCheckpoint(root)
		if err != nil {
			return nil, err
		}
		elapsed = cp.ElapsedBeforePause
	} else {
		elapsed = w.now().Sub(m.Stage.StartedAt)
	}

	return &Alert{
		Stage:    m.Stage.Current,
		Elapsed:  elapsed,
		Budget:   budget,
		Exceeded: budget > 0 && elapsed > budget,
	}, nil
}

// PauseCheckpoint is the durable record written when a run pauses.
type PauseCheckpoint struct {
	Stage              manifest.Stage `json:"stage"`
	Reason             string         `json:"reason"`
	PausedAt           time.Time      `json:"paused_at"`
	ElapsedBeforePause time.Duration  `json:"elapsed_before_pause_ns"`
	ResumeInstructions string         `json:"resume_instructions"`
}

// ResumeCheckpoint is the durable record written when a run resumes.
type ResumeCheckpoint struct {
	Stage          manifest.Stage `json:"stage"`
	ResumedAt      time.Time      `json:"resumed_at"`
	BackdatedStart time.Time      `json:"backdated_started_at"`
	PausedFor      time.Duration  `json:"paused_for_ns"`
}

// Pause sets status=paused and writes the pause checkpoint. The checkpoint
// captures elapsed-before-pause, which is what resume uses to rebuild the
// stage clock.
func (w *Watchdog) Pause(root *runfs.Root, m *manifest.Manifest, reason string) error {
	if m.Status != manifest.StatusRunning {
		return runerr.New(runerr.CodeInvalidState, "cannot pause a run with status %s", m.Status)
	}

	now := w.now()
	cp := PauseCheckpoint{
		Stage:              m.Stage.Current,
		Reason:             reason,
		PausedAt:           now,
		ElapsedBeforePause: now.Sub(m.Stage.StartedAt),
		ResumeInstructions: "run `xp resume` to continue; the stage clock will exclude the paused period",
	}
	// Checkpoint lands first: if the manifest write fails the run is still
	// running and the stale checkpoint is overwritten by the next pause.
	if err := runfs.WriteJSONAtomic(root.PauseCheckpointPath(), cp); err != nil {
		return err
	}

	m.Status = manifest.StatusPaused
	m.Revision++
	return guard.SaveManifest(root, m)
}

// Resume sets status=running and backdates stage.started_at to now minus the
// elapsed time recorded at pause, so the watchdog's elapsed counter excludes
// the entire paused period.
func (w *Watchdog) Resume(root *runfs.Root, m *manifest.Manifest) error {
	if m.Status != manifest.StatusPaused {
		return runerr.New(runerr.CodeInvalidState, "cannot resume a run with status %s", m.Status)
	}

	cp, err := readPauseCheckpoint(root)
	if err != nil {
		return err
	}
	if cp.Stage != m.Stage.Current {
		return runerr.New(runerr.CodeInvalidState,
			"pause checkpoint is for stage %s but run is at %s", cp.Stage, m.Stage.Current)
	}

	now := w.now()
	backdated := now.Add(-cp.ElapsedBeforePause)

	m.Status = manifest.StatusRunning
	m.Stage.StartedAt = backdated
	m.Revision++
	if err := guard.SaveManifest(root, m); err != nil {
		return err
	}

	rc := ResumeCheckpoint{
		Stage:          m.Stage.Current,
		ResumedAt:      now,
		BackdatedStart: backdated,
		PausedFor:      now.Sub(cp.PausedAt),
	}
	return runfs.WriteJSONAtomic(root.ResumeCheckpointPath(), rc)
}

func readPauseCheckpoint(root *runfs.Root) (*PauseCheckpoint, error) {
	var cp PauseCheckpoint
	if err := runfs.ReadJSON(root.PauseCheckpointPath(), &cp); err != nil {
		if runerr.HasCode(err, runerr.CodeNotFound) {
			return nil, runerr.Wrap(runerr.CodeNotFound, err,
				"pause checkpoint missing; cannot reconstruct the stage clock")
		}
		return nil, err
	}
	return &cp, nil
}

// Describe renders an alert for ledgers and operator output.
func (a *Alert) Describe() string {
	if a.Budget == 0 {
		return fmt.Sprintf("stage %s has no budget (elapsed %s)", a.Stage, a.Elapsed.Round(time.Second))
	}
	state := "within"
	if a.Exceeded {
		state = "over"
	}
	return fmt.Sprintf("stage %s is %s budget: elapsed %s of %s",
		a.Stage, state, a.Elapsed.Round(time.Second), a.Budget)
}
