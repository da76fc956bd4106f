// Package tick runs one bounded unit of orchestrator work.
//
// A tick acquires the run lease, rehydrates state from disk, flags (but never
// enforces) watchdog budget overruns, produces at most one missing artifact
// through the configured driver, then attempts the stage transition. Every
// tick appends a start and a finish entry to the tick ledger, whatever the
// outcome, and refreshes the rollup. Two ticks against identical disk state
// produce identical results.
package tick

import (
	"os"
	"time"

	"github.com/deeplook/expedition/internal/config"
	"github.com/deeplook/expedition/internal/driver"
	"github.com/deeplook/expedition/internal/gate"
	"github.com/deeplook/expedition/internal/guard"
	"github.com/deeplook/expedition/internal/halt"
	"github.com/deeplook/expedition/internal/ledger"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/perspective"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
	"github.com/deeplook/expedition/internal/stage"
	"github.com/deeplook/expedition/internal/watchdog"
)

// retryGateFor maps a stage to the gate whose retry directives it re-produces
// artifacts for.
var retryGateFor = map[manifest.Stage]gate.ID{
	manifest.StageWave1:     gate.GateB,
	manifest.StageWave2:     gate.GateB,
	manifest.StageCitations: gate.GateC,
	manifest.StageSummaries: gate.GateD,
	manifest.StageReview:    gate.GateE,
}

// Options configures one tick.
type Options struct {
	// Reason records why the tick ran (operator command, scheduler, test).
	Reason string

	// Driver produces missing artifacts.
	Driver driver.Driver

	// RequestedNext constrains the transition target; empty means follow
	// the graph (and the pivot decision at the branch).
	RequestedNext manifest.Stage
}

// Result reports what one tick did.
type Result struct {
	Outcome string         `json:"outcome"`
	From    manifest.Stage `json:"from"`

	// StageAfter and StatusAfter are the post-tick manifest state.
	StageAfter  manifest.Stage  `json:"stage_after"`
	StatusAfter manifest.Status `json:"status_after"`

	// Produced is the id of the work item written this tick, if any.
	Produced string `json:"produced,omitempty"`

	// Alert is the watchdog flag raised this tick, if any. Advisory only.
	Alert *watchdog.Alert `json:"alert,omitempty"`

	// Suspension is set when the task driver needs an external deposit
	// before the run can go further.
	Suspension *runerr.Error `json:"suspension,omitempty"`

	// Failure carries the typed error behind a failed outcome.
	Failure *runerr.Error `json:"failure,omitempty"`

	// Transition is the full transition evaluation, when one was attempted.
	Transition *stage.Result `json:"transition,omitempty"`

	// HaltPath is the halt artifact written for a failed outcome.
	HaltPath string `json:"halt_path,omitempty"`

	// RetryGate names the gate whose retry directive this tick consumed.
	RetryGate string `json:"retry_gate,omitempty"`
}

// Runner executes ticks against one run root.
type Runner struct {
	root *runfs.Root
	now  func() time.Time
}

// NewRunner creates a tick runner for a run root.
func NewRunner(root *runfs.Root) *Runner {
	return &Runner{root: root, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Run executes one tick. A held lease, a missing run, or a ledger write
// failure is returned as an error; everything else, including refused
// transitions and driver failures, lands in the Result with outcome
// unchanged or failed.
func (r *Runner) Run(opts Options) (*Result, error) {
	if opts.Driver == nil {
		return nil, runerr.New(runerr.CodeInvalidState, "tick requires a driver")
	}

	lease, err := guard.Acquire(r.root)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	cfg, err := config.Load(r.root.ConfigPath())
	if err != nil {
		return nil, err
	}
	m, err := manifest.Load(r.root)
	if err != nil {
		return nil, err
	}

	statusBefore := m.Status
	stageBefore := m.Stage.Current
	stageStartedBefore := m.Stage.StartedAt
	led := ledger.New(r.root).WithClock(r.now)
	if err := led.AppendTick(ledger.TickEntry{
		Event:        ledger.TickStarted,
		Reason:       opts.Reason,
		Driver:       opts.Driver.Name(),
		StageBefore:  m.Stage.Current,
		StatusBefore: m.Status,
	}); err != nil {
		return nil, err
	}

	res := r.execute(cfg, m, led, opts)

	// Every tick ledgers one stage lifecycle pair for the stage it
	// attempted, whatever the outcome.
	digest := ""
	if res.Transition != nil {
		digest = res.Transition.DecisionInputsDigest
	}
	if err := led.StageStarted(stageBefore, digest); err != nil {
		return nil, err
	}
	kind := ""
	if res.Failure != nil {
		kind = string(res.Failure.Code)
	} else if res.Suspension != nil {
		kind = string(res.Suspension.Code)
	}
	if err := led.StageFinished(stageBefore, res.Outcome, kind, r.now().Sub(stageStartedBefore)); err != nil {
		return nil, err
	}
	if err := r.flagRetryable(cfg, led, stageBefore, res); err != nil {
		return nil, err
	}

	finished := ledger.TickEntry{
		Event:        ledger.TickFinished,
		Reason:       opts.Reason,
		Driver:       opts.Driver.Name(),
		StageBefore:  res.From,
		StageAfter:   res.StageAfter,
		StatusBefore: statusBefore,
		StatusAfter:  res.StatusAfter,
		Outcome:      res.Outcome,
	}
	if res.Transition != nil {
		finished.InputsDigest = res.Transition.DecisionInputsDigest
	}
	if res.Failure != nil {
		finished.ErrorCode = string(res.Failure.Code)
	} else if res.Suspension != nil {
		finished.ErrorCode = string(res.Suspension.Code)
	}
	if err := led.AppendTick(finished); err != nil {
		return nil, err
	}
	if _, err := led.WriteRollup(); err != nil {
		return nil, err
	}
	return res, nil
}

// execute does the work between the two tick ledger entries.
func (r *Runner) execute(cfg *config.Config, m *manifest.Manifest, led *ledger.Ledger, opts Options) *Result {
	res := &Result{
		Outcome:     ledger.OutcomeUnchanged,
		From:        m.Stage.Current,
		StageAfter:  m.Stage.Current,
		StatusAfter: m.Status,
	}

	if m.Status != manifest.StatusRunning {
		res.Failure = runerr.New(runerr.CodeInvalidState,
			"run status is %s, ticks require running", m.Status)
		return res
	}

	alert, err := watchdog.New(cfg).WithClock(r.now).Check(r.root, m)
	if err != nil {
		return r.fail(res, nil, err)
	}
	if alert != nil && alert.Exceeded {
		res.Alert = alert
		// Advisory: the run keeps going, the operator decides whether to
		// pause.
		if err := led.AppendTelemetry(ledger.TelemetryEvent{
			Type:  ledger.TypeWatchdogFlag,
			Stage: m.Stage.Current,
			Payload: map[string]any{
				"elapsed_seconds": alert.Elapsed.Seconds(),
				"budget_seconds":  alert.Budget.Seconds(),
			},
		}); err != nil {
			return r.fail(res, nil, err)
		}
	}

	retryDigest, err := r.consumeRetry(cfg, m, res)
	if err != nil {
		return r.fail(res, nil, err)
	}

	items, err := pendingItems(r.root, m)
	if err != nil {
		return r.fail(res, nil, err)
	}
	if len(items) > 0 {
		item := items[0]
		prod, perr := opts.Driver.Produce(r.root, item)
		if perr != nil {
			if runerr.HasCode(perr, runerr.CodeRunAgentRequired) {
				// Not a failure: the run is waiting on an external
				// deposit, and the next tick picks up where this one
				// suspended.
				res.Suspension = runerr.AsError(perr)
				return res
			}
			return r.fail(res, nil, perr)
		}
		if err := r.commit(item, prod, retryDigest); err != nil {
			return r.fail(res, nil, err)
		}
		res.Produced = item.ID
	}

	return r.attempt(m, opts, res)
}

// attempt performs the transition half of the tick.
func (r *Runner) attempt(m *manifest.Manifest, opts Options, res *Result) *Result {
	if m.Stage.Current == manifest.StageFinalize {
		sm := stage.NewMachine(r.root).WithClock(r.now)
		if err := sm.Complete(m); err != nil {
			return r.fail(res, nil, err)
		}
		res.Outcome = ledger.OutcomeAdvanced
		res.StatusAfter = m.Status
		return res
	}

	gates, err := gate.Load(r.root)
	if err != nil {
		return r.fail(res, nil, err)
	}
	tr, err := stage.NewMachine(r.root).WithClock(r.now).Attempt(m, gates, opts.RequestedNext)
	if err != nil {
		return r.fail(res, nil, err)
	}
	res.Transition = tr

	if tr.OK {
		res.Outcome = ledger.OutcomeAdvanced
		res.StageAfter = m.Stage.Current
		res.StatusAfter = m.Status
		return res
	}

	// Missing artifacts with work still flowing through the driver is the
	// normal mid-stage state, not a failure: the next tick produces the
	// next item.
	if tr.Err != nil && tr.Err.Code == runerr.CodeMissingArtifact && res.Produced != "" {
		return res
	}
	return r.fail(res, tr, tr.Err)
}

// fail classifies the tick as failed, persisting a halt artifact for the
// operator. Transition refusals carry their full evaluation; bare errors get
// a minimal one.
func (r *Runner) fail(res *Result, tr *stage.Result, err error) *Result {
	res.Outcome = ledger.OutcomeFailed
	res.Failure = runerr.AsError(err)
	if tr == nil {
		tr = &stage.Result{From: res.From, Err: res.Failure}
		res.Transition = tr
	}

	gates, gerr := gate.Load(r.root)
	if gerr != nil {
		gates = gate.NewDocument()
	}
	path, werr := halt.Write(r.root, tr, gates, r.now())
	if werr == nil {
		res.HaltPath = path
	}
	return res
}

// flagRetryable ledgers a stage_retry_planned event when a tick fails on a
// gate that still has retry budget while the run stays running.
func (r *Runner) flagRetryable(cfg *config.Config, led *ledger.Ledger, stageBefore manifest.Stage, res *Result) error {
	if res.Outcome != ledger.OutcomeFailed || res.Failure == nil || res.StatusAfter != manifest.StatusRunning {
		return nil
	}
	gateID, ok := retryGateFor[stageBefore]
	if !ok || res.Failure.Code != runerr.CodeGateBlocked {
		return nil
	}
	l, err := halt.LoadLedger(r.root)
	if err != nil {
		return err
	}
	if l.Consumed[string(gateID)] >= cfg.Run.RetryCap {
		return nil
	}
	return led.RetryPlanned(stageBefore, string(gateID), res.Failure.Message)
}

// consumeRetry consumes a pending retry directive for the current stage's
// gate, removing the artifacts it targets so the driver re-produces them.
// Returns the directive digest for sidecar cross-referencing.
func (r *Runner) consumeRetry(cfg *config.Config, m *manifest.Manifest, res *Result) (string, error) {
	gateID, ok := retryGateFor[m.Stage.Current]
	if !ok {
		return "", nil
	}
	pending, err := halt.PendingDirective(r.root, gateID)
	if err != nil || pending == nil {
		return "", err
	}

	d, digest, err := halt.ConsumeDirective(r.root, gateID, cfg.Run.RetryCap, r.now())
	if err != nil {
		return "", err
	}
	res.RetryGate = string(gateID)

	if err := r.clearRetryTargets(m, d); err != nil {
		return "", err
	}
	return digest, nil
}

// clearRetryTargets removes the canonical artifacts and operator deposits a
// directive invalidates. Prompts stay: the work order has not changed, only
// its output.
func (r *Runner) clearRetryTargets(m *manifest.Manifest, d *halt.Directive) error {
	stageName := string(m.Stage.Current)

	switch m.Stage.Current {
	case manifest.StageWave1, manifest.StageWave2:
		wave := 1
		if m.Stage.Current == manifest.StageWave2 {
			wave = 2
		}
		for _, id := range d.PerspectiveIDs {
			paths := []string{
				r.root.WaveOutputPath(wave, id),
				r.root.WaveMetaPath(wave, id),
				r.root.OutputPath(stageName, id),
				r.root.OutputMetaPath(stageName, id),
			}
			if err := removeAll(paths); err != nil {
				return err
			}
		}
		return nil

	case manifest.StageCitations:
		return removeAll([]string{
			r.root.CitationsPath(),
			r.root.OutputPath(stageName, "citations"),
			r.root.OutputMetaPath(stageName, "citations"),
		})
	case manifest.StageSummaries:
		return removeAll([]string{
			r.root.SummaryPackPath(),
			r.root.OutputPath(stageName, "summary-pack"),
			r.root.OutputMetaPath(stageName, "summary-pack"),
		})
	case manifest.StageReview:
		return removeAll([]string{
			r.root.ReviewBundlePath(),
			r.root.OutputPath(stageName, "review-bundle"),
			r.root.OutputMetaPath(stageName, "review-bundle"),
		})
	}
	return nil
}

// commit writes a production to its canonical location, enforcing the
// perspective contract for wave outputs and recording the sidecar last so a
// sidecar on disk always describes a complete output.
func (r *Runner) commit(item driver.Item, prod *driver.Production, retryDigest string) error {
	if item.Contract != nil {
		p := perspective.Perspective{ID: item.ID, Contract: *item.Contract}
		if problems := perspective.ValidateOutput(p, prod.Content); len(problems) > 0 {
			return runerr.New(runerr.CodeInvalidState,
				"output for %s violates its contract", item.ID).
				WithDetail("perspective", item.ID).
				WithDetail("violations", problems)
		}
	}

	if err := runfs.WriteFileAtomic(item.TargetPath, prod.Content); err != nil {
		return err
	}
	if item.SidecarPath == "" {
		return nil
	}

	promptDigest := prod.PromptDigest
	if promptDigest == "" {
		promptDigest = runfs.Digest([]byte(item.Prompt))
	}
	// A directive consumed earlier in this tick wins; otherwise a digest
	// deposited alongside the output survives into the canonical sidecar.
	if retryDigest == "" {
		retryDigest = prod.RetryDigest
	}
	sc := perspective.Sidecar{
		AgentRunID:   prod.AgentRunID,
		PromptDigest: promptDigest,
		StartedAt:    r.now(),
		FinishedAt:   r.now(),
	}
	if retryDigest != "" {
		sc.RetryDirectivesDigest = &retryDigest
	}
	return runfs.WriteJSONAtomic(item.SidecarPath, sc)
}

func removeAll(paths []string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return runerr.Wrap(runerr.CodeWriteFailed, err, "removing %s", p)
		}
	}
	return nil
}
