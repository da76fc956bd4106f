// Package ledger provides the append-only audit ledgers for a run.
//
// Two JSONL files under logs/: ticks.jsonl records every tick's start and
// finish with the stage/status before and after, and telemetry.jsonl records
// stage lifecycle events with elapsed time and outcome classification.
// Entries are write-once; ordering is the append order. Logging failures are
// returned, never panicked, and callers treat them as best-effort.
package ledger

import (
	"time"

	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/runfs"
)

// Tick ledger event types.
const (
	TickStarted  = "tick_started"
	TickFinished = "tick_finished"
)

// Telemetry event types.
const (
	TypeStageStarted      = "stage_started"
	TypeStageFinished     = "stage_finished"
	TypeStageRetryPlanned = "stage_retry_planned"
	TypeWatchdogFlag      = "watchdog_flag"
	TypePaused            = "paused"
	TypeResumed           = "resumed"
)

// Outcome classifications for finished work.
const (
	OutcomeAdvanced  = "advanced"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
)

// TickEntry is one line of logs/ticks.jsonl.
type TickEntry struct {
	Timestamp    time.Time       `json:"ts"`
	Event        string          `json:"event"`
	Reason       string          `json:"reason,omitempty"`
	Driver       string          `json:"driver,omitempty"`
	StageBefore  manifest.Stage  `json:"stage_before"`
	StageAfter   manifest.Stage  `json:"stage_after,omitempty"`
	StatusBefore manifest.Status `json:"status_before"`
	StatusAfter  manifest.Status `json:"status_after,omitempty"`
	Outcome      string          `json:"outcome,omitempty"`
	InputsDigest string          `json:"inputs_digest,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
}

// TelemetryEvent is one line of logs/telemetry.jsonl.
type TelemetryEvent struct {
	Timestamp      time.Time      `json:"ts"`
	Type           string         `json:"type"`
	Stage          manifest.Stage `json:"stage"`
	InputsDigest   string         `json:"inputs_digest,omitempty"`
	ElapsedSeconds float64        `json:"elapsed_seconds,omitempty"`
	Outcome        string         `json:"outcome,omitempty"`
	FailureKind    string         `json:"failure_kind,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// Ledger appends to and aggregates a run's ledgers.
type Ledger struct {
	root *runfs.Root
	now  func() time.Time
}

// New creates a ledger for a run root.
func New(root *runfs.Root) *Ledger {
	return &Ledger{root: root, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// AppendTick writes one tick ledger entry.
func (l *Ledger) AppendTick(e TickEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	return runfs.AppendJSONL(l.root.TicksLogPath(), e)
}

// AppendTelemetry writes one telemetry event.
func (l *Ledger) AppendTelemetry(e TelemetryEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	return runfs.AppendJSONL(l.root.TelemetryLogPath(), e)
}

// StageStarted records the start of a stage attempt.
func (l *Ledger) StageStarted(stage manifest.Stage, inputsDigest string) error {
	return l.AppendTelemetry(TelemetryEvent{
		Type:         TypeStageStarted,
		Stage:        stage,
		InputsDigest: inputsDigest,
	})
}

// StageFinished records the end of a stage attempt with its outcome.
func (l *Ledger) StageFinished(stage manifest.Stage, outcome, failureKind string, elapsed time.Duration) error {
	return l.AppendTelemetry(TelemetryEvent{
		Type:           TypeStageFinished,
		Stage:          stage,
		Outcome:        outcome,
		FailureKind:    failureKind,
		ElapsedSeconds: elapsed.Seconds(),
	})
}

// RetryPlanned records that a failed-but-retryable outcome scheduled a retry.
func (l *Ledger) RetryPlanned(stage manifest.Stage, gateID, reason string) error {
	return l.AppendTelemetry(TelemetryEvent{
		Type:  TypeStageRetryPlanned,
		Stage: stage,
		Payload: map[string]any{
			"gate":   gateID,
			"reason": reason,
		},
	})
}

// TickEntries reads the full tick ledger.
func (l *Ledger) TickEntries() ([]TickEntry, error) {
	return runfs.ReadJSONL[TickEntry](l.root.TicksLogPath())
}

// TelemetryEvents reads the full telemetry ledger.
func (l *Ledger) TelemetryEvents() ([]TelemetryEvent, error) {
	return runfs.ReadJSONL[TelemetryEvent](l.root.TelemetryLogPath())
}
