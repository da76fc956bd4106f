// Package manifest defines the per-run manifest document.
//
// The manifest is the single mutable source of truth for a run's lifecycle
// position. It is created once by run init, mutated only through the
// concurrency guard's revision-checked writes, and never deleted.
package manifest

import (
	"time"

	"github.com/deeplook/expedition/internal/runfs"
)

// Stage is one node in the forward-progress state graph.
type Stage string

const (
	StageInit         Stage = "init"
	StagePerspectives Stage = "perspectives"
	StageWave1        Stage = "wave1"
	StagePivot        Stage = "pivot"
	StageWave2        Stage = "wave2"
	StageCitations    Stage = "citations"
	StageSummaries    Stage = "summaries"
	StageSynthesis    Stage = "synthesis"
	StageReview       Stage = "review"
	StageFinalize     Stage = "finalize"
)

// Stages lists every stage in strict forward order.
var Stages = []Stage{
	StageInit,
	StagePerspectives,
	StageWave1,
	StagePivot,
	StageWave2,
	StageCitations,
	StageSummaries,
	StageSynthesis,
	StageReview,
	StageFinalize,
}

// IsValid reports whether s names a known stage.
func (s Stage) IsValid() bool {
	for _, known := range Stages {
		if s == known {
			return true
		}
	}
	return false
}

// Status is the run status, orthogonal to stage.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// StageInfo tracks the current stage and when it started.
type StageInfo struct {
	Current Stage `json:"current"`

	// StartedAt anchors watchdog elapsed-time accounting. Reset on stage
	// entry; on resume it is backdated so paused time is excluded.
	StartedAt time.Time `json:"started_at"`
}

// Limits are the per-run resource caps, seeded from config at init.
type Limits struct {
	MaxAgentsPerWave    int   `json:"max_agents_per_wave"`
	MaxSummaryBytes     int64 `json:"max_summary_bytes"`
	MaxReviewIterations int   `json:"max_review_iterations"`
}

// Constraints carry feature toggles and flag overrides for the run.
type Constraints struct {
	Toggles map[string]bool   `json:"toggles,omitempty"`
	Flags   map[string]string `json:"flags,omitempty"`
}

// Manifest is the per-run manifest document.
type Manifest struct {
	// RunID is stable and immutable for the life of the run.
	RunID string `json:"run_id"`

	Stage  StageInfo `json:"stage"`
	Status Status    `json:"status"`

	// Revision increases by exactly 1 on every successful write. The
	// concurrency guard refuses any write that breaks this.
	Revision int `json:"revision"`

	Limits      Limits      `json:"limits"`
	Constraints Constraints `json:"constraints"`

	CreatedAt time.Time `json:"created_at"`
}

// New creates the initial manifest for a fresh run.
func New(runID string, limits Limits, now time.Time) *Manifest {
	return &Manifest{
		RunID: runID,
		Stage: StageInfo{
			Current:   StageInit,
			StartedAt: now,
		},
		Status:    StatusRunning,
		Revision:  1,
		Limits:    limits,
		CreatedAt: now,
	}
}

// Load reads the manifest document from a run root.
func Load(root *runfs.Root) (*Manifest, error) {
	var m Manifest
	if err := runfs.ReadJSON(root.ManifestPath(), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Clone returns a deep copy, so dry runs can mutate freely.
func (m *Manifest) Clone() *Manifest {
	out := *m
	if m.Constraints.Toggles != nil {
		out.Constraints.Toggles = make(map[string]bool, len(m.Constraints.Toggles))
		for k, v := range m.Constraints.Toggles {
			out.Constraints.Toggles[k] = v
		}
	}
	if m.Constraints.Flags != nil {
		out.Constraints.Flags = make(map[string]string, len(m.Constraints.Flags))
		for k, v := range m.Constraints.Flags {
			out.Constraints.Flags[k] = v
		}
	}
	return &out
}

// Enabled reports whether a run-level feature toggle is on.
// Unset toggles default to enabled.
func (m *Manifest) Enabled(feature string) bool {
	if v, ok := m.Constraints.Toggles[feature]; ok {
		return v
	}
	return true
}
