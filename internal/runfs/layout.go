// Package runfs is the artifact store for a run root.
//
// Every piece of orchestrator state is a file under the run root. This
// package owns the layout conventions plus the three mutation primitives the
// rest of the system is built on: atomic document rewrite (temp file then
// rename), append-only JSONL, and canonical content digests.
package runfs

import "path/filepath"

// File and directory names under a run root.
const (
	ManifestFile     = "manifest.json"
	GatesFile        = "gates.json"
	PerspectivesFile = "perspectives.json"
	LockFile         = "run.lock"
	ConfigFile       = "expedition.toml"

	Wave1Dir     = "wave-1"
	Wave2Dir     = "wave-2"
	PivotDir     = "pivot"
	CitationsDir = "citations"
	SummariesDir = "summaries"
	SynthesisDir = "synthesis"
	ReviewDir    = "review"
	OperatorDir  = "operator"
	LogsDir      = "logs"
	ScratchDir   = ".scratch"

	PivotDecisionFile = "decision.json"
	CitationsLog      = "citations.jsonl"
	ExtractedURLsFile = "extracted-urls.txt"
	SummaryPackFile   = "summary-pack.json"
	SynthesisFile     = "final-synthesis.md"
	ReviewBundleFile  = "review-bundle.json"

	TicksLog     = "ticks.jsonl"
	TelemetryLog = "telemetry.jsonl"
	RollupFile   = "rollup.json"

	PauseCheckpointFile  = "pause-checkpoint.json"
	ResumeCheckpointFile = "resume-checkpoint.json"
)

// Root addresses artifacts within one run root directory.
// Distinct run roots are fully independent; a Root carries no open handles
// and no cached state.
type Root struct {
	dir string
}

// NewRoot creates a Root for the given directory.
func NewRoot(dir string) *Root {
	return &Root{dir: dir}
}

// Dir returns the run root directory.
func (r *Root) Dir() string {
	return r.dir
}

// Path joins elements onto the run root.
func (r *Root) Path(elem ...string) string {
	return filepath.Join(append([]string{r.dir}, elem...)...)
}

// ManifestPath returns the manifest document path.
func (r *Root) ManifestPath() string { return r.Path(ManifestFile) }

// GatesPath returns the gate-state document path.
func (r *Root) GatesPath() string { return r.Path(GatesFile) }

// PerspectivesPath returns the perspective plan path.
func (r *Root) PerspectivesPath() string { return r.Path(PerspectivesFile) }

// LockPath returns the run lock file path.
func (r *Root) LockPath() string { return r.Path(LockFile) }

// ConfigPath returns the run-level config file path.
func (r *Root) ConfigPath() string { return r.Path(ConfigFile) }

// WaveDir returns the output directory for a wave (1 or 2).
func (r *Root) WaveDir(wave int) string {
	if wave == 2 {
		return r.Path(Wave2Dir)
	}
	return r.Path(Wave1Dir)
}

// WaveOutputPath returns the raw output path for a perspective in a wave.
func (r *Root) WaveOutputPath(wave int, id string) string {
	return filepath.Join(r.WaveDir(wave), id+".md")
}

// WaveMetaPath returns the metadata sidecar path for a perspective output.
func (r *Root) WaveMetaPath(wave int, id string) string {
	return filepath.Join(r.WaveDir(wave), id+".meta.json")
}

// PivotDecisionPath returns the pivot decision artifact path.
func (r *Root) PivotDecisionPath() string { return r.Path(PivotDir, PivotDecisionFile) }

// CitationsPath returns the validated citation records path.
func (r *Root) CitationsPath() string { return r.Path(CitationsDir, CitationsLog) }

// ExtractedURLsPath returns the extracted URL list path.
func (r *Root) ExtractedURLsPath() string { return r.Path(CitationsDir, ExtractedURLsFile) }

// SummaryPackPath returns the summary pack path.
func (r *Root) SummaryPackPath() string { return r.Path(SummariesDir, SummaryPackFile) }

// SynthesisPath returns the final synthesis document path.
func (r *Root) SynthesisPath() string { return r.Path(SynthesisDir, SynthesisFile) }

// ReviewBundlePath returns the review bundle path.
func (r *Root) ReviewBundlePath() string { return r.Path(ReviewDir, ReviewBundleFile) }

// PromptPath returns the operator handoff prompt path for a stage/id.
func (r *Root) PromptPath(stage, id string) string {
	return r.Path(OperatorDir, "prompts", stage, id+".md")
}

// OutputPath returns the operator handoff output path for a stage/id.
func (r *Root) OutputPath(stage, id string) string {
	return r.Path(OperatorDir, "outputs", stage, id+".md")
}

// OutputMetaPath returns the sidecar path for an operator output.
func (r *Root) OutputMetaPath(stage, id string) string {
	return r.Path(OperatorDir, "outputs", stage, id+".md.meta.json")
}

// HaltDir returns the halt artifact directory.
func (r *Root) HaltDir() string { return r.Path(OperatorDir, "halt") }

// RetryDir returns the retry directive directory.
func (r *Root) RetryDir() string { return r.Path(OperatorDir, "retry") }

// TicksLogPath returns the tick ledger path.
func (r *Root) TicksLogPath() string { return r.Path(LogsDir, TicksLog) }

// TelemetryLogPath returns the telemetry ledger path.
func (r *Root) TelemetryLogPath() string { return r.Path(LogsDir, TelemetryLog) }

// RollupPath returns the metrics rollup path.
func (r *Root) RollupPath() string { return r.Path(LogsDir, RollupFile) }

// PauseCheckpointPath returns the pause checkpoint path.
func (r *Root) PauseCheckpointPath() string { return r.Path(LogsDir, PauseCheckpointFile) }

// ResumeCheckpointPath returns the resume checkpoint path.
func (r *Root) ResumeCheckpointPath() string { return r.Path(LogsDir, ResumeCheckpointFile) }

// ScratchPath returns a path under the scratch area used by dry runs.
func (r *Root) ScratchPath(elem ...string) string {
	return r.Path(append([]string{ScratchDir}, elem...)...)
}
