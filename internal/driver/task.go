package driver

import (
	"os"

	"github.com/deeplook/expedition/internal/perspective"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
)

// Task is the non-blocking driver. It never waits on an external actor
// inside the process: when the expected output is not on disk yet it writes
// the prompt artifact (if not already written) and returns a typed
// RUN_AGENT_REQUIRED suspension. The tick ends there; a later
// `xp ingest` deposits the result and the next tick picks it up.
type Task struct{}

// Name implements Driver.
func (t *Task) Name() string { return NameTask }

// Produce implements Driver.
func (t *Task) Produce(root *runfs.Root, item Item) (*Production, error) {
	outPath := root.OutputPath(string(item.Stage), item.ID)
	metaPath := root.OutputMetaPath(string(item.Stage), item.ID)

	if !runfs.Exists(outPath) || !runfs.Exists(metaPath) {
		promptPath := root.PromptPath(string(item.Stage), item.ID)
		if !runfs.Exists(promptPath) {
			if err := runfs.WriteFileAtomic(promptPath, []byte(item.Prompt)); err != nil {
				return nil, err
			}
		}
		return nil, suspend(root, item)
	}

	var sc perspective.Sidecar
	if err := runfs.ReadJSON(metaPath, &sc); err != nil {
		return nil, err
	}

	// The deposited sidecar must reference the prompt that was actually
	// issued; a mismatch means the agent answered a different prompt.
	promptPath := root.PromptPath(string(item.Stage), item.ID)
	if runfs.Exists(promptPath) {
		if err := perspective.VerifySidecar(&sc, promptPath); err != nil {
			return nil, runerr.Wrap(runerr.CodeInvalidState, err,
				"deposited output for %s/%s does not match issued prompt", item.Stage, item.ID)
		}
	}

	content, err := os.ReadFile(outPath) //nolint:gosec // G304: path is constructed from a trusted run root
	if err != nil {
		return nil, runerr.Wrap(runerr.CodeWriteFailed, err, "reading deposited output")
	}

	prod := &Production{
		Content:      content,
		AgentRunID:   sc.AgentRunID,
		PromptDigest: sc.PromptDigest,
	}
	if sc.RetryDirectivesDigest != nil {
		prod.RetryDigest = *sc.RetryDirectivesDigest
	}
	return prod, nil
}
