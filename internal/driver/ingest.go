package driver

import (
	"time"

	"github.com/google/uuid"

	"github.com/deeplook/expedition/internal/perspective"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
)

// Deposit is the "ingest result" half of the suspend-and-resume contract:
// it writes an external agent's output to the documented operator paths with
// a fully populated metadata sidecar. The next tick's task driver finds and
// validates it there.
type Deposit struct {
	Stage      string
	ID         string
	Content    []byte
	AgentRunID string

	// StartedAt/FinishedAt bound the external agent's work. Zero values
	// default to now.
	StartedAt  time.Time
	FinishedAt time.Time

	// RetryDirectiveDigest ties the output to the retry directive that
	// caused it, when one was consumed.
	RetryDirectiveDigest string
}

// Ingest validates and writes a deposit. The prompt artifact must already
// exist (the task driver writes it when suspending); its digest becomes the
// sidecar's prompt_digest.
func Ingest(root *runfs.Root, d Deposit) error {
	promptPath := root.PromptPath(d.Stage, d.ID)
	if !runfs.Exists(promptPath) {
		return runerr.New(runerr.CodeNotFound,
			"no prompt has been issued for %s/%s; run a tick first", d.Stage, d.ID).
			WithDetail("prompt", promptPath)
	}
	promptDigest, err := runfs.DigestFile(promptPath)
	if err != nil {
		return runerr.Wrap(runerr.CodeWriteFailed, err, "digesting prompt")
	}

	if len(d.Content) == 0 {
		return runerr.New(runerr.CodeInvalidState, "refusing to ingest empty output for %s/%s", d.Stage, d.ID)
	}

	now := time.Now()
	if d.AgentRunID == "" {
		d.AgentRunID = uuid.New().String()
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = now
	}
	if d.FinishedAt.IsZero() {
		d.FinishedAt = now
	}

	sc := perspective.Sidecar{
		AgentRunID:   d.AgentRunID,
		PromptDigest: promptDigest,
		StartedAt:    d.StartedAt,
		FinishedAt:   d.FinishedAt,
	}
	if d.RetryDirectiveDigest != "" {
		sc.RetryDirectivesDigest = &d.RetryDirectiveDigest
	}

	// Output first, sidecar last: a deposit is only complete once the
	// sidecar exists, so the task driver never ingests a half deposit.
	if err := runfs.WriteFileAtomic(root.OutputPath(d.Stage, d.ID), d.Content); err != nil {
		return err
	}
	return runfs.WriteJSONAtomic(root.OutputMetaPath(d.Stage, d.ID), sc)
}
