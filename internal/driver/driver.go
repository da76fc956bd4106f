// Package driver supplies the three execution driver families the tick
// dispatcher routes to.
//
// A driver produces the content for one work item. The fixture driver
// synthesizes deterministic canned content for testing and replay; the live
// driver invokes an injected producer synchronously; the task driver never
// blocks: if the external agent has not deposited a result yet it writes a
// prompt artifact and returns a typed RUN_AGENT_REQUIRED suspension naming
// the exact follow-up command.
package driver

import (
	"fmt"

	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/perspective"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
)

// Driver family names.
const (
	NameFixture = "fixture"
	NameLive    = "live"
	NameTask    = "task"
)

// Item is one unit of work a tick needs produced.
type Item struct {
	// Stage is the lifecycle stage the item belongs to.
	Stage manifest.Stage

	// ID identifies the item within the stage: a perspective id for wave
	// stages, a fixed document name otherwise.
	ID string

	// Prompt is the rendered prompt text for the item. Its canonical
	// digest is the sidecar anchor.
	Prompt string

	// TargetPath is the canonical artifact the content lands at.
	TargetPath string

	// SidecarPath is the metadata sidecar written next to the target for
	// wave outputs; empty for plain document artifacts.
	SidecarPath string

	// Contract bounds the produced content for wave outputs; nil for
	// document artifacts the orchestrator treats as opaque.
	Contract *perspective.Contract
}

// Production is a driver's successful output for an item.
type Production struct {
	Content []byte

	// AgentRunID identifies the producing agent invocation.
	AgentRunID string

	// PromptDigest is the canonical digest of the prompt the content was
	// produced from. Empty means the dispatcher digests Item.Prompt.
	PromptDigest string

	// RetryDigest is the retry-directive digest carried in a deposited
	// sidecar, if any. The dispatcher preserves it in the canonical
	// sidecar when the tick itself consumed no directive.
	RetryDigest string
}

// Driver produces content for work items.
type Driver interface {
	// Name returns the driver family name.
	Name() string

	// Produce supplies content for the item, or a typed error. A task
	// driver returns RUN_AGENT_REQUIRED when the external result is not
	// on disk yet; that is a suspension, not a failure.
	Produce(root *runfs.Root, item Item) (*Production, error)
}

// ForName returns the driver for a family name. The live producer is only
// required when name is "live".
func ForName(name string, producer ProduceFunc) (Driver, error) {
	switch name {
	case NameFixture:
		return &Fixture{}, nil
	case NameLive:
		if producer == nil {
			return nil, fmt.Errorf("live driver requires a producer")
		}
		return &Live{Producer: producer}, nil
	case NameTask:
		return &Task{}, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", name)
	}
}

// SuspensionCommand renders the follow-up command a RUN_AGENT_REQUIRED
// suspension names.
func SuspensionCommand(item Item) string {
	return fmt.Sprintf("xp ingest %s %s --file <output> --agent-run <id>", item.Stage, item.ID)
}

// suspend builds the typed suspension for an item awaiting external work.
func suspend(root *runfs.Root, item Item) error {
	return runerr.New(runerr.CodeRunAgentRequired,
		"external agent output required for %s/%s", item.Stage, item.ID).
		WithDetail("prompt", root.PromptPath(string(item.Stage), item.ID)).
		WithDetail("expected_output", root.OutputPath(string(item.Stage), item.ID)).
		WithDetail("next_command", SuspensionCommand(item))
}
