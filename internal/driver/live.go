package driver

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/deeplook/expedition/internal/runfs"
)

// ProduceFunc is the externally supplied "produce content for this prompt"
// capability the live driver invokes synchronously.
type ProduceFunc func(prompt string, item Item) ([]byte, error)

// Live invokes an injected producer and ingests its result within the same
// tick. Producer failures are reported, not thrown; the caller decides
// whether to retry the tick.
type Live struct {
	Producer ProduceFunc
}

// Name implements Driver.
func (l *Live) Name() string { return NameLive }

// Produce implements Driver.
func (l *Live) Produce(_ *runfs.Root, item Item) (*Production, error) {
	content, err := l.Producer(item.Prompt, item)
	if err != nil {
		return nil, fmt.Errorf("live producer for %s/%s: %w", item.Stage, item.ID, err)
	}
	return &Production{
		Content:    content,
		AgentRunID: uuid.New().String(),
	}, nil
}
