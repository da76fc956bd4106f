package driver

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/perspective"
	"github.com/deeplook/expedition/internal/runfs"
)

// Fixture is the deterministic offline driver. Given the same run root and
// item it always produces identical bytes, which is what replay tests and
// gate-determinism checks depend on. Timestamps inside fixture content are
// fixed, never wall-clock.
type Fixture struct{}

// Name implements Driver.
func (f *Fixture) Name() string { return NameFixture }

// fixtureEpoch is the fixed timestamp embedded in fixture content.
var fixtureEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Produce implements Driver.
func (f *Fixture) Produce(root *runfs.Root, item Item) (*Production, error) {
	content, err := f.content(root, item)
	if err != nil {
		return nil, err
	}
	return &Production{
		Content:    content,
		AgentRunID: "fixture-" + item.ID,
	}, nil
}

func (f *Fixture) content(root *runfs.Root, item Item) ([]byte, error) {
	switch item.Stage {
	case manifest.StagePerspectives:
		return f.planContent()
	case manifest.StageWave1, manifest.StageWave2:
		return f.waveContent(item), nil
	case manifest.StagePivot:
		return marshal(struct {
			RunWave2  bool      `json:"run_wave2"`
			Reason    string    `json:"reason"`
			DecidedAt time.Time `json:"decided_at"`
		}{false, "fixture runs settle in one wave", fixtureEpoch})
	case manifest.StageCitations:
		return f.citationContent(), nil
	case manifest.StageSummaries:
		return f.summaryContent(root)
	case manifest.StageSynthesis:
		return []byte("# Final synthesis\n\nFixture synthesis of all perspective findings.\n"), nil
	case manifest.StageReview:
		return marshal(struct {
			Verdict    string `json:"verdict"`
			Iterations int    `json:"iterations"`
		}{"approved", 1})
	default:
		return nil, fmt.Errorf("fixture driver has no content for stage %s", item.Stage)
	}
}

// planContent is the canned three-perspective plan.
func (f *Fixture) planContent() ([]byte, error) {
	contract := perspective.Contract{
		MaxWords:         1200,
		MinSources:       3,
		MaxToolCalls:     20,
		RequiredSections: []string{"Findings", "Sources"},
	}
	plan := perspective.Plan{
		Perspectives: []perspective.Perspective{
			{ID: "p1", Question: "What is the current state of the art?", Wave: 1, Contract: contract},
			{ID: "p2", Question: "What are the strongest counterarguments?", Wave: 1, Contract: contract},
			{ID: "p3", Question: "What do practitioners report in the field?", Wave: 1, Contract: contract},
		},
		CreatedAt: fixtureEpoch,
	}
	return marshal(plan)
}

func (f *Fixture) waveContent(item Item) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Perspective %s\n\n", item.ID)
	b.WriteString("## Findings\n\nDeterministic fixture findings for replay.\n\n")
	b.WriteString("## Sources\n\n- https://example.org/a\n- https://example.org/b\n- https://example.org/c\n")
	return []byte(b.String())
}

func (f *Fixture) citationContent() []byte {
	var b strings.Builder
	for i := 1; i <= 4; i++ {
		fmt.Fprintf(&b, `{"url":"https://example.org/ref-%d","status":"valid"}`+"\n", i)
	}
	return []byte(b.String())
}

// summaryContent covers every planned perspective so gate D passes on a
// complete fixture run.
func (f *Fixture) summaryContent(root *runfs.Root) ([]byte, error) {
	plan, err := perspective.LoadPlan(root)
	if err != nil {
		return nil, err
	}
	type entry struct {
		PerspectiveID string `json:"perspective_id"`
		Summary       string `json:"summary"`
	}
	pack := struct {
		Summaries []entry `json:"summaries"`
	}{}
	for _, p := range plan.Perspectives {
		pack.Summaries = append(pack.Summaries, entry{
			PerspectiveID: p.ID,
			Summary:       "Fixture summary for " + p.ID,
		})
	}
	return marshal(pack)
}

func marshal(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding fixture content: %w", err)
	}
	return append(data, '\n'), nil
}
