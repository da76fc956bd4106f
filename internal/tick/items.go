package tick

import (
	"fmt"

	"github.com/deeplook/expedition/internal/driver"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/perspective"
	"github.com/deeplook/expedition/internal/runfs"
)

// pendingItems returns the work items for the current stage whose canonical
// artifacts are not on disk yet, in a stable order. A tick performs at most
// the first one.
func pendingItems(root *runfs.Root, m *manifest.Manifest) ([]driver.Item, error) {
	switch m.Stage.Current {
	case manifest.StageInit, manifest.StageFinalize:
		// Init advances on bookkeeping alone; finalize completes the run.
		return nil, nil

	case manifest.StagePerspectives:
		return docItems(root, m, driver.Item{
			Stage:      manifest.StagePerspectives,
			ID:         "plan",
			Prompt:     planPrompt(),
			TargetPath: root.PerspectivesPath(),
		}), nil

	case manifest.StageWave1:
		return waveItems(root, 1)

	case manifest.StageWave2:
		return waveItems(root, 2)

	case manifest.StagePivot:
		return docItems(root, m, driver.Item{
			Stage:      manifest.StagePivot,
			ID:         "decision",
			Prompt:     pivotPrompt(),
			TargetPath: root.PivotDecisionPath(),
		}), nil

	case manifest.StageCitations:
		return docItems(root, m, driver.Item{
			Stage:      manifest.StageCitations,
			ID:         "citations",
			Prompt:     docPrompt("citations", "Validate every extracted URL and emit one JSON line per citation with url and status."),
			TargetPath: root.CitationsPath(),
		}), nil

	case manifest.StageSummaries:
		return docItems(root, m, driver.Item{
			Stage:      manifest.StageSummaries,
			ID:         "summary-pack",
			Prompt:     docPrompt("summary pack", "Summarize every perspective output into one JSON pack keyed by perspective_id."),
			TargetPath: root.SummaryPackPath(),
		}), nil

	case manifest.StageSynthesis:
		return docItems(root, m, driver.Item{
			Stage:      manifest.StageSynthesis,
			ID:         "final-synthesis",
			Prompt:     docPrompt("final synthesis", "Write the final synthesis document from the summary pack."),
			TargetPath: root.SynthesisPath(),
		}), nil

	case manifest.StageReview:
		return docItems(root, m, driver.Item{
			Stage:      manifest.StageReview,
			ID:         "review-bundle",
			Prompt:     docPrompt("review bundle", "Review the final synthesis and emit a verdict with iteration count."),
			TargetPath: root.ReviewBundlePath(),
		}), nil
	}
	return nil, fmt.Errorf("no dispatch for stage %s", m.Stage.Current)
}

func docItems(root *runfs.Root, _ *manifest.Manifest, item driver.Item) []driver.Item {
	if runfs.Exists(item.TargetPath) {
		return nil
	}
	return []driver.Item{item}
}

// waveItems returns one item per planned perspective missing its output.
func waveItems(root *runfs.Root, wave int) ([]driver.Item, error) {
	plan, err := perspective.LoadPlan(root)
	if err != nil {
		return nil, err
	}

	stage := manifest.StageWave1
	if wave == 2 {
		stage = manifest.StageWave2
	}

	var items []driver.Item
	for _, p := range plan.ForWave(wave) {
		target := root.WaveOutputPath(wave, p.ID)
		if runfs.Exists(target) {
			continue
		}
		contract := p.Contract
		items = append(items, driver.Item{
			Stage:       stage,
			ID:          p.ID,
			Prompt:      perspective.RenderPrompt(p),
			TargetPath:  target,
			SidecarPath: root.WaveMetaPath(wave, p.ID),
			Contract:    &contract,
		})
	}
	return items, nil
}

func planPrompt() string {
	return docPrompt("perspective plan",
		"Decompose the research question into independent perspectives, each with a contract of budgets and required sections.")
}

func pivotPrompt() string {
	return docPrompt("pivot decision",
		"Decide from the wave 1 outputs whether a second wave is warranted; record run_wave2 and the reason.")
}

func docPrompt(name, instructions string) string {
	return fmt.Sprintf("# Produce the %s\n\n%s\n", name, instructions)
}
