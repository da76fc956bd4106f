package halt

import (
	"os"

	"github.com/deeplook/expedition/internal/gate"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/runfs"
	"github.com/deeplook/expedition/internal/stage"
)

// Report is the read-only triage view: the dry-run decision plus the same
// classification a halt artifact would carry, with nothing persisted.
type Report struct {
	Stage          manifest.Stage  `json:"stage"`
	Status         manifest.Status `json:"status"`
	WouldAdvance   bool            `json:"would_advance"`
	Next           manifest.Stage  `json:"next,omitempty"`
	Result         *stage.Result   `json:"result"`
	Classification Classification  `json:"classification"`
}

// Triage runs the stage machine's dry-run against the current manifest and
// gates and classifies the outcome. Safe to run between ticks, with or
// without the run lock held.
func Triage(root *runfs.Root, requestedNext manifest.Stage) (*Report, error) {
	m, err := manifest.Load(root)
	if err != nil {
		return nil, err
	}
	gates, err := gate.Load(root)
	if err != nil {
		return nil, err
	}

	sm := stage.NewMachine(root)
	res, err := sm.DryRun(requestedNext)
	if err != nil {
		return nil, err
	}

	return &Report{
		Stage:          m.Stage.Current,
		Status:         m.Status,
		WouldAdvance:   res.OK,
		Next:           res.To,
		Result:         res,
		Classification: Classify(res, gates),
	}, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
