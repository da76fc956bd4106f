// Package halt records why a run could not advance and what to do about it.
//
// Every refused transition produces a numbered, append-only halt artifact
// under operator/halt/ plus a latest.json pointer. Halt artifacts are never
// mutated; the history of refusals is part of the run's audit trail.
package halt

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/deeplook/expedition/internal/gate"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
	"github.com/deeplook/expedition/internal/stage"
)

// MissingArtifact names one absent required artifact with its resolved path.
type MissingArtifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// BlockedGate names one gate that refused, with its last-known state.
type BlockedGate struct {
	Gate     string   `json:"gate"`
	Status   string   `json:"status"`
	Warnings []string `json:"warnings,omitempty"`
}

// Classification is the three-bucket breakdown of a refused transition.
type Classification struct {
	MissingArtifacts []MissingArtifact `json:"missing_artifacts,omitempty"`
	BlockedGates     []BlockedGate     `json:"blocked_gates,omitempty"`
	FailedChecks     []stage.Check     `json:"failed_checks,omitempty"`
}

// Empty reports whether nothing was classified as failing.
func (c Classification) Empty() bool {
	return len(c.MissingArtifacts) == 0 && len(c.BlockedGates) == 0 && len(c.FailedChecks) == 0
}

// Classify breaks a transition result's evaluations into the three buckets.
// Gate state comes from the gates document so the halt artifact records the
// last-known status, not just the boolean.
func Classify(res *stage.Result, gates gate.Document) Classification {
	var c Classification
	for _, check := range res.Evaluated {
		if check.OK {
			continue
		}
		switch check.Kind {
		case stage.CheckArtifact:
			c.MissingArtifacts = append(c.MissingArtifacts, MissingArtifact{
				Name: check.Name,
				Path: check.Path,
			})
		case stage.CheckGate:
			id := gate.ID(strings.TrimPrefix(check.Name, "gate-"))
			bg := BlockedGate{Gate: string(id), Status: string(gate.StatusPending)}
			if st, ok := gates[id]; ok {
				bg.Status = string(st.Status)
				bg.Warnings = st.Warnings
			}
			if bg.Warnings == nil && check.Details != "" {
				bg.Warnings = strings.Split(check.Details, "; ")
			}
			c.BlockedGates = append(c.BlockedGates, bg)
		default:
			c.FailedChecks = append(c.FailedChecks, check)
		}
	}
	return c
}

// Artifact is one persisted halt record.
type Artifact struct {
	Tick      int       `json:"tick"`
	CreatedAt time.Time `json:"created_at"`

	From manifest.Stage `json:"from"`
	To   manifest.Stage `json:"to"`

	Error *runerr.Error `json:"error"`

	Classification Classification `json:"classification"`

	// RelatedPaths point at the artifacts the decision consumed.
	RelatedPaths []string `json:"related_paths,omitempty"`

	// NextCommands are concrete remediation commands, most useful first.
	NextCommands []string `json:"next_commands"`
}

// Write persists a numbered halt artifact and updates the latest pointer.
// Returns the numbered artifact path.
func Write(root *runfs.Root, res *stage.Result, gates gate.Document, now time.Time) (string, error) {
	n, err := nextNumber(root)
	if err != nil {
		return "", err
	}

	cls := Classify(res, gates)
	art := Artifact{
		Tick:           n,
		CreatedAt:      now,
		From:           res.From,
		To:             res.To,
		Error:          res.Err,
		Classification: cls,
		RelatedPaths:   relatedPaths(res),
		NextCommands:   nextCommands(res, cls),
	}

	path := numberedPath(root, n)
	if err := runfs.WriteJSONAtomic(path, art); err != nil {
		return "", err
	}
	if err := runfs.WriteJSONAtomic(latestPath(root), art); err != nil {
		return "", err
	}
	return path, nil
}

// Latest reads the most recent halt artifact, or nil if none exists.
func Latest(root *runfs.Root) (*Artifact, error) {
	var art Artifact
	if err := runfs.ReadJSON(latestPath(root), &art); err != nil {
		if runerr.HasCode(err, runerr.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &art, nil
}

func numberedPath(root *runfs.Root, n int) string {
	return fmt.Sprintf("%s/tick-%04d.json", root.HaltDir(), n)
}

func latestPath(root *runfs.Root) string {
	return root.HaltDir() + "/latest.json"
}

// nextNumber scans the halt directory for the highest tick-NNNN and returns
// the next number. Numbering is append-only; existing artifacts are never
// renumbered or rewritten.
func nextNumber(root *runfs.Root) (int, error) {
	entries, err := os.ReadDir(root.HaltDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, runerr.Wrap(runerr.CodeWriteFailed, err, "scanning halt directory")
	}

	max := 0
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "tick-%04d.json", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func relatedPaths(res *stage.Result) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, c := range res.Evaluated {
		if c.Path != "" && !seen[c.Path] {
			seen[c.Path] = true
			paths = append(paths, c.Path)
		}
	}
	sort.Strings(paths)
	return paths
}

// nextCommands renders concrete remediation steps for the operator.
func nextCommands(res *stage.Result, cls Classification) []string {
	var cmds []string
	for _, ma := range cls.MissingArtifacts {
		if strings.HasPrefix(ma.Name, "wave-") {
			parts := strings.SplitN(ma.Name, "/", 2)
			if len(parts) == 2 {
				waveStage := "wave1"
				if parts[0] == "wave-2" {
					waveStage = "wave2"
				}
				cmds = append(cmds, fmt.Sprintf("xp ingest %s %s --file <output.md>", waveStage, parts[1]))
				continue
			}
		}
		cmds = append(cmds, fmt.Sprintf("supply the missing artifact at %s", ma.Path))
	}
	for _, bg := range cls.BlockedGates {
		cmds = append(cmds, fmt.Sprintf("xp retry plan --gate %s  # after fixing: %s",
			bg.Gate, strings.Join(bg.Warnings, "; ")))
	}
	cmds = append(cmds, "xp triage")
	if res.To != "" {
		cmds = append(cmds, fmt.Sprintf("xp advance --to %s --dry-run", res.To))
	}
	return cmds
}
