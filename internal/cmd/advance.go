package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deeplook/expedition/internal/gate"
	"github.com/deeplook/expedition/internal/guard"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/stage"
)

var (
	advanceTo     string
	advanceDryRun bool
)

var advanceCmd = &cobra.Command{
	Use:     "advance",
	GroupID: GroupRun,
	Short:   "Attempt the stage transition without producing artifacts",
	Long: `Attempt the next stage transition against the artifacts already on
disk. No driver runs; this is the transition half of a tick.

With --dry-run the full evaluation is reported and nothing mutates,
not even on success.`,
	Args: cobra.NoArgs,
	RunE: runAdvance,
}

func init() {
	rootCmd.AddCommand(advanceCmd)
	advanceCmd.Flags().StringVar(&advanceTo, "to", "", "target stage where the graph branches")
	advanceCmd.Flags().BoolVar(&advanceDryRun, "dry-run", false, "evaluate without mutating anything")
}

func runAdvance(cmd *cobra.Command, args []string) error {
	root := runRoot()

	var requested manifest.Stage
	if advanceTo != "" {
		requested = manifest.Stage(advanceTo)
		if !requested.IsValid() {
			return runerr.New(runerr.CodeRequestedNextNotAllowed, "unknown stage %q", advanceTo)
		}
	}

	sm := stage.NewMachine(root)

	if advanceDryRun {
		res, err := sm.DryRun(requested)
		if err != nil {
			return err
		}
		printTransition(res, true)
		return nil
	}

	lease, err := guard.Acquire(root)
	if err != nil {
		return err
	}
	defer lease.Release()

	m, err := manifest.Load(root)
	if err != nil {
		return err
	}
	gates, err := gate.Load(root)
	if err != nil {
		return err
	}
	res, err := sm.Attempt(m, gates, requested)
	if err != nil {
		return err
	}
	printTransition(res, false)
	return nil
}

func printTransition(res *stage.Result, dry bool) {
	prefix := ""
	if dry {
		prefix = "[dry-run] "
	}
	if res.OK {
		fmt.Printf("%s✓ %s → %s\n", prefix, res.From, res.To)
	} else {
		fmt.Printf("%s✗ refused: %s\n", prefix, res.Err.Error())
	}
	for _, c := range res.Evaluated {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		line := fmt.Sprintf("  %s %s %s", mark, c.Kind, c.Name)
		if c.Details != "" && !c.OK {
			line += ": " + c.Details
		}
		fmt.Println(line)
	}
	if res.DecisionInputsDigest != "" {
		fmt.Printf("  inputs digest: %s\n", res.DecisionInputsDigest)
	}
}
