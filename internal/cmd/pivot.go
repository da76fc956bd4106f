package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/deeplook/expedition/internal/gate"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
)

var (
	pivotWave2  bool
	pivotReason string
)

var pivotCmd = &cobra.Command{
	Use:     "pivot",
	GroupID: GroupOps,
	Short:   "Record the pivot decision by hand",
	Long: `Record the pivot decision directly, bypassing the driver. The decision
artifact selects whether the run branches into a second wave or goes
straight to citation validation.

Refuses to overwrite an existing decision: the branch taken must
stay explainable from one artifact.`,
	Args: cobra.NoArgs,
	RunE: runPivot,
}

func init() {
	rootCmd.AddCommand(pivotCmd)
	pivotCmd.Flags().BoolVar(&pivotWave2, "wave2", false, "run a second wave")
	pivotCmd.Flags().StringVar(&pivotReason, "reason", "", "why this branch (required)")
	_ = pivotCmd.MarkFlagRequired("reason")
}

func runPivot(cmd *cobra.Command, args []string) error {
	root := runRoot()

	m, err := manifest.Load(root)
	if err != nil {
		return err
	}
	if m.Stage.Current != manifest.StagePivot {
		return runerr.New(runerr.CodeInvalidState,
			"pivot decision belongs to the pivot stage, run is at %s", m.Stage.Current)
	}
	if runfs.Exists(root.PivotDecisionPath()) {
		return runerr.New(runerr.CodeInvalidState,
			"pivot decision already recorded").
			WithDetail("artifact", root.PivotDecisionPath())
	}

	d := gate.PivotDecision{
		RunWave2:  pivotWave2,
		Reason:    pivotReason,
		DecidedAt: time.Now(),
	}
	if err := runfs.WriteJSONAtomic(root.PivotDecisionPath(), d); err != nil {
		return err
	}

	branch := "citations"
	if pivotWave2 {
		branch = "wave2"
	}
	fmt.Printf("pivot decision recorded: %s\n", branch)
	return nil
}
