package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/deeplook/expedition/internal/gate"
	"github.com/deeplook/expedition/internal/halt"
	"github.com/deeplook/expedition/internal/runerr"
)

var (
	retryGate         string
	retryPerspectives []string
	retryReason       string
)

var retryCmd = &cobra.Command{
	Use:     "retry",
	GroupID: GroupOps,
	Short:   "Manage retry directives for blocked gates",
	RunE:    requireSubcommand,
}

var retryPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan a retry for a blocked gate",
	Long: `Write a retry directive for a gate. The next tick at the matching
stage consumes the directive, discards the targeted artifacts, and
re-produces them. Consumption is bounded by retry_cap; a pending
directive must be consumed before another can be planned.`,
	Args: cobra.NoArgs,
	RunE: runRetryPlan,
}

var retryShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show pending directives and the consumption ledger",
	Args:  cobra.NoArgs,
	RunE:  runRetryShow,
}

func init() {
	rootCmd.AddCommand(retryCmd)
	retryCmd.AddCommand(retryPlanCmd, retryShowCmd)
	retryPlanCmd.Flags().StringVar(&retryGate, "gate", "", "gate id: B, C, D, or E (required)")
	retryPlanCmd.Flags().StringSliceVar(&retryPerspectives, "perspectives", nil, "perspective ids to redo (wave gates)")
	retryPlanCmd.Flags().StringVar(&retryReason, "reason", "", "why the retry is needed (required)")
	_ = retryPlanCmd.MarkFlagRequired("gate")
	_ = retryPlanCmd.MarkFlagRequired("reason")
}

func runRetryPlan(cmd *cobra.Command, args []string) error {
	id := gate.ID(retryGate)
	if !id.IsValid() {
		return runerr.New(runerr.CodeInvalidState, "unknown gate %q", retryGate)
	}

	d := &halt.Directive{
		Gate:           string(id),
		PerspectiveIDs: retryPerspectives,
		Reason:         retryReason,
	}
	if err := halt.PlanRetry(runRoot(), d, time.Now()); err != nil {
		return err
	}
	fmt.Printf("retry planned for gate %s; next tick consumes it\n", id)
	return nil
}

func runRetryShow(cmd *cobra.Command, args []string) error {
	root := runRoot()

	shown := false
	for _, id := range gate.IDs {
		d, err := halt.PendingDirective(root, id)
		if err != nil {
			return err
		}
		if d != nil {
			shown = true
			fmt.Printf("gate %s pending: %s", id, d.Reason)
			if len(d.PerspectiveIDs) > 0 {
				fmt.Printf(" (perspectives %v)", d.PerspectiveIDs)
			}
			fmt.Println()
		}
	}

	ledger, err := halt.LoadLedger(root)
	if err != nil {
		return err
	}
	for _, id := range gate.IDs {
		if n := ledger.Consumed[string(id)]; n > 0 {
			shown = true
			fmt.Printf("gate %s consumed %d\n", id, n)
		}
	}
	if !shown {
		fmt.Println("no retry activity")
	}
	return nil
}
