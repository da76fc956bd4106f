package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deeplook/expedition/internal/config"
	"github.com/deeplook/expedition/internal/driver"
	"github.com/deeplook/expedition/internal/ledger"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/tick"
)

var (
	tickDriver string
	tickReason string
	tickTo     string
	tickCount  int
)

var tickCmd = &cobra.Command{
	Use:     "tick",
	GroupID: GroupRun,
	Short:   "Run one bounded unit of work",
	Long: `Run one tick: rehydrate state, produce at most one missing artifact
through the driver, then attempt the stage transition.

With --count N, tick repeats until N ticks have run, the run suspends
on an external agent, or a tick fails.`,
	Args: cobra.NoArgs,
	RunE: runTick,
}

func init() {
	rootCmd.AddCommand(tickCmd)
	tickCmd.Flags().StringVar(&tickDriver, "driver", "", "driver family: fixture, live, or task (default: from config)")
	tickCmd.Flags().StringVar(&tickReason, "reason", "operator", "why this tick ran, recorded in the ledger")
	tickCmd.Flags().StringVar(&tickTo, "to", "", "target stage where the graph branches")
	tickCmd.Flags().IntVar(&tickCount, "count", 1, "maximum ticks to run")
}

func runTick(cmd *cobra.Command, args []string) error {
	root := runRoot()
	cfg, err := config.Load(root.ConfigPath())
	if err != nil {
		return err
	}

	name := tickDriver
	if name == "" {
		name = cfg.Run.DefaultDriver
	}
	drv, err := driver.ForName(name, nil)
	if err != nil {
		return err
	}

	var requested manifest.Stage
	if tickTo != "" {
		requested = manifest.Stage(tickTo)
		if !requested.IsValid() {
			return runerr.New(runerr.CodeRequestedNextNotAllowed, "unknown stage %q", tickTo)
		}
	}

	runner := tick.NewRunner(root)
	for i := 0; i < tickCount; i++ {
		res, err := runner.Run(tick.Options{
			Reason:        tickReason,
			Driver:        drv,
			RequestedNext: requested,
		})
		if err != nil {
			return err
		}
		printTick(res)

		if res.Suspension != nil || res.Outcome == ledger.OutcomeFailed ||
			res.StatusAfter != manifest.StatusRunning {
			break
		}
	}
	return nil
}

func printTick(res *tick.Result) {
	switch {
	case res.Suspension != nil:
		fmt.Printf("⏸ suspended: %s\n", res.Suspension.Message)
		if next, ok := res.Suspension.Details["next_command"]; ok {
			fmt.Printf("  next: %v\n", next)
		}
	case res.Outcome == ledger.OutcomeAdvanced:
		fmt.Printf("✓ advanced %s → %s", res.From, res.StageAfter)
		if res.StatusAfter != manifest.StatusRunning {
			fmt.Printf(" (%s)", res.StatusAfter)
		}
		fmt.Println()
	case res.Outcome == ledger.OutcomeFailed:
		fmt.Printf("✗ failed at %s: %s\n", res.From, res.Failure.Error())
		if res.HaltPath != "" {
			fmt.Printf("  halt artifact: %s\n", res.HaltPath)
		}
	default:
		fmt.Printf("· unchanged at %s", res.From)
		if res.Produced != "" {
			fmt.Printf(" (produced %s)", res.Produced)
		}
		fmt.Println()
	}
	if res.Alert != nil {
		fmt.Printf("⚠ %s\n", res.Alert.Describe())
	}
}
