package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deeplook/expedition/internal/config"
	"github.com/deeplook/expedition/internal/guard"
	"github.com/deeplook/expedition/internal/ledger"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/watchdog"
)

var pauseReason string

var pauseCmd = &cobra.Command{
	Use:     "pause",
	GroupID: GroupOps,
	Short:   "Pause the run, freezing watchdog accounting",
	Long: `Pause the run. A checkpoint records the elapsed time at the moment of
pausing; on resume the stage clock is backdated so paused wall time
never counts against the stage budget.`,
	Args: cobra.NoArgs,
	RunE: runPause,
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "operator pause", "why the run is pausing")
}

func runPause(cmd *cobra.Command, args []string) error {
	root := runRoot()
	lease, err := guard.Acquire(root)
	if err != nil {
		return err
	}
	defer lease.Release()

	cfg, err := config.Load(root.ConfigPath())
	if err != nil {
		return err
	}
	m, err := manifest.Load(root)
	if err != nil {
		return err
	}
	if err := watchdog.New(cfg).Pause(root, m, pauseReason); err != nil {
		return err
	}
	if err := ledger.New(root).AppendTelemetry(ledger.TelemetryEvent{
		Type:    ledger.TypePaused,
		Stage:   m.Stage.Current,
		Payload: map[string]any{"reason": pauseReason},
	}); err != nil {
		return err
	}

	fmt.Printf("paused at stage %s\n", m.Stage.Current)
	return nil
}
