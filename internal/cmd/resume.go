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

var resumeCmd = &cobra.Command{
	Use:     "resume",
	GroupID: GroupOps,
	Short:   "Resume a paused run",
	Long: `Resume a paused run. The stage clock is backdated by the elapsed time
recorded at pause, so budget accounting continues exactly where it
stopped.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
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
	if err := watchdog.New(cfg).Resume(root, m); err != nil {
		return err
	}
	if err := ledger.New(root).AppendTelemetry(ledger.TelemetryEvent{
		Type:  ledger.TypeResumed,
		Stage: m.Stage.Current,
	}); err != nil {
		return err
	}

	fmt.Printf("resumed at stage %s\n", m.Stage.Current)
	return nil
}
