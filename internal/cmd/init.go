package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deeplook/expedition/internal/config"
	"github.com/deeplook/expedition/internal/gate"
	"github.com/deeplook/expedition/internal/guard"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
)

var initRunID string

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: GroupRun,
	Short:   "Initialize a new run root",
	Long: `Initialize the run root: write the manifest at revision 1 in stage
init, seed the gate document with every gate pending, and write the
default config if none exists.

Refuses to touch a root that already holds a run.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initRunID, "id", "", "run id (default: generated)")
}

func runInit(cmd *cobra.Command, args []string) error {
	root := runRoot()
	if runfs.Exists(root.ManifestPath()) {
		return runerr.New(runerr.CodeInvalidState,
			"run already initialized at %s", root.Dir()).
			WithDetail("manifest", root.ManifestPath())
	}

	cfg, err := config.Load(root.ConfigPath())
	if err != nil {
		return err
	}
	if !runfs.Exists(root.ConfigPath()) {
		if err := config.Write(root.ConfigPath(), cfg); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
	}

	runID := initRunID
	if runID == "" {
		runID = uuid.NewString()
	}

	m := manifest.New(runID, manifest.Limits{
		MaxAgentsPerWave:    cfg.Limits.MaxAgentsPerWave,
		MaxSummaryBytes:     cfg.Limits.MaxSummaryBytes,
		MaxReviewIterations: cfg.Limits.MaxReviewIterations,
	}, time.Now())
	// Snapshot the config's toggle answers at seed time, resolving each
	// stage explicitly so later config edits cannot flip a live run.
	toggles := make(map[string]bool, len(cfg.Toggles)+len(manifest.Stages))
	for name := range cfg.Toggles {
		toggles[name] = cfg.Enabled(name)
	}
	for _, s := range manifest.Stages {
		toggles[string(s)] = cfg.Enabled(string(s))
	}
	m.Constraints.Toggles = toggles

	if err := gate.Save(root, gate.NewDocument()); err != nil {
		return fmt.Errorf("seeding gates: %w", err)
	}
	if err := guard.SaveManifest(root, m); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	fmt.Printf("initialized run %s at %s\n", m.RunID, root.Dir())
	return nil
}
