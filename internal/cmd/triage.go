package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deeplook/expedition/internal/halt"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/runerr"
)

var triageTo string

var triageCmd = &cobra.Command{
	Use:     "triage",
	GroupID: GroupDiag,
	Short:   "Diagnose why the run is not advancing",
	Long: `Dry-run the next transition and classify everything in the way:
missing artifacts, blocked gates, and failed checks. Mutates nothing.`,
	Args: cobra.NoArgs,
	RunE: runTriage,
}

func init() {
	rootCmd.AddCommand(triageCmd)
	triageCmd.Flags().StringVar(&triageTo, "to", "", "target stage where the graph branches")
}

func runTriage(cmd *cobra.Command, args []string) error {
	root := runRoot()

	var requested manifest.Stage
	if triageTo != "" {
		requested = manifest.Stage(triageTo)
		if !requested.IsValid() {
			return runerr.New(runerr.CodeRequestedNextNotAllowed, "unknown stage %q", triageTo)
		}
	}

	rep, err := halt.Triage(root, requested)
	if err != nil {
		return err
	}

	fmt.Printf("stage %s, status %s\n", rep.Stage, rep.Status)
	if rep.WouldAdvance {
		fmt.Printf("✓ next transition to %s would succeed\n", rep.Next)
		return nil
	}

	if rep.Result != nil && rep.Result.Err != nil {
		fmt.Printf("✗ %s\n", rep.Result.Err.Error())
	}
	for _, ma := range rep.Classification.MissingArtifacts {
		fmt.Printf("  missing artifact %s (%s)\n", ma.Name, ma.Path)
	}
	for _, bg := range rep.Classification.BlockedGates {
		fmt.Printf("  gate %s is %s\n", bg.Gate, bg.Status)
		for _, w := range bg.Warnings {
			fmt.Printf("    %s\n", w)
		}
	}
	for _, fc := range rep.Classification.FailedChecks {
		fmt.Printf("  check %s failed: %s\n", fc.Name, fc.Details)
	}
	return nil
}
