package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deeplook/expedition/internal/halt"
)

var haltJSON bool

var haltCmd = &cobra.Command{
	Use:     "halt",
	GroupID: GroupDiag,
	Short:   "Inspect halt artifacts",
	RunE:    requireSubcommand,
}

var haltShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the most recent halt artifact",
	Args:  cobra.NoArgs,
	RunE:  runHaltShow,
}

func init() {
	rootCmd.AddCommand(haltCmd)
	haltCmd.AddCommand(haltShowCmd)
	haltShowCmd.Flags().BoolVar(&haltJSON, "json", false, "emit the raw artifact as JSON")
}

func runHaltShow(cmd *cobra.Command, args []string) error {
	a, err := halt.Latest(runRoot())
	if err != nil {
		return err
	}
	if a == nil {
		fmt.Println("no halt artifacts")
		return nil
	}

	if haltJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	}

	fmt.Printf("tick %d at %s: %s → %s\n", a.Tick, a.CreatedAt.Format("2006-01-02 15:04:05"), a.From, a.To)
	if a.Error != nil {
		fmt.Printf("error: %s\n", a.Error.Error())
	}
	for _, ma := range a.Classification.MissingArtifacts {
		fmt.Printf("  missing %s (%s)\n", ma.Name, ma.Path)
	}
	for _, bg := range a.Classification.BlockedGates {
		fmt.Printf("  gate %s is %s\n", bg.Gate, bg.Status)
	}
	for _, c := range a.Classification.FailedChecks {
		fmt.Printf("  check %s failed: %s\n", c.Name, c.Details)
	}
	for _, next := range a.NextCommands {
		fmt.Printf("next: %s\n", next)
	}
	return nil
}
