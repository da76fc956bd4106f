// Package cmd provides CLI commands for the xp tool.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "xp",
	Short:   "Expedition - Filesystem-backed research run orchestrator",
	Version: Version,
	Long: `Expedition (xp) drives a multi-perspective research run through its
staged lifecycle: perspective planning, waves of parallel research,
a pivot decision, citation validation, summarization, synthesis, and
review.

All state lives on the filesystem under the run root. Every command
rehydrates from disk, does one bounded unit of work, and exits; an
interrupted run resumes from whatever the last completed write left
behind.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Command group IDs, used by subcommands to organize help output.
const (
	GroupRun  = "run"
	GroupOps  = "ops"
	GroupDiag = "diag"
)

var rootDir string

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupRun, Title: "Run Control:"},
		&cobra.Group{ID: GroupOps, Title: "Operator Actions:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupDiag)
	rootCmd.SetCompletionCommandGroupID(GroupDiag)

	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "run root directory")
}

// runRoot resolves the run root for the current invocation.
func runRoot() *runfs.Root {
	return runfs.NewRoot(rootDir)
}

// requireSubcommand is the RunE for parent commands that do nothing on their
// own. Without it, cobra silently shows help and exits 0 for unknown
// subcommands, masking typos.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	return fmt.Errorf("unknown subcommand %q for %s", args[0], cmd.Name())
}

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "xp: %s\n", err)
		if code := runerr.CodeOf(err); code != runerr.CodeWriteFailed {
			fmt.Fprintf(os.Stderr, "xp: error code %s\n", code)
		}
		return 1
	}
	return 0
}
