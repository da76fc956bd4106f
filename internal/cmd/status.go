package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/deeplook/expedition/internal/status"
)

var (
	statusWatch    bool
	statusInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: GroupDiag,
	Short:   "Show run state",
	Long: `Show the run's stage, status, gates, and wave progress. With --watch,
stay open and refresh on an interval until q is pressed. Read-only
either way; never takes the run lock.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "refresh continuously")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", status.DefaultWatchInterval, "watch refresh interval")
}

func runStatus(cmd *cobra.Command, args []string) error {
	root := runRoot()

	if statusWatch {
		return status.Watch(root, statusInterval)
	}

	s, err := status.Collect(root)
	if err != nil {
		return err
	}

	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	fmt.Print(status.Render(s, width))
	return nil
}
