package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/deeplook/expedition/internal/driver"
	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/runerr"
)

var (
	ingestFile     string
	ingestAgentRun string
	ingestStarted  string
	ingestFinished string
	ingestRetry    string
)

var ingestCmd = &cobra.Command{
	Use:     "ingest <stage> <id>",
	GroupID: GroupOps,
	Short:   "Deposit an external agent's output for a suspended work item",
	Long: `Deposit the output an external agent produced for a prompt the task
driver issued. The deposit lands under operator/outputs/ with a
sidecar anchored to the issued prompt's digest; the next tick picks
it up, validates it, and commits it to its canonical location.`,
	Args: cobra.ExactArgs(2),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "file holding the agent output (required)")
	ingestCmd.Flags().StringVar(&ingestAgentRun, "agent-run", "", "agent run id (default: generated)")
	ingestCmd.Flags().StringVar(&ingestStarted, "started", "", "agent start time, RFC 3339")
	ingestCmd.Flags().StringVar(&ingestFinished, "finished", "", "agent finish time, RFC 3339")
	ingestCmd.Flags().StringVar(&ingestRetry, "retry-digest", "", "digest of the retry directive this output answers")
	_ = ingestCmd.MarkFlagRequired("file")
}

func runIngest(cmd *cobra.Command, args []string) error {
	stageName, id := args[0], args[1]
	if !manifest.Stage(stageName).IsValid() {
		return runerr.New(runerr.CodeInvalidState, "unknown stage %q", stageName)
	}

	content, err := os.ReadFile(ingestFile) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		return fmt.Errorf("reading %s: %w", ingestFile, err)
	}

	d := driver.Deposit{
		Stage:      stageName,
		ID:         id,
		Content:    content,
		AgentRunID: ingestAgentRun,
	}
	if ingestStarted != "" {
		t, err := time.Parse(time.RFC3339, ingestStarted)
		if err != nil {
			return fmt.Errorf("parsing --started: %w", err)
		}
		d.StartedAt = t
	}
	if ingestFinished != "" {
		t, err := time.Parse(time.RFC3339, ingestFinished)
		if err != nil {
			return fmt.Errorf("parsing --finished: %w", err)
		}
		d.FinishedAt = t
	}
	d.RetryDirectiveDigest = ingestRetry

	if err := driver.Ingest(runRoot(), d); err != nil {
		return err
	}
	fmt.Printf("ingested %s/%s; run xp tick to commit it\n", stageName, id)
	return nil
}
