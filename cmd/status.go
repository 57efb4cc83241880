package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/status-keycard/keycard-go/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect and print the current card status",
	Long: `Brings up the Session Manager, waits for a reader and card, and
prints the resulting state, ApplicationInfo, ApplicationStatus, and
on-card metadata.

Examples:
  keycard-go status
  keycard-go status --json`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	mgr, stop, err := connect(ctx)
	if err != nil {
		printError(err.Error())
		return err
	}
	defer stop()

	waitForStatusSettled(mgr, waitTimeout)
	snap := mgr.Status()
	if outputJSON {
		emitJSON(map[string]any{
			"state":    snap.State.String(),
			"info":     snap.Info,
			"status":   snap.Status,
			"metadata": snap.Metadata,
		})
		return nil
	}
	output.PrintStatus(snap)
	return nil
}
