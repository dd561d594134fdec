package cli

import (
	"fmt"
	"io"

	"brewlog/internal/syncengine"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newSyncCommand(opts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if !a.CheckServer(ctx) && !force {
				return fmt.Errorf("server %s is unreachable, drafts left in place (use --force to try anyway)", a.Config.ServerURL)
			}

			if n, err := a.Engine.RecoverStale(ctx); err != nil {
				return err
			} else if n > 0 {
				a.Logger.Info("recovered stale drafts", "count", n)
			}

			res, err := a.Engine.SyncPendingDrafts(ctx)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printSyncResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "sync even when the health check fails")
	return cmd
}

func printSyncResult(w io.Writer, res syncengine.SyncResult) {
	status := color.GreenString("ok")
	if !res.Success {
		status = color.RedString("incomplete")
	}
	fmt.Fprintf(w, "sync %s: %d synced, %d failed, %d skipped\n",
		status, res.SyncedCount, res.FailedCount, res.SkippedCount)

	for _, f := range res.Failures {
		next := "will retry"
		if f.Final {
			next = "needs attention"
		}
		fmt.Fprintf(w, "  %s %s after %d attempt(s): %s (%s)\n",
			color.RedString("✗"), f.LocalID, f.Attempts, f.Error, next)
	}
}
