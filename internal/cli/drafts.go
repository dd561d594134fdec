package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"brewlog/internal/drafts"
	"brewlog/internal/models"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDraftsCommand(opts *RootOptions) *cobra.Command {
	var states []string

	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "List drafts held on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseStates(states)
			if err != nil {
				return err
			}

			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.Drafts.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			views := make([]models.DraftView, 0, len(list))
			for _, d := range list {
				views = append(views, models.NewDraftView(d, d.Payload.Name))
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), views)
			}
			printDrafts(cmd.OutOrStdout(), views, time.Now())
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&states, "state", nil, "only show drafts in these states (pending,syncing,synced,failed)")
	return cmd
}

func newRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <local-id>",
		Short: "Reset a failed draft so the next pass picks it up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.Engine.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", d.LocalID, stateLabel(d.SyncState))
			return nil
		},
	}
}

func newRecoverCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reset drafts left in syncing by an interrupted pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Engine.RecoverStale(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]int{"recovered": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d stale draft(s)\n", n)
			return nil
		},
	}
}

func parseStates(raw []string) (drafts.Filter, error) {
	var f drafts.Filter
	for _, s := range raw {
		state := models.SyncState(strings.ToLower(strings.TrimSpace(s)))
		if !state.Valid() {
			return f, fmt.Errorf("unknown state %q", s)
		}
		f.States = append(f.States, state)
	}
	return f, nil
}

func stateLabel(s models.SyncState) string {
	switch s {
	case models.SyncStatePending:
		return color.YellowString(string(s))
	case models.SyncStateSyncing:
		return color.CyanString(string(s))
	case models.SyncStateSynced:
		return color.GreenString(string(s))
	case models.SyncStateFailed:
		return color.RedString(string(s))
	}
	return string(s)
}

func printDrafts(w io.Writer, views []models.DraftView, now time.Time) {
	if len(views) == 0 {
		fmt.Fprintln(w, "no drafts")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCAL ID\tSTATE\tATTEMPTS\tAGE\tRATIO\tNOTE")
	for _, v := range views {
		note := v.LastError
		switch {
		case v.SyncState == models.SyncStateFailed && v.ErrorKind == models.ErrorKindValidation:
			note = "rejected: " + v.LastError
		case v.AwaitingReflection && note == "":
			note = "awaiting reflection"
		}
		ratio := v.RatioDisplay
		if ratio == "" {
			ratio = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			v.LocalID,
			stateLabel(v.SyncState),
			v.AttemptCount,
			now.Sub(v.CreatedAt).Truncate(time.Second),
			ratio,
			note,
		)
	}
	tw.Flush()
}
