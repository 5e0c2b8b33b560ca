package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"calsync/internal/pipeline"
	"calsync/internal/snapshot"
)

var statusEvents bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the saved snapshot and the next scheduled run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := buildStore(cfg)
		if err != nil {
			return err
		}
		snap, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), snap, time.Now())
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusEvents, "events", false, "List tracked events")
	rootCmd.AddCommand(statusCmd)
}

func printStatus(w io.Writer, snap *snapshot.Snapshot, now time.Time) {
	if snap == nil {
		fmt.Fprintln(w, "No snapshot saved yet; the next run is a first run.")
	} else {
		fmt.Fprintf(w, "Last sync:      %s\n", snap.SyncDate.Local().Format(time.DateTime))
		fmt.Fprintf(w, "Tracked events: %d\n", snap.Len())
	}

	if sched, err := cron.ParseStandard(cfg.Schedule); err == nil {
		fmt.Fprintf(w, "Schedule:       %s (next %s)\n", cfg.Schedule, sched.Next(now).Format(time.DateTime))
	}
	fmt.Fprintf(w, "Calendar file:  %s\n", cfg.ICSPath())

	if !statusEvents || snap == nil {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSTART\tEND\tSUBJECT")
	for _, id := range snap.IDs() {
		ev := snap.Events[id]
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ev.Start, ev.End, ev.Subject)
	}
	tw.Flush()
}

func printReport(w io.Writer, rep pipeline.Report) {
	fmt.Fprintf(w, "Run %s finished in %s\n", rep.RunID, rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	if rep.FirstRun {
		fmt.Fprintln(w, "  first run: every event is new")
	}
	fmt.Fprintf(w, "  events: %d (added %d, deleted %d, modified %d, skipped %d)\n",
		rep.Total, rep.Added, rep.Deleted, rep.Modified, rep.Skipped)
	fmt.Fprintf(w, "  cancellations: %d\n", rep.DeletionCount)
	for _, f := range rep.Files {
		fmt.Fprintf(w, "  wrote %s\n", f)
	}
	if rep.DryRun {
		fmt.Fprintln(w, "  dry run: nothing mailed, snapshot unchanged")
	} else {
		fmt.Fprintf(w, "  mailed: %d\n", rep.Mailed)
	}
}
