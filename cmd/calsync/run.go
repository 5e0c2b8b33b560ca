package main

import (
	"github.com/spf13/cobra"
)

var runDryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync cycle and exit",
	Long: `Fetches the current events, compares them with the saved snapshot, writes
the calendar and cancellation files, mails them and saves the new snapshot.

With --dry-run the files are written but nothing is mailed and the snapshot
is left untouched, so the next real run reports the same changes.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		runner, err := buildRunner(cfg, runDryRun)
		if err != nil {
			return err
		}
		rep, err := runner.Run(cmd.Context())
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), rep)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Write files only; do not mail or save the snapshot")
	rootCmd.AddCommand(runCmd)
}
