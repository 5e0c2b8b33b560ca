package main

import (
	"github.com/spf13/cobra"

	"calsync/internal/config"
	appLog "calsync/internal/log"
)

var (
	configPath string
	logLevel   string

	// cfg is loaded once by the root pre-run hook.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Publish an exported calendar with change tracking",
	Long: `calsync turns a calendar export into an iCalendar file with stable event
identifiers, detects events that were added, deleted or moved since the last
run, and mails the calendar together with a cancellation file that removes
stale copies from the receiving calendar.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := appLog.Init(c.Log.Level, c.Log.Format); err != nil {
			return err
		}
		if logLevel != "" {
			appLog.SetLevel(appLog.Level(logLevel))
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c

		appLog.Info("calsync starting", "version", version, "command", cmd.Name(), "config_path", configPath)
		appLog.Debug("effective config",
			"source", cfg.Source.Kind,
			"export_dir", cfg.Export.Directory,
			"storage", cfg.Storage.Backend,
			"correlation", cfg.Tracking.Correlation,
			"allow_empty", cfg.Tracking.AllowEmpty,
			"schedule", cfg.Schedule,
			"smtp", cfg.SMTP.Host,
		)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}
