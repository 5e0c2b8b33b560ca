package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	appLog "calsync/internal/log"
	"calsync/internal/schedule"
	"calsync/internal/web"
)

var (
	daemonOnce   bool
	daemonListen string
	daemonNoWeb  bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run sync cycles on the configured schedule",
	Long: `Runs the sync pipeline on the cron schedule from the config file (by default
at 12:00 and 21:00) and serves a small status API. A run that is still going
when the next one is due is skipped.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonOnce, "once", false, "Run immediately once before waiting for the schedule")
	daemonCmd.Flags().StringVar(&daemonListen, "listen", "", "HTTP listen address (overrides config if set)")
	daemonCmd.Flags().BoolVar(&daemonNoWeb, "no-web", false, "Do not start the status server")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	if daemonListen != "" {
		cfg.Listen = daemonListen
	}

	runner, err := buildRunner(cfg, false)
	if err != nil {
		return err
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *web.Server
	job := func(ctx context.Context) error {
		_, err := runner.Run(ctx)
		if srv != nil {
			srv.Invalidate()
		}
		return err
	}

	sched, err := schedule.New(ctx, cfg.Schedule, job)
	if err != nil {
		return err
	}
	if !daemonNoWeb {
		srv = web.NewServer(cfg, runner, runner.Store(), sched.Next)
	}

	if daemonOnce {
		if err := job(ctx); err != nil {
			appLog.Error("initial run failed", err)
		}
	}

	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error { return srv.Serve(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			appLog.Info("signal received, shutting down")
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		return sched.Stop(stopCtx)
	})

	err = g.Wait()
	appLog.Info("calsync exiting", "pid", os.Getpid())
	return err
}
