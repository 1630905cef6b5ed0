package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/caasmo/restinpieces/db"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	acme "github.com/caasmo/restinpieces-certonly"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	var (
		schedule string
		runNow   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP-01 challenges and renew on a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openSession(ctx, cmd, g)
			if err != nil {
				return err
			}
			defer s.close()

			webroot := acme.NewWebroot(s.cfg.Resolve(s.cfg.WebrootPath))
			server := acme.NewChallengeServer(s.cfg.HTTPPort, webroot, s.logger)
			ln, err := server.Listen()
			if err != nil {
				return err
			}

			eg, gctx := errgroup.WithContext(ctx)
			handler := acme.NewRenewalJobHandler(s.cfg, s.orchestrator, s.logger)
			runJob := exclusive(s.logger, func() {
				job := db.Job{JobType: acme.JobTypeCertRenewal}
				if err := handler.Handle(gctx, job); err != nil {
					s.logger.Error("Scheduled renewal failed", "error", err)
				}
			})

			c := newScheduler(s.logger)
			if _, err := c.AddFunc(schedule, runJob); err != nil {
				ln.Close()
				return &acme.Error{Code: acme.CodeConfiguration, Op: "parse schedule", Err: err}
			}

			eg.Go(func() error {
				return server.Serve(gctx, ln)
			})
			eg.Go(func() error {
				s.logger.Info("Starting renewal scheduler", "schedule", schedule)
				c.Start()
				if runNow && gctx.Err() == nil {
					runJob()
				}
				<-gctx.Done()
				<-c.Stop().Done()
				s.logger.Info("Renewal scheduler stopped")
				return nil
			})

			if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "@daily", "Cron expression or descriptor for renewal runs")
	cmd.Flags().BoolVar(&runNow, "now", true, "Run a renewal immediately on start")
	return cmd
}

// newScheduler skips a tick while the previous run is still going.
func newScheduler(logger *slog.Logger) *cron.Cron {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	return cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger)))
}

// exclusive wraps run so that at most one invocation is in progress. Calls made
// meanwhile are dropped, which also keeps the start-up run and a cron tick apart.
func exclusive(logger *slog.Logger, run func()) func() {
	var mu sync.Mutex
	return func() {
		if !mu.TryLock() {
			logger.Warn("Renewal already in progress, skipping this run")
			return
		}
		defer mu.Unlock()
		run()
	}
}
