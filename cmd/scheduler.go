package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/app"
	"github.com/jmehdipour/billing-reconciler/internal/logger"
	"github.com/jmehdipour/billing-reconciler/internal/metrics"
	"github.com/jmehdipour/billing-reconciler/internal/scheduler"
)

var runOnce string

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the payment retry, event retry, dunning and lifecycle sweeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.Load(cfgPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		a, err := app.Open(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		if a.Redis == nil {
			logger.Log.Warn("redis.addr not set, job leases are process-local")
		}
		runner := scheduler.NewRunner(a.Leaser(), cfg.Scheduler.LeaseTTL, logger.Named("scheduler"))
		jobs := a.Jobs()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if runOnce != "" {
			job, ok := scheduler.Find(runOnce, jobs...)
			if !ok {
				return fmt.Errorf("unknown job %q (have: %s)", runOnce, strings.Join(scheduler.Names(jobs...), ", "))
			}
			return runner.RunJob(ctx, job)
		}

		sched := scheduler.NewScheduler(ctx, runner, logger.Named("scheduler"))
		if err := sched.Register(cfg.Scheduler.Jobs, jobs...); err != nil {
			return err
		}
		if sched.Entries() == 0 {
			return fmt.Errorf("no jobs scheduled")
		}

		sched.Start()
		logger.Log.Info("scheduler started", zap.Int("jobs", sched.Entries()))

		<-ctx.Done()
		logger.Log.Info("scheduler stopping")

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return sched.Stop(stopCtx)
	},
}

func init() {
	schedulerCmd.Flags().StringVar(&runOnce, "run-once", "", "run one job (payment_retry, event_retry, dunning, lifecycle) and exit")
}
