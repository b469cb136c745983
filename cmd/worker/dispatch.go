package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/app"
	"github.com/jmehdipour/billing-reconciler/internal/kafka"
	"github.com/jmehdipour/billing-reconciler/internal/logger"
	"github.com/jmehdipour/billing-reconciler/internal/metrics"
	"github.com/jmehdipour/billing-reconciler/internal/worker"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Consume event envelopes from Kafka and dispatch stored events",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		metrics.MustRegister(prometheus.DefaultRegisterer)

		// 2) stores and engine
		a, err := app.Open(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		// 3) kafka consumer
		kc := kafka.FromConfig(cfg.Kafka)
		if kc.GroupID == "" {
			kc.GroupID = "billrec-dispatch"
		}
		consumer := kafka.NewConsumerFromConfig(kc)
		defer consumer.Close()

		w := worker.NewDispatchWorker(consumer, a.Dispatcher, cfg.Dispatch.WorkerCount, logger.Named("dispatch"))

		// 4) graceful shutdown
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Log.Info("dispatch worker started",
			zap.String("topic", kc.Topic),
			zap.String("group", kc.GroupID),
			zap.Int("workers", w.Workers),
		)

		return w.Run(ctx)
	},
}
