package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/db"
	"github.com/jmehdipour/billing-reconciler/internal/kafka"
	"github.com/jmehdipour/billing-reconciler/internal/logger"
	"github.com/jmehdipour/billing-reconciler/internal/metrics"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
	"github.com/jmehdipour/billing-reconciler/internal/worker"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish outbox rows to Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		metrics.MustRegister(prometheus.DefaultRegisterer)

		// the relay only needs MySQL
		dbx, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer dbx.Close()

		producer := kafka.NewProducerFromConfig(kafka.FromConfig(cfg.Kafka))
		defer producer.Close()

		r := worker.NewRelay(
			repository.NewOutboxRepository(dbx),
			producer,
			cfg.Outbox.PollInterval,
			cfg.Outbox.BatchSize,
			logger.Named("relay"),
		)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Log.Info("outbox relay started",
			zap.Duration("interval", r.Interval),
			zap.Int("batch_size", r.BatchSize),
		)

		return r.Run(ctx)
	},
}
