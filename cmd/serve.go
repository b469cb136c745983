package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/app"
	httpSrv "github.com/jmehdipour/billing-reconciler/internal/http"
	"github.com/jmehdipour/billing-reconciler/internal/logger"
	"github.com/jmehdipour/billing-reconciler/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and admin HTTP server",
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

		deps := httpSrv.Deps{
			Ingest:        a.Ingest,
			Canceler:      a.Machine,
			Replayer:      a.Dispatcher,
			Events:        a.Events,
			Subscriptions: a.Subscriptions,
			Payments:      a.Payments,
			Transitions:   a.Transitions,
			Redis:         a.Redis,
			Log:           logger.Log,
		}
		if a.PaymentClient != nil {
			deps.Fetcher = a.PaymentClient
			deps.Syncer = a.Handlers
		}
		server := httpSrv.NewServer(cfg, deps)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error("http server exited", zap.Error(err))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}
