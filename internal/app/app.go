// Package app wires stores, collaborators and the engine from config. Every
// command builds one App and closes it on exit.
package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/backoff"
	"github.com/jmehdipour/billing-reconciler/internal/billing"
	"github.com/jmehdipour/billing-reconciler/internal/config"
	"github.com/jmehdipour/billing-reconciler/internal/db"
	"github.com/jmehdipour/billing-reconciler/internal/dispatcher"
	"github.com/jmehdipour/billing-reconciler/internal/logger"
	"github.com/jmehdipour/billing-reconciler/internal/provider"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
	"github.com/jmehdipour/billing-reconciler/internal/scheduler"
	"github.com/jmehdipour/billing-reconciler/internal/service/ingest"
	"github.com/jmehdipour/billing-reconciler/internal/subscription"
)

// Load reads config and initialises the global logger from it.
func Load(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)
	return cfg, nil
}

type App struct {
	Config config.Config
	Log    *zap.Logger

	MySQL      *sqlx.DB
	ClickHouse *sqlx.DB      // nil when clickhouse.dsn is empty
	Redis      *redis.Client // nil when redis.addr is empty

	Tx            repository.Transactor
	Events        repository.EventsRepository
	Subscriptions repository.SubscriptionsRepository
	Payments      repository.FailedPaymentsRepository
	Notifications repository.NotificationsRepository
	Outbox        repository.OutboxRepository
	Transitions   repository.TransitionsRepository

	PaymentClient *provider.HTTPPaymentClient // nil when payments.base_url is empty
	Notifier      subscription.Notifier

	Schedule   backoff.Schedule
	Machine    *subscription.Machine
	Dispatcher *dispatcher.Dispatcher
	Handlers   *billing.Handlers
	Ingest     *ingest.Service

	closers []func() error
}

// Open connects every configured store and builds the engine.
func Open(cfg config.Config) (*App, error) {
	a := &App{Config: cfg, Log: logger.Log}

	mysqlDB, err := db.NewMySQLConnection(cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	a.MySQL = mysqlDB
	a.closers = append(a.closers, mysqlDB.Close)

	if strings.TrimSpace(cfg.ClickHouse.DSN) != "" {
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("clickhouse connect: %w", err)
		}
		a.ClickHouse = chDB
		a.closers = append(a.closers, chDB.Close)
	}

	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		rds, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		a.Redis = rds
		a.closers = append(a.closers, rds.Close)
	}

	a.build()
	return a, nil
}

func (a *App) build() {
	cfg := a.Config

	a.Tx = repository.NewTransactor(a.MySQL)
	a.Events = repository.NewEventsRepository(a.MySQL)
	a.Subscriptions = repository.NewSubscriptionsRepository(a.MySQL)
	a.Payments = repository.NewFailedPaymentsRepository(a.MySQL)
	a.Notifications = repository.NewNotificationsRepository(a.MySQL)
	a.Outbox = repository.NewOutboxRepository(a.MySQL)
	a.Transitions = repository.NopTransitions{}
	if a.ClickHouse != nil {
		a.Transitions = repository.NewCHTransitionsRepository(a.ClickHouse)
	}

	if strings.TrimSpace(cfg.Payments.BaseURL) != "" {
		a.PaymentClient = provider.NewHTTPPaymentClient(cfg.Payments)
	}
	a.Notifier = provider.NopNotifier{Log: logger.Named("notifier")}
	if strings.TrimSpace(cfg.Notifications.BaseURL) != "" {
		a.Notifier = provider.NewHTTPNotifier(cfg.Notifications)
	}

	a.Schedule = backoff.Schedule(cfg.Retry.Schedule)
	a.Machine = subscription.NewMachine(
		a.Tx,
		a.Subscriptions,
		a.Payments,
		a.Notifier,
		a.Transitions,
		a.Schedule,
		logger.Named("subscription"),
	)

	a.Dispatcher = dispatcher.NewDispatcher(a.Events, dispatcher.Config{
		MaxAttempts:  cfg.Events.MaxAttempts,
		PendingGrace: cfg.Events.PendingGrace,
		BatchSize:    cfg.Events.BatchSize,
	}, logger.Named("dispatcher"))
	a.Handlers = billing.NewHandlers(a.Machine, logger.Named("billing"))
	a.Handlers.Register(a.Dispatcher)

	a.Ingest = ingest.New(a.Tx, a.Events, a.Outbox, cfg.Kafka.Topic)
}

// Jobs returns the scheduled sweeps. Payment retries need the payment
// collaborator and are left out without it.
func (a *App) Jobs() []scheduler.Job {
	cfg := a.Config
	jobs := []scheduler.Job{
		scheduler.EventRetryJob(a.Dispatcher),
		scheduler.NewDunningManager(a.Subscriptions, a.Notifications, a.Machine, a.Notifier, scheduler.DunningConfig{
			ReminderDays:    cfg.Dunning.ReminderDays,
			CancelAfterDays: cfg.Dunning.CancelAfterDays,
			BatchSize:       cfg.Dunning.BatchSize,
		}, logger.Named("dunning")).Job(),
		scheduler.NewLifecycleSweeper(a.Subscriptions, a.Machine, scheduler.LifecycleConfig{
			IncompleteTimeout: cfg.Lifecycle.IncompleteTimeout,
			BatchSize:         cfg.Lifecycle.BatchSize,
		}, logger.Named("lifecycle")).Job(),
	}
	if a.PaymentClient != nil {
		jobs = append(jobs, scheduler.NewPaymentRetrier(a.Tx, a.Payments, a.Machine, a.PaymentClient, a.Schedule, scheduler.RetryConfig{
			BatchSize:   cfg.Retry.BatchSize,
			CallTimeout: cfg.Payments.Timeout(),
		}, logger.Named("retry")).Job())
	} else {
		a.Log.Warn("payments.base_url not set, payment retries disabled")
	}
	return jobs
}

// Leaser returns the Redis lease when Redis is configured.
func (a *App) Leaser() scheduler.Leaser {
	if a.Redis == nil {
		return scheduler.LocalLeaser{}
	}
	return scheduler.NewRedisLeaser(a.Redis)
}

func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Log.Warn("close failed", zap.Error(err))
	}
	_ = a.Log.Sync()
}
