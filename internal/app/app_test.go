package app

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/config"
	"github.com/jmehdipour/billing-reconciler/internal/provider"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
	"github.com/jmehdipour/billing-reconciler/internal/scheduler"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	if mutate != nil {
		mutate(&cfg)
	}

	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	a := &App{Config: cfg, Log: zap.NewNop(), MySQL: sqlx.NewDb(mockDB, "mysql")}
	a.build()
	return a
}

func TestBuildWiresEngine(t *testing.T) {
	a := newTestApp(t, nil)

	assert.NotNil(t, a.Machine)
	assert.NotNil(t, a.Dispatcher)
	assert.NotNil(t, a.Ingest)
	assert.NotNil(t, a.PaymentClient)
	assert.IsType(t, repository.NopTransitions{}, a.Transitions)
	assert.IsType(t, provider.NopNotifier{}, a.Notifier)
	assert.Equal(t, a.Config.Retry.Schedule, []time.Duration(a.Schedule))
}

func TestJobsIncludeEveryScheduledSweep(t *testing.T) {
	a := newTestApp(t, nil)

	names := scheduler.Names(a.Jobs()...)
	assert.Equal(t, []string{
		scheduler.JobDunning,
		scheduler.JobEventRetry,
		scheduler.JobLifecycle,
		scheduler.JobPaymentRetry,
	}, names)
}

func TestJobsWithoutPaymentCollaborator(t *testing.T) {
	a := newTestApp(t, func(c *config.Config) { c.Payments.BaseURL = "" })

	assert.Nil(t, a.PaymentClient)
	_, ok := scheduler.Find(scheduler.JobPaymentRetry, a.Jobs()...)
	assert.False(t, ok)
}

func TestHTTPNotifierWhenConfigured(t *testing.T) {
	a := newTestApp(t, func(c *config.Config) { c.Notifications.BaseURL = "http://127.0.0.1:9200" })
	assert.IsType(t, &provider.HTTPNotifier{}, a.Notifier)
}

func TestLeaserFollowsRedis(t *testing.T) {
	a := newTestApp(t, nil)
	assert.IsType(t, scheduler.LocalLeaser{}, a.Leaser())

	mr := miniredis.RunT(t)
	a.Redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = a.Redis.Close() })
	assert.IsType(t, &scheduler.RedisLeaser{}, a.Leaser())
}
