package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/model"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
	"github.com/jmehdipour/billing-reconciler/internal/repository/repotest"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Dispatcher, *repotest.Events) {
	t.Helper()
	store := repotest.New()
	d := NewDispatcher(store.Events, Config{MaxAttempts: 3, PendingGrace: 10 * time.Minute}, zap.NewNop()).
		WithClock(func() time.Time { return now })
	return d, store.Events
}

func store(t *testing.T, events *repotest.Events, id, typ string, receivedAt time.Time) model.InboundEvent {
	t.Helper()
	ev := model.InboundEvent{ID: id, Type: typ, Payload: []byte(`{}`), ReceivedAt: receivedAt}
	_, err := events.InsertIfAbsent(context.Background(), nil, ev)
	require.NoError(t, err)
	got, err := events.Get(context.Background(), nil, id)
	require.NoError(t, err)
	return got
}

func TestDispatchRoutesByType(t *testing.T) {
	d, events := setup(t)
	var calls []string
	d.Register("invoice.paid", func(_ context.Context, ev model.InboundEvent) error {
		calls = append(calls, ev.ID)
		return nil
	})

	ev := store(t, events, "evt_1", "invoice.paid", now)
	out, err := d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out)
	assert.Equal(t, []string{"evt_1"}, calls)

	got, _ := events.Get(context.Background(), nil, "evt_1")
	assert.Equal(t, model.StateProcessed, got.State)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(now))

	// processed events never run again
	out, err = d.DispatchByID(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
	assert.Len(t, calls, 1)
}

func TestUnknownTypeIsMarkedProcessed(t *testing.T) {
	d, events := setup(t)
	ev := store(t, events, "evt_1", "brand.new.type", now)

	out, err := d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownType, out)

	got, _ := events.Get(context.Background(), nil, "evt_1")
	assert.Equal(t, model.StateProcessed, got.State)
}

func TestHandlerErrorAndPanicMarkFailed(t *testing.T) {
	d, events := setup(t)
	d.Register("boom", func(context.Context, model.InboundEvent) error { return errors.New("db down") })
	d.Register("panic", func(context.Context, model.InboundEvent) error { panic("nil map") })

	out, err := d.Dispatch(context.Background(), store(t, events, "evt_err", "boom", now))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)

	out, err = d.Dispatch(context.Background(), store(t, events, "evt_panic", "panic", now))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)

	got, _ := events.Get(context.Background(), nil, "evt_err")
	assert.Equal(t, model.StateFailed, got.State)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "db down", *got.LastError)

	got, _ = events.Get(context.Background(), nil, "evt_panic")
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "handler panic: nil map")
}

func TestRetryPassStopsAfterMaxAttempts(t *testing.T) {
	d, events := setup(t)
	attempts := 0
	d.Register("flaky", func(context.Context, model.InboundEvent) error {
		attempts++
		return errors.New("still broken")
	})

	_, err := d.Dispatch(context.Background(), store(t, events, "evt_1", "flaky", now))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := d.RunRetryPass(context.Background(), now.Add(time.Duration(i+1)*time.Hour))
		require.NoError(t, err)
	}

	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
	got, _ := events.Get(context.Background(), nil, "evt_1")
	assert.Equal(t, model.StateFailed, got.State)
	assert.Equal(t, 3, got.RetryCount)

	failed, err := events.ListFailed(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1, "exhausted events stay visible")
}

func TestRetryPassPicksUpStalePending(t *testing.T) {
	d, events := setup(t)
	var seen []string
	d.Register("invoice.paid", func(_ context.Context, ev model.InboundEvent) error {
		seen = append(seen, ev.ID)
		return nil
	})
	store(t, events, "evt_old", "invoice.paid", now.Add(-time.Hour))
	store(t, events, "evt_fresh", "invoice.paid", now.Add(-time.Minute))

	stats, err := d.RunRetryPass(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Attempted: 1, Succeeded: 1}, stats)
	assert.Equal(t, []string{"evt_old"}, seen)
}

func TestRetryPassStopsBetweenRecordsOnCancel(t *testing.T) {
	d, events := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	d.Register("invoice.paid", func(hctx context.Context, _ model.InboundEvent) error {
		cancel()
		// the in-flight record still completes
		return hctx.Err()
	})
	store(t, events, "evt_1", "invoice.paid", now.Add(-2*time.Hour))
	store(t, events, "evt_2", "invoice.paid", now.Add(-time.Hour))

	stats, err := d.RunRetryPass(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Attempted)
	assert.Equal(t, 1, stats.Succeeded)

	got, _ := events.Get(context.Background(), nil, "evt_2")
	assert.Equal(t, model.StatePending, got.State)
}

func TestReplay(t *testing.T) {
	d, events := setup(t)
	fail := true
	calls := 0
	d.Register("invoice.paid", func(context.Context, model.InboundEvent) error {
		calls++
		if fail {
			return errors.New("transient")
		}
		return nil
	})
	_, err := d.Dispatch(context.Background(), store(t, events, "evt_1", "invoice.paid", now))
	require.NoError(t, err)

	fail = false
	res, out, err := d.Replay(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, Replayed, res)
	assert.Equal(t, OutcomeProcessed, out)

	res, _, err = d.Replay(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, res)
	assert.Equal(t, 2, calls)

	_, _, err = d.Replay(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestReplayPendingEventThatNeverRan(t *testing.T) {
	d, events := setup(t)
	calls := 0
	d.Register("invoice.paid", func(context.Context, model.InboundEvent) error {
		calls++
		return nil
	})
	ev := store(t, events, "evt_new", "invoice.paid", now)
	require.Equal(t, model.StatePending, ev.State)
	require.Zero(t, ev.RetryCount)

	res, out, err := d.Replay(context.Background(), "evt_new")
	require.NoError(t, err)
	assert.Equal(t, Replayed, res)
	assert.Equal(t, OutcomeProcessed, out)
	assert.Equal(t, 1, calls)

	got, _ := events.Get(context.Background(), nil, "evt_new")
	assert.Equal(t, model.StateProcessed, got.State)
}

func TestResetForReplayMissingEvent(t *testing.T) {
	_, events := setup(t)
	ok, err := events.ResetForReplay(context.Background(), nil, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.False(t, ok)
}
