package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jmehdipour/billing-reconciler/internal/backoff"
	"github.com/jmehdipour/billing-reconciler/internal/dispatcher"
	"github.com/jmehdipour/billing-reconciler/internal/model"
	"github.com/jmehdipour/billing-reconciler/internal/provider"
	"github.com/jmehdipour/billing-reconciler/internal/repository/repotest"
	"github.com/jmehdipour/billing-reconciler/internal/subscription"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func tp(t time.Time) *time.Time { return &t }

type step struct {
	res provider.CollectResult
	err error
}

// scriptedCollector returns steps in order and repeats the last one.
type scriptedCollector struct {
	mu    sync.Mutex
	steps []step
	calls []string
	hook  func(ref string)
}

func (c *scriptedCollector) CollectPayment(_ context.Context, ref string) (provider.CollectResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, ref)
	s := c.steps[0]
	if len(c.steps) > 1 {
		c.steps = c.steps[1:]
	}
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(ref)
	}
	return s.res, s.err
}

var (
	declined  = step{res: provider.CollectResult{ErrorCode: "card_declined", ErrorMessage: "insufficient funds"}}
	collected = step{res: provider.CollectResult{Succeeded: true}}
)

type sentNote struct {
	template string
	data     map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNote
}

func (n *recordingNotifier) Send(_ context.Context, template, _ string, data map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNote{template: template, data: data})
	return nil
}

func (n *recordingNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := []string{}
	for _, s := range n.sent {
		out = append(out, s.template)
	}
	return out
}

type env struct {
	store    *repotest.Store
	machine  *subscription.Machine
	notifier *recordingNotifier
	logs     *observer.ObservedLogs
	log      *zap.Logger
}

func newEnv(t *testing.T) env {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	store := repotest.New()
	n := &recordingNotifier{}
	m := subscription.NewMachine(store.Tx, store.Subscriptions, store.Payments, n, store.Transitions, backoff.Default(), log)
	return env{store: store, machine: m, notifier: n, logs: logs, log: log}
}

func (e env) sub(t *testing.T, id string) model.Subscription {
	t.Helper()
	s, err := e.store.Subscriptions.Get(context.Background(), nil, id)
	require.NoError(t, err)
	return s
}

func (e env) failedPayment(t *testing.T, id string) model.FailedPayment {
	t.Helper()
	fp, err := e.store.Payments.Get(context.Background(), nil, id)
	require.NoError(t, err)
	return fp
}

// pastDue puts an active subscription and fails its payment at t0.
func (e env) pastDue(t *testing.T, id string) string {
	t.Helper()
	e.store.Subscriptions.Put(model.Subscription{
		ID:               id,
		CustomerID:       "cus_" + id,
		PlanID:           "plan_basic",
		Status:           model.StatusActive,
		CurrentPeriodEnd: tp(t0),
		CreatedAt:        t0.Add(-30 * day),
	})
	res, err := e.machine.Apply(context.Background(), subscription.Command{
		SubscriptionID: id,
		Trigger:        subscription.TriggerPaymentFailed,
		At:             t0,
		Payment:        &subscription.PaymentDetails{Reference: "in_" + id, Amount: 1999, Currency: "usd"},
		Source:         "evt_" + id,
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusPastDue, res.To)
	require.NotEmpty(t, res.FailedPaymentID)
	return res.FailedPaymentID
}

func (e env) retrier(c Collector) *PaymentRetrier {
	return NewPaymentRetrier(e.store.Tx, e.store.Payments, e.machine, c, backoff.Default(), RetryConfig{BatchSize: 10, CallTimeout: time.Second}, e.log)
}

// ---- payment retries ----

func TestRetryRecoversOnSecondAttempt(t *testing.T) {
	e := newEnv(t)
	fpID := e.pastDue(t, "sub_1")
	c := &scriptedCollector{steps: []step{declined, collected}}
	r := e.retrier(c)
	ctx := context.Background()

	fp := e.failedPayment(t, fpID)
	require.NotNil(t, fp.NextRetryAt)
	assert.Equal(t, t0.Add(time.Hour), *fp.NextRetryAt)

	stats, err := r.RunRetryPass(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Attempted)

	stats, err = r.RunRetryPass(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, RetryStats{Attempted: 1, Failed: 1}, stats)

	fp = e.failedPayment(t, fpID)
	assert.Equal(t, 1, fp.RetryCount)
	require.NotNil(t, fp.NextRetryAt)
	assert.Equal(t, t0.Add(7*time.Hour), *fp.NextRetryAt)
	require.NotNil(t, fp.LastError)
	assert.Equal(t, "card_declined: insufficient funds", *fp.LastError)
	assert.False(t, fp.Resolved)

	stats, err = r.RunRetryPass(ctx, t0.Add(7*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, RetryStats{Attempted: 1, Succeeded: 1}, stats)

	fp = e.failedPayment(t, fpID)
	assert.True(t, fp.Resolved)
	assert.Nil(t, fp.NextRetryAt)
	require.NotNil(t, fp.ResolvedAt)
	assert.Equal(t, t0.Add(7*time.Hour), *fp.ResolvedAt)

	assert.Equal(t, model.StatusActive, e.sub(t, "sub_1").Status)
	assert.Equal(t, []string{"in_sub_1", "in_sub_1"}, c.calls)

	history, err := e.store.Transitions.ListBySubscription(ctx, "sub_1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "active", history[0].ToStatus)
	assert.Equal(t, "retry", history[0].Source)
}

func TestRetryBudgetExhausts(t *testing.T) {
	e := newEnv(t)
	fpID := e.pastDue(t, "sub_1")
	r := e.retrier(&scriptedCollector{steps: []step{declined}})
	ctx := context.Background()

	for _, at := range []time.Time{t0.Add(time.Hour), t0.Add(7 * time.Hour), t0.Add(31 * time.Hour)} {
		stats, err := r.RunRetryPass(ctx, at)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Failed, "pass at %s", at)
	}

	fp := e.failedPayment(t, fpID)
	assert.Equal(t, 3, fp.RetryCount)
	assert.Nil(t, fp.NextRetryAt)
	assert.False(t, fp.Resolved)

	stats, err := r.RunRetryPass(ctx, t0.Add(100*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Attempted)

	open, err := e.store.Payments.ListUnresolved(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, fpID, open[0].ID)

	assert.Equal(t, model.StatusPastDue, e.sub(t, "sub_1").Status)
	assert.Equal(t, 1, e.logs.FilterMessage("retry budget exhausted, left for dunning").Len())
}

func TestRetryTransportErrorCountsAsFailure(t *testing.T) {
	e := newEnv(t)
	fpID := e.pastDue(t, "sub_1")
	r := e.retrier(&scriptedCollector{steps: []step{{err: provider.ErrBreakerOpen}}})

	stats, err := r.RunRetryPass(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	fp := e.failedPayment(t, fpID)
	assert.Equal(t, 1, fp.RetryCount)
	require.NotNil(t, fp.LastError)
	assert.Contains(t, *fp.LastError, "breaker")
}

func TestRetrySkipsRowResolvedDuringCall(t *testing.T) {
	e := newEnv(t)
	fpID := e.pastDue(t, "sub_1")
	c := &scriptedCollector{steps: []step{declined}}
	c.hook = func(string) {
		fp := e.failedPayment(t, fpID)
		fp.Resolved = true
		fp.ResolvedAt = tp(t0.Add(50 * time.Minute))
		fp.NextRetryAt = nil
		e.store.Payments.Put(fp)
	}

	stats, err := e.retrier(c).RunRetryPass(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, RetryStats{Attempted: 1, Skipped: 1}, stats)

	fp := e.failedPayment(t, fpID)
	assert.Equal(t, 0, fp.RetryCount)
	assert.Nil(t, fp.LastError)
}

func TestRetryWithoutSubscriptionResolvesRecord(t *testing.T) {
	e := newEnv(t)
	e.store.Payments.Put(model.FailedPayment{
		ID:               "fp_orphan",
		CustomerID:       "cus_1",
		PaymentReference: "in_orphan",
		NextRetryAt:      tp(t0),
		CreatedAt:        t0,
	})

	stats, err := e.retrier(&scriptedCollector{steps: []step{collected}}).RunRetryPass(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)
	assert.True(t, e.failedPayment(t, "fp_orphan").Resolved)
}

func TestRetryStopsWhenCancelled(t *testing.T) {
	e := newEnv(t)
	e.pastDue(t, "sub_1")
	c := &scriptedCollector{steps: []step{collected}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := e.retrier(c).RunRetryPass(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Attempted)
	assert.Empty(t, c.calls)
}

// ---- dunning ----

func (e env) dunning() *DunningManager {
	return NewDunningManager(e.store.Subscriptions, e.store.Notifications, e.machine, e.notifier, DunningConfig{BatchSize: 1}, e.log)
}

func TestDaysPastDue(t *testing.T) {
	assert.Equal(t, 0, DaysPastDue(t0, t0))
	assert.Equal(t, 0, DaysPastDue(t0, t0.Add(23*time.Hour)))
	assert.Equal(t, 1, DaysPastDue(t0, t0.Add(day)))
	assert.Equal(t, 14, DaysPastDue(t0, t0.Add(15*day-time.Second)))
	assert.Equal(t, -1, DaysPastDue(t0, t0.Add(-time.Hour)))
}

func TestDunningCadence(t *testing.T) {
	e := newEnv(t)
	e.pastDue(t, "sub_1")
	dm := e.dunning()
	ctx := context.Background()

	remindedOn := map[int]int{}
	for d := 0; d <= 15; d++ {
		for _, h := range []time.Duration{time.Hour, 9 * time.Hour} {
			before := len(e.notifier.templates())
			_, err := dm.RunDunningPass(ctx, t0.Add(time.Duration(d)*day+h))
			require.NoError(t, err)
			for _, tmpl := range e.notifier.templates()[before:] {
				if tmpl == model.TemplateDunningReminder {
					remindedOn[d]++
				}
			}
		}
	}

	assert.Equal(t, map[int]int{1: 1, 3: 1, 7: 1, 14: 1}, remindedOn)
	assert.Equal(t, []string{
		model.TemplateDunningReminder,
		model.TemplateDunningReminder,
		model.TemplateDunningReminder,
		model.TemplateDunningReminder,
		model.TemplateDunningFinalNotice,
	}, e.notifier.templates())

	s := e.sub(t, "sub_1")
	assert.Equal(t, model.StatusCanceled, s.Status)
	require.NotNil(t, s.CanceledAt)
	assert.Equal(t, t0.Add(15*day+time.Hour), *s.CanceledAt)
	assert.Equal(t, 4, e.store.Notifications.Len())

	for _, fp := range e.store.Payments.All() {
		assert.Nil(t, fp.NextRetryAt)
	}
}

func TestDunningPagesThroughEverySubscription(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"sub_a", "sub_b", "sub_c"} {
		e.pastDue(t, id)
	}

	stats, err := e.dunning().RunDunningPass(context.Background(), t0.Add(day+time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 3, stats.Reminded)
}

func TestDunningFollowsCorrectedPeriodEnd(t *testing.T) {
	e := newEnv(t)
	e.pastDue(t, "sub_1")
	dm := e.dunning()
	ctx := context.Background()

	s := e.sub(t, "sub_1")
	s.CurrentPeriodEnd = tp(t0.Add(2 * day))
	e.store.Subscriptions.Put(s)

	stats, err := dm.RunDunningPass(ctx, t0.Add(16*day+time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Canceled)
	assert.Equal(t, 1, stats.Reminded)
	assert.Equal(t, model.StatusPastDue, e.sub(t, "sub_1").Status)
}

func TestDunningSkipsMissingPeriodEnd(t *testing.T) {
	e := newEnv(t)
	e.store.Subscriptions.Put(model.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: model.StatusPastDue})

	stats, err := e.dunning().RunDunningPass(context.Background(), t0.Add(30*day))
	require.NoError(t, err)
	assert.Equal(t, DunningStats{Scanned: 1}, stats)
	assert.Empty(t, e.notifier.templates())
}

// ---- lifecycle ----

func TestLifecycleEndsPeriodCancellations(t *testing.T) {
	e := newEnv(t)
	e.store.Subscriptions.Put(model.Subscription{
		ID:                "sub_1",
		CustomerID:        "cus_1",
		Status:            model.StatusActive,
		CurrentPeriodEnd:  tp(t0),
		CancelAtPeriodEnd: true,
	})
	sw := NewLifecycleSweeper(e.store.Subscriptions, e.machine, LifecycleConfig{}, e.log)
	ctx := context.Background()

	stats, err := sw.RunLifecyclePass(ctx, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PeriodEnded)

	stats, err = sw.RunLifecyclePass(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PeriodEnded)
	assert.Equal(t, model.StatusCanceled, e.sub(t, "sub_1").Status)
	assert.Equal(t, []string{model.TemplateSubscriptionCanceled}, e.notifier.templates())
}

func TestLifecycleExpiresIncomplete(t *testing.T) {
	e := newEnv(t)
	e.store.Subscriptions.Put(model.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: model.StatusIncomplete, CreatedAt: t0})
	sw := NewLifecycleSweeper(e.store.Subscriptions, e.machine, LifecycleConfig{IncompleteTimeout: 23 * time.Hour}, e.log)
	ctx := context.Background()

	stats, err := sw.RunLifecyclePass(ctx, t0.Add(22*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Expired)

	stats, err = sw.RunLifecyclePass(ctx, t0.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, model.StatusIncompleteExpired, e.sub(t, "sub_1").Status)
}

// ---- jobs ----

type countingRetrier struct{ calls int }

func (c *countingRetrier) RunRetryPass(context.Context, time.Time) (dispatcher.SweepStats, error) {
	c.calls++
	return dispatcher.SweepStats{}, nil
}

func TestJobAdapters(t *testing.T) {
	e := newEnv(t)
	jobs := []Job{
		e.retrier(&scriptedCollector{steps: []step{collected}}).Job(),
		e.dunning().Job(),
		NewLifecycleSweeper(e.store.Subscriptions, e.machine, LifecycleConfig{}, e.log).Job(),
		EventRetryJob(&countingRetrier{}),
	}
	assert.Equal(t, []string{JobDunning, JobEventRetry, JobLifecycle, JobPaymentRetry}, Names(jobs...))

	j, ok := Find(JobDunning, jobs...)
	require.True(t, ok)
	require.NoError(t, j.Run(context.Background(), t0))

	_, ok = Find("nope", jobs...)
	assert.False(t, ok)
}

func TestRunJobWrapsError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRunner(LocalLeaser{}, time.Minute, nil)
	err := r.RunJob(context.Background(), NewJob("x", func(context.Context, time.Time) error { return boom }))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "job x")
}
