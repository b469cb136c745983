package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeaser(t *testing.T) (*RedisLeaser, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rds.Close() })
	return NewRedisLeaser(rds), mr
}

func TestLeaseIsExclusive(t *testing.T) {
	l, mr := newLeaser(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, JobDunning, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.True(t, mr.Exists("lease:job:dunning"))

	_, err = l.Acquire(ctx, JobDunning, time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// other jobs are independent
	_, err = l.Acquire(ctx, JobLifecycle, time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, JobDunning, "not-the-owner"))
	assert.True(t, mr.Exists("lease:job:dunning"))

	require.NoError(t, l.Release(ctx, JobDunning, token))
	assert.False(t, mr.Exists("lease:job:dunning"))

	_, err = l.Acquire(ctx, JobDunning, time.Minute)
	require.NoError(t, err)
}

func TestLeaseExpires(t *testing.T) {
	l, mr := newLeaser(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, JobPaymentRetry, time.Minute)
	require.NoError(t, err)

	mr.FastForward(time.Minute + time.Second)

	_, err = l.Acquire(ctx, JobPaymentRetry, time.Minute)
	require.NoError(t, err)
}

func TestRunJobHoldsLease(t *testing.T) {
	l, mr := newLeaser(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRunner(l, time.Minute, nil).WithClock(func() time.Time { return now })

	var (
		ran    bool
		ranAt  time.Time
		leased bool
	)
	job := NewJob("probe", func(ctx context.Context, at time.Time) error {
		ran, ranAt = true, at
		leased = mr.Exists("lease:job:probe")
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	})

	require.NoError(t, r.RunJob(context.Background(), job))
	assert.True(t, ran)
	assert.True(t, leased)
	assert.Equal(t, now, ranAt)
	assert.False(t, mr.Exists("lease:job:probe"))
}

func TestRunJobSkipsWhenLeaseHeld(t *testing.T) {
	l, _ := newLeaser(t)
	ctx := context.Background()
	_, err := l.Acquire(ctx, "probe", time.Minute)
	require.NoError(t, err)

	ran := false
	err = NewRunner(l, time.Minute, nil).RunJob(ctx, NewJob("probe", func(context.Context, time.Time) error {
		ran = true
		return nil
	}))
	assert.ErrorIs(t, err, ErrLeaseHeld)
	assert.False(t, ran)
}

func TestSchedulerRegister(t *testing.T) {
	s := NewScheduler(context.Background(), NewRunner(nil, time.Minute, nil), nil)
	noop := func(context.Context, time.Time) error { return nil }

	err := s.Register(map[string]string{
		"a": "*/5 * * * *",
		"b": "-",
	}, NewJob("a", noop), NewJob("b", noop), NewJob("c", noop))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Entries())

	err = s.Register(map[string]string{"d": "not a spec"}, NewJob("d", noop))
	assert.Error(t, err)

	s.Start()
	require.NoError(t, s.Stop(context.Background()))
}
