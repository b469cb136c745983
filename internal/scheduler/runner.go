// Package scheduler runs the periodic sweeps: payment retries, event
// retries, dunning and lifecycle. Each run holds a Redis lease so only one
// instance sweeps at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/metrics"
)

// Job names, also the keys of scheduler.jobs in config.
const (
	JobPaymentRetry = "payment_retry"
	JobEventRetry   = "event_retry"
	JobDunning      = "dunning"
	JobLifecycle    = "lifecycle"
)

type Job interface {
	Name() string
	Run(ctx context.Context, now time.Time) error
}

type jobFunc struct {
	name string
	fn   func(ctx context.Context, now time.Time) error
}

func (j jobFunc) Name() string                                 { return j.name }
func (j jobFunc) Run(ctx context.Context, now time.Time) error { return j.fn(ctx, now) }

// NewJob wraps fn as a Job.
func NewJob(name string, fn func(ctx context.Context, now time.Time) error) Job {
	return jobFunc{name: name, fn: fn}
}

type Runner struct {
	leaser Leaser
	ttl    time.Duration
	now    func() time.Time
	log    *zap.Logger
}

func NewRunner(leaser Leaser, ttl time.Duration, log *zap.Logger) *Runner {
	if leaser == nil {
		leaser = LocalLeaser{}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{leaser: leaser, ttl: ttl, now: time.Now, log: log}
}

func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunJob executes job once under its lease. It returns ErrLeaseHeld when
// another instance is running it. The job's context expires with the lease.
func (r *Runner) RunJob(ctx context.Context, job Job) error {
	name := job.Name()
	log := r.log.With(zap.String("job", name))

	token, err := r.leaser.Acquire(ctx, name, r.ttl)
	if errors.Is(err, ErrLeaseHeld) {
		metrics.JobRunsTotal.WithLabelValues(name, "skipped").Inc()
		log.Info("lease held elsewhere, run skipped")
		return err
	}
	if err != nil {
		metrics.JobRunsTotal.WithLabelValues(name, "error").Inc()
		return err
	}
	defer func() {
		if err := r.leaser.Release(context.WithoutCancel(ctx), name, token); err != nil {
			log.Warn("lease release failed", zap.Error(err))
		}
	}()

	jctx, cancel := context.WithTimeout(ctx, r.ttl)
	defer cancel()

	started := r.now()
	if err := job.Run(jctx, started.UTC()); err != nil {
		metrics.JobRunsTotal.WithLabelValues(name, "error").Inc()
		log.Error("job failed", zap.Error(err))
		return fmt.Errorf("job %s: %w", name, err)
	}
	metrics.JobRunsTotal.WithLabelValues(name, "ok").Inc()
	log.Debug("job done", zap.Duration("took", r.now().Sub(started)))
	return nil
}

// Scheduler fires jobs on cron specs (UTC).
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	ctx    context.Context
	log    *zap.Logger
}

// NewScheduler binds job runs to ctx; cancelling it stops in-flight sweeps
// between records.
func NewScheduler(ctx context.Context, runner *Runner, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{l: log.Sugar()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{cron: c, runner: runner, ctx: ctx, log: log}
}

// Register adds every job that has a spec in specs. A missing or "-" spec
// disables the job.
func (s *Scheduler) Register(specs map[string]string, jobs ...Job) error {
	for _, job := range jobs {
		spec, ok := specs[job.Name()]
		if !ok || spec == "" || spec == "-" {
			s.log.Info("job disabled", zap.String("job", job.Name()))
			continue
		}
		if _, err := s.cron.AddFunc(spec, func() {
			_ = s.runner.RunJob(s.ctx, job)
		}); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.Name(), spec, err)
		}
		s.log.Info("job scheduled", zap.String("job", job.Name()), zap.String("spec", spec))
	}
	return nil
}

// Entries returns the number of scheduled jobs.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops firing new runs and waits for running ones up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Find returns the job named name.
func Find(name string, jobs ...Job) (Job, bool) {
	for _, j := range jobs {
		if j.Name() == name {
			return j, true
		}
	}
	return nil, false
}

// Names lists job names, sorted.
func Names(jobs ...Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Name())
	}
	sort.Strings(out)
	return out
}

type cronLogger struct{ l *zap.SugaredLogger }

func (c cronLogger) Info(msg string, kv ...interface{}) { c.l.Debugw("cron: "+msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Errorw("cron: "+msg, append(kv, "error", err)...)
}
