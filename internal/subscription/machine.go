// Package subscription owns the subscription lifecycle. Every writer
// (dispatched events, admin commands, scheduled jobs) goes through Machine,
// which holds the subscription row lock for the whole transition.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/backoff"
	"github.com/jmehdipour/billing-reconciler/internal/metrics"
	"github.com/jmehdipour/billing-reconciler/internal/model"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
	"github.com/jmehdipour/billing-reconciler/internal/util"
)

var ErrNotFound = errors.New("subscription not found")

// Notifier hands a templated message to the notification collaborator.
type Notifier interface {
	Send(ctx context.Context, template, recipient string, data map[string]string) error
}

// HistoryRecorder appends applied transitions to the audit history.
type HistoryRecorder interface {
	Insert(ctx context.Context, t model.Transition) error
}

// Snapshot carries the fields an event reports about the subscription.
// EventAt is the sender's creation time of the event.
type Snapshot struct {
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	TrialEnd           *time.Time
	CanceledAt         *time.Time
	CancelAtPeriodEnd  *bool
	EventAt            time.Time
}

// PaymentDetails describes a failed collection reported by an event.
type PaymentDetails struct {
	Reference string
	Amount    int64
	Currency  string
	Reason    string
}

type Command struct {
	SubscriptionID string
	Trigger        Trigger
	At             time.Time
	Reported       *Snapshot
	Payment        *PaymentDetails
	Source         string // event id, "admin", "retry", "dunning", "lifecycle"
}

type Result struct {
	Subscription model.Subscription
	From         model.SubscriptionStatus
	To           model.SubscriptionStatus
	Changed      bool
	Ignored      bool
	Stale        bool
	Created      bool
	// FailedPaymentID is set when this command opened a FailedPayment.
	FailedPaymentID string

	notices []notice
	history []model.Transition
}

type notice struct {
	template  string
	recipient string
	data      map[string]string
}

type Machine struct {
	tx       repository.Transactor
	subs     repository.SubscriptionsRepository
	payments repository.FailedPaymentsRepository
	notifier Notifier
	history  HistoryRecorder
	schedule backoff.Schedule
	log      *zap.Logger
}

func NewMachine(
	tx repository.Transactor,
	subs repository.SubscriptionsRepository,
	payments repository.FailedPaymentsRepository,
	notifier Notifier,
	history HistoryRecorder,
	schedule backoff.Schedule,
	log *zap.Logger,
) *Machine {
	if len(schedule) == 0 {
		schedule = backoff.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		tx:       tx,
		subs:     subs,
		payments: payments,
		notifier: notifier,
		history:  history,
		schedule: schedule,
		log:      log,
	}
}

// Apply runs cmd in its own transaction and then fires side effects.
func (m *Machine) Apply(ctx context.Context, cmd Command) (Result, error) {
	var res Result
	err := m.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		res, err = m.ApplyTx(ctx, tx, cmd)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	m.Finish(ctx, res)
	return res, nil
}

// Cancel is the administrative cancellation command.
func (m *Machine) Cancel(ctx context.Context, id string, immediate bool, at time.Time) (Result, error) {
	trigger := TriggerCancelAtPeriodEnd
	if immediate {
		trigger = TriggerCancelImmediate
	}
	return m.Apply(ctx, Command{SubscriptionID: id, Trigger: trigger, At: at, Source: "admin"})
}

// Create inserts initial unless the subscription already exists, in which
// case the reported fields are applied as a snapshot.
func (m *Machine) Create(ctx context.Context, initial model.Subscription, source string, eventAt time.Time) (Result, error) {
	if !initial.Status.Valid() || initial.Status.Terminal() {
		initial.Status = model.StatusIncomplete
	}
	at := initial.CreatedAt
	if at.IsZero() {
		at = eventAt
	}
	initial.CreatedAt, initial.UpdatedAt = at, at
	if !eventAt.IsZero() {
		initial.LastEventAt = &eventAt
	}

	var res Result
	err := m.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		inserted, err := m.subs.InsertIfAbsent(ctx, tx, initial)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		if !inserted {
			res, err = m.ApplyTx(ctx, tx, Command{
				SubscriptionID: initial.ID,
				Trigger:        TriggerSnapshot,
				At:             at,
				Reported:       snapshotOf(initial, eventAt),
				Source:         source,
			})
			return err
		}

		res = Result{Subscription: initial, To: initial.Status, Changed: true, Created: true}
		if initial.Status.Live() {
			if err := m.checkLiveConflict(ctx, tx, initial); err != nil {
				return err
			}
		}
		res.history = append(res.history, m.transition(initial.ID, "", initial.Status, "created", source, at))
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	m.Finish(ctx, res)
	return res, nil
}

// ApplyTx applies cmd inside tx. The caller commits and then calls Finish.
func (m *Machine) ApplyTx(ctx context.Context, tx *sqlx.Tx, cmd Command) (Result, error) {
	sub, err := m.subs.GetForUpdate(ctx, tx, cmd.SubscriptionID)
	if errors.Is(err, repository.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, cmd.SubscriptionID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("lock subscription: %w", err)
	}

	from := sub.Status
	res := Result{Subscription: sub, From: from, To: from}
	log := m.log.With(
		zap.String("subscription_id", sub.ID),
		zap.String("trigger", cmd.Trigger.String()),
		zap.String("source", cmd.Source),
		zap.String("status", from.String()),
	)

	if from.Terminal() {
		log.Debug("terminal subscription, trigger ignored")
		res.Ignored = true
		return res, nil
	}

	if rep := cmd.Reported; rep != nil {
		if reason := staleReason(sub, rep); reason != "" {
			metrics.StaleUpdatesTotal.Inc()
			log.Info("stale update discarded", zap.String("reason", reason))
			res.Stale = true
			return res, nil
		}
		applySnapshot(&sub, rep)
	}

	next, ok := resolve(cmd.Trigger, sub, cmd.At)
	if !ok {
		log.Info("trigger not applicable, ignored")
		res.Ignored = true
		if cmd.Reported != nil {
			sub.UpdatedAt = cmd.At
			if err := m.subs.Update(ctx, tx, sub); err != nil {
				return Result{}, fmt.Errorf("update subscription: %w", err)
			}
		}
		res.Subscription = sub
		return res, nil
	}

	if cmd.Trigger == TriggerCancelAtPeriodEnd {
		sub.CancelAtPeriodEnd = true
	}
	if next == model.StatusCanceled && (cmd.Reported == nil || cmd.Reported.CanceledAt == nil) {
		at := cmd.At
		sub.CanceledAt = &at
	}
	sub.Status = next
	sub.UpdatedAt = cmd.At

	if next.Live() && !from.Live() {
		if err := m.checkLiveConflict(ctx, tx, sub); err != nil {
			return Result{}, err
		}
	}

	if err := m.subs.Update(ctx, tx, sub); err != nil {
		return Result{}, fmt.Errorf("update subscription: %w", err)
	}

	switch {
	case next == model.StatusPastDue && opensFailure(cmd.Trigger):
		id, err := m.openFailedPayment(ctx, tx, sub, cmd)
		if err != nil {
			return Result{}, err
		}
		res.FailedPaymentID = id
	case from == model.StatusPastDue && next == model.StatusActive:
		n, err := m.payments.ResolveOpenBySubscription(ctx, tx, sub.ID, cmd.At)
		if err != nil {
			return Result{}, fmt.Errorf("resolve failed payments: %w", err)
		}
		log.Debug("failed payments resolved", zap.Int64("count", n))
	case next == model.StatusCanceled:
		if _, err := m.payments.HaltOpenBySubscription(ctx, tx, sub.ID, cmd.At); err != nil {
			return Result{}, fmt.Errorf("halt failed payments: %w", err)
		}
	}

	res.Subscription = sub
	res.To = next
	res.Changed = next != from
	if !res.Changed {
		return res, nil
	}

	log.Info("subscription transitioned", zap.String("to", next.String()))
	res.history = append(res.history, m.transition(sub.ID, from, next, cmd.Trigger.String(), cmd.Source, cmd.At))

	switch {
	case from == model.StatusTrialing && next == model.StatusActive:
		res.notices = append(res.notices, noticeFor(model.TemplateTrialConverted, sub))
	case next == model.StatusCanceled:
		template := model.TemplateSubscriptionCanceled
		if cmd.Trigger == TriggerDunningExhausted {
			template = model.TemplateDunningFinalNotice
		}
		res.notices = append(res.notices, noticeFor(template, sub))
	}
	return res, nil
}

// Finish records history and sends notifications for a committed Result.
// Failures are logged, never returned.
func (m *Machine) Finish(ctx context.Context, res Result) {
	for _, t := range res.history {
		metrics.TransitionsTotal.WithLabelValues(t.FromStatus, t.ToStatus).Inc()
		if m.history == nil {
			continue
		}
		if err := m.history.Insert(ctx, t); err != nil {
			m.log.Warn("record transition failed", zap.String("subscription_id", t.SubscriptionID), zap.Error(err))
		}
	}
	for _, n := range res.notices {
		m.notify(ctx, n)
	}
}

func (m *Machine) notify(ctx context.Context, n notice) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(ctx, n.template, n.recipient, n.data); err != nil {
		metrics.NotificationsTotal.WithLabelValues(n.template, "failed").Inc()
		m.log.Warn("notification failed",
			zap.String("template", n.template),
			zap.String("subscription_id", n.data["subscription_id"]),
			zap.Error(err),
		)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(n.template, "sent").Inc()
}

func (m *Machine) openFailedPayment(ctx context.Context, tx *sqlx.Tx, sub model.Subscription, cmd Command) (string, error) {
	period := cmd.At
	if sub.CurrentPeriodEnd != nil {
		period = *sub.CurrentPeriodEnd
	}
	subID := sub.ID
	fp := model.FailedPayment{
		ID:             util.NewAt(cmd.At),
		CustomerID:     sub.CustomerID,
		SubscriptionID: &subID,
		PeriodEnd:      &period,
		NextRetryAt:    m.schedule.Initial(cmd.At),
		CreatedAt:      cmd.At,
		UpdatedAt:      cmd.At,
	}
	if p := cmd.Payment; p != nil {
		fp.PaymentReference = p.Reference
		fp.Amount = p.Amount
		fp.Currency = p.Currency
	}

	created, err := m.payments.InsertIfAbsent(ctx, tx, fp)
	if err != nil {
		return "", fmt.Errorf("open failed payment: %w", err)
	}
	if !created {
		return "", nil
	}
	m.log.Info("failed payment opened",
		zap.String("subscription_id", sub.ID),
		zap.String("failed_payment_id", fp.ID),
		zap.Timep("next_retry_at", fp.NextRetryAt),
	)
	return fp.ID, nil
}

func (m *Machine) checkLiveConflict(ctx context.Context, tx *sqlx.Tx, sub model.Subscription) error {
	n, err := m.subs.CountLiveByCustomer(ctx, tx, sub.CustomerID, sub.ID)
	if err != nil {
		return fmt.Errorf("count live subscriptions: %w", err)
	}
	if n > 0 {
		metrics.LiveConflictsTotal.Inc()
		m.log.Warn("customer already has a live subscription",
			zap.String("subscription_id", sub.ID),
			zap.String("customer_id", sub.CustomerID),
			zap.Int("other_live", n),
		)
	}
	return nil
}

func (m *Machine) transition(id string, from, to model.SubscriptionStatus, trigger, source string, at time.Time) model.Transition {
	return model.Transition{
		ID:             util.NewAt(at),
		SubscriptionID: id,
		FromStatus:     from.String(),
		ToStatus:       to.String(),
		Trigger:        trigger,
		Source:         source,
		OccurredAt:     at,
	}
}

func noticeFor(template string, sub model.Subscription) notice {
	return notice{
		template:  template,
		recipient: sub.CustomerID,
		data: map[string]string{
			"subscription_id": sub.ID,
			"plan_id":         sub.PlanID,
			"status":          sub.Status.String(),
		},
	}
}
