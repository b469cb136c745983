package billing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/dispatcher"
	"github.com/jmehdipour/billing-reconciler/internal/model"
	"github.com/jmehdipour/billing-reconciler/internal/subscription"
)

// Registrar is satisfied by *dispatcher.Dispatcher.
type Registrar interface {
	Register(eventType string, h dispatcher.HandlerFunc)
}

// Handlers maps processor events onto subscription commands.
type Handlers struct {
	machine *subscription.Machine
	now     func() time.Time
	log     *zap.Logger
}

func NewHandlers(machine *subscription.Machine, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{
		machine: machine,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log,
	}
}

// WithClock overrides the processing clock.
func (h *Handlers) WithClock(now func() time.Time) *Handlers {
	h.now = now
	return h
}

// Register binds every handled event type.
func (h *Handlers) Register(r Registrar) {
	r.Register(EventSubscriptionCreated, h.subscriptionCreated)
	r.Register(EventSubscriptionUpdated, h.subscriptionUpdated)
	r.Register(EventSubscriptionDeleted, h.subscriptionDeleted)
	r.Register(EventInvoicePaid, h.invoicePaid)
	r.Register(EventInvoiceSucceeded, h.invoicePaid)
	r.Register(EventInvoiceFailed, h.invoiceFailed)
}

// Sync applies a freshly retrieved processor snapshot as if it were the
// newest update event.
func (h *Handlers) Sync(ctx context.Context, obj SubscriptionObject) (subscription.Result, error) {
	now := h.now()
	return h.applyObject(ctx, obj, "sync", now, now)
}

func (h *Handlers) subscriptionCreated(ctx context.Context, ev model.InboundEvent) error {
	n, obj, err := parseSubscription(ev)
	if err != nil {
		return err
	}
	_, err = h.machine.Create(ctx, obj.toModel(n.CreatedAt()), ev.ID, n.CreatedAt())
	return err
}

func (h *Handlers) subscriptionUpdated(ctx context.Context, ev model.InboundEvent) error {
	n, obj, err := parseSubscription(ev)
	if err != nil {
		return err
	}
	_, err = h.applyObject(ctx, obj, ev.ID, n.CreatedAt(), h.now())
	return err
}

func (h *Handlers) subscriptionDeleted(ctx context.Context, ev model.InboundEvent) error {
	n, obj, err := parseSubscription(ev)
	if err != nil {
		return err
	}
	_, err = h.machine.Apply(ctx, subscription.Command{
		SubscriptionID: obj.ID,
		Trigger:        subscription.TriggerCancelImmediate,
		At:             h.now(),
		Reported:       obj.snapshot(n.CreatedAt()),
		Source:         ev.ID,
	})
	if errors.Is(err, subscription.ErrNotFound) {
		h.log.Info("deleted subscription was never seen", zap.String("subscription_id", obj.ID))
		return nil
	}
	return err
}

func (h *Handlers) invoicePaid(ctx context.Context, ev model.InboundEvent) error {
	return h.invoiceCommand(ctx, ev, subscription.TriggerPaymentConfirmed)
}

func (h *Handlers) invoiceFailed(ctx context.Context, ev model.InboundEvent) error {
	return h.invoiceCommand(ctx, ev, subscription.TriggerPaymentFailed)
}

// invoiceCommand fails (and is retried) while the subscription is unknown,
// which covers invoices delivered before their subscription.
func (h *Handlers) invoiceCommand(ctx context.Context, ev model.InboundEvent, trigger subscription.Trigger) error {
	n, err := ParseNotification(ev.Payload)
	if err != nil {
		return err
	}
	inv, err := decodeObject[InvoiceObject](n)
	if err != nil {
		return err
	}
	if inv.Subscription == "" {
		h.log.Debug("invoice without subscription ignored", zap.String("invoice_id", inv.ID))
		return nil
	}

	cmd := subscription.Command{
		SubscriptionID: string(inv.Subscription),
		Trigger:        trigger,
		At:             h.now(),
		Reported:       &subscription.Snapshot{EventAt: n.CreatedAt()},
		Source:         ev.ID,
	}
	if trigger == subscription.TriggerPaymentFailed {
		cmd.Payment = &subscription.PaymentDetails{
			Reference: inv.ID,
			Amount:    inv.AmountDue,
			Currency:  inv.Currency,
			Reason:    n.Type,
		}
	}
	_, err = h.machine.Apply(ctx, cmd)
	return err
}

// applyObject maps the reported status onto a trigger. An unknown
// subscription is created from the object.
func (h *Handlers) applyObject(ctx context.Context, obj SubscriptionObject, source string, eventAt, at time.Time) (subscription.Result, error) {
	cmd := subscription.Command{
		SubscriptionID: obj.ID,
		Trigger:        obj.trigger(eventAt),
		At:             at,
		Reported:       obj.snapshot(eventAt),
		Source:         source,
	}
	if cmd.Trigger == subscription.TriggerPaymentFailed || cmd.Trigger == subscription.TriggerTrialEndedNoPaymentMethod {
		cmd.Payment = &subscription.PaymentDetails{Reference: string(obj.LatestInvoice), Reason: "status " + obj.Status}
	}

	res, err := h.machine.Apply(ctx, cmd)
	if errors.Is(err, subscription.ErrNotFound) {
		h.log.Info("update for unknown subscription, creating it", zap.String("subscription_id", obj.ID))
		return h.machine.Create(ctx, obj.toModel(eventAt), source, eventAt)
	}
	return res, err
}

func parseSubscription(ev model.InboundEvent) (Notification, SubscriptionObject, error) {
	n, err := ParseNotification(ev.Payload)
	if err != nil {
		return Notification{}, SubscriptionObject{}, err
	}
	obj, err := decodeObject[SubscriptionObject](n)
	if err != nil {
		return Notification{}, SubscriptionObject{}, err
	}
	if obj.ID == "" {
		return Notification{}, SubscriptionObject{}, ErrMalformed
	}
	return n, obj, nil
}

func (o SubscriptionObject) trigger(eventAt time.Time) subscription.Trigger {
	switch model.SubscriptionStatus(o.Status) {
	case model.StatusActive, model.StatusTrialing:
		// an incomplete subscription whose trial has started lands in trialing
		return subscription.TriggerPaymentConfirmed
	case model.StatusPastDue:
		if o.trialEndedWithoutPaymentMethod(eventAt) {
			return subscription.TriggerTrialEndedNoPaymentMethod
		}
		return subscription.TriggerPaymentFailed
	case model.StatusUnpaid:
		return subscription.TriggerMarkedUnpaid
	case model.StatusCanceled:
		return subscription.TriggerCancelImmediate
	case model.StatusIncompleteExpired:
		return subscription.TriggerIncompleteExpired
	default:
		return subscription.TriggerSnapshot
	}
}

func (o SubscriptionObject) trialEndedWithoutPaymentMethod(eventAt time.Time) bool {
	trialEnd := unixPtrP(o.TrialEnd)
	return trialEnd != nil && !trialEnd.After(eventAt) && o.DefaultPaymentMethod == ""
}

func (o SubscriptionObject) snapshot(eventAt time.Time) *subscription.Snapshot {
	cancel := o.CancelAtPeriodEnd
	return &subscription.Snapshot{
		CurrentPeriodStart: unixPtr(o.CurrentPeriodStart),
		CurrentPeriodEnd:   unixPtr(o.CurrentPeriodEnd),
		TrialEnd:           unixPtrP(o.TrialEnd),
		CanceledAt:         unixPtrP(o.CanceledAt),
		CancelAtPeriodEnd:  &cancel,
		EventAt:            eventAt,
	}
}

func (o SubscriptionObject) toModel(eventAt time.Time) model.Subscription {
	createdAt := unixTime(o.Created)
	if createdAt.IsZero() {
		createdAt = eventAt
	}
	return model.Subscription{
		ID:                 o.ID,
		CustomerID:         string(o.Customer),
		PlanID:             string(o.Plan),
		Status:             model.SubscriptionStatus(o.Status),
		CurrentPeriodStart: unixPtr(o.CurrentPeriodStart),
		CurrentPeriodEnd:   unixPtr(o.CurrentPeriodEnd),
		TrialEnd:           unixPtrP(o.TrialEnd),
		CancelAtPeriodEnd:  o.CancelAtPeriodEnd,
		CanceledAt:         unixPtrP(o.CanceledAt),
		CreatedAt:          createdAt,
	}
}
