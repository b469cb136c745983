// Package repotest provides in-memory repositories with the same semantics
// as the SQL ones, for engine tests.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/billing-reconciler/internal/model"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
)

// Store bundles one of each fake.
type Store struct {
	Tx            *Transactor
	Events        *Events
	Subscriptions *Subscriptions
	Payments      *FailedPayments
	Notifications *Notifications
	Outbox        *Outbox
	Transitions   *Transitions
}

func New() *Store {
	return &Store{
		Tx:            &Transactor{},
		Events:        &Events{rows: map[string]model.InboundEvent{}},
		Subscriptions: &Subscriptions{rows: map[string]model.Subscription{}},
		Payments:      &FailedPayments{rows: map[string]model.FailedPayment{}},
		Notifications: &Notifications{rows: map[string]model.NotificationLog{}},
		Outbox:        &Outbox{},
		Transitions:   &Transitions{},
	}
}

// Transactor serialises WithinTx calls and passes a nil tx, which every fake
// accepts. There is no rollback.
type Transactor struct {
	mu    sync.Mutex
	Calls int
}

func (t *Transactor) WithinTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls++
	return fn(nil)
}

func ptrTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func ptrString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ---- Events ----

type Events struct {
	mu   sync.Mutex
	rows map[string]model.InboundEvent
}

var _ repository.EventsRepository = (*Events)(nil)

func (r *Events) InsertIfAbsent(_ context.Context, _ *sqlx.Tx, ev model.InboundEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[ev.ID]; ok {
		return false, nil
	}
	ev.State = model.StatePending
	ev.RetryCount = 0
	ev.ProcessedAt = nil
	ev.LastError = nil
	ev.Payload = append([]byte(nil), ev.Payload...)
	r.rows[ev.ID] = ev
	return true, nil
}

func (r *Events) Get(_ context.Context, _ *sqlx.Tx, id string) (model.InboundEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.rows[id]
	if !ok {
		return model.InboundEvent{}, repository.ErrNotFound
	}
	return ev, nil
}

func (r *Events) MarkProcessed(_ context.Context, _ *sqlx.Tx, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.rows[id]
	if !ok {
		return nil
	}
	ev.State = model.StateProcessed
	ev.ProcessedAt = &at
	ev.LastError = nil
	r.rows[id] = ev
	return nil
}

func (r *Events) MarkFailed(_ context.Context, _ *sqlx.Tx, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.rows[id]
	if !ok || ev.State == model.StateProcessed {
		return nil
	}
	ev.State = model.StateFailed
	ev.LastError = &reason
	ev.RetryCount++
	r.rows[id] = ev
	return nil
}

func (r *Events) ResetForReplay(_ context.Context, _ *sqlx.Tx, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.rows[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if ev.State == model.StateProcessed {
		return false, nil
	}
	ev.State = model.StatePending
	ev.RetryCount = 0
	r.rows[id] = ev
	return true, nil
}

func (r *Events) ListRetryable(_ context.Context, maxAttempts int, pendingBefore time.Time, limit int) ([]model.InboundEvent, error) {
	return r.list(limit, 0, func(ev model.InboundEvent) bool {
		switch ev.State {
		case model.StateFailed:
			return ev.RetryCount < maxAttempts
		case model.StatePending:
			return !ev.ReceivedAt.After(pendingBefore)
		}
		return false
	}), nil
}

func (r *Events) ListFailed(_ context.Context, limit, offset int) ([]model.InboundEvent, error) {
	return r.list(limit, offset, func(ev model.InboundEvent) bool {
		return ev.State == model.StateFailed
	}), nil
}

func (r *Events) list(limit, offset int, keep func(model.InboundEvent) bool) []model.InboundEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.InboundEvent
	for _, ev := range r.rows {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return page(out, limit, offset)
}

// Len returns the number of stored events.
func (r *Events) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func page[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// ---- Subscriptions ----

type Subscriptions struct {
	mu   sync.Mutex
	rows map[string]model.Subscription
}

var _ repository.SubscriptionsRepository = (*Subscriptions)(nil)

func cloneSubscription(s model.Subscription) model.Subscription {
	s.CurrentPeriodStart = ptrTime(s.CurrentPeriodStart)
	s.CurrentPeriodEnd = ptrTime(s.CurrentPeriodEnd)
	s.TrialEnd = ptrTime(s.TrialEnd)
	s.CanceledAt = ptrTime(s.CanceledAt)
	s.LastEventAt = ptrTime(s.LastEventAt)
	return s
}

// Put stores s unconditionally.
func (r *Subscriptions) Put(s model.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[s.ID] = cloneSubscription(s)
}

func (r *Subscriptions) InsertIfAbsent(_ context.Context, _ *sqlx.Tx, s model.Subscription) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[s.ID]; ok {
		return false, nil
	}
	r.rows[s.ID] = cloneSubscription(s)
	return true, nil
}

func (r *Subscriptions) Get(_ context.Context, _ *sqlx.Tx, id string) (model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return model.Subscription{}, repository.ErrNotFound
	}
	return cloneSubscription(s), nil
}

func (r *Subscriptions) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (model.Subscription, error) {
	return r.Get(ctx, tx, id)
}

func (r *Subscriptions) Update(_ context.Context, _ *sqlx.Tx, s model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[s.ID]; ok {
		r.rows[s.ID] = cloneSubscription(s)
	}
	return nil
}

func (r *Subscriptions) ListByStatus(_ context.Context, status model.SubscriptionStatus, afterID string, limit int) ([]model.Subscription, error) {
	return r.list(limit, func(s model.Subscription) bool {
		return s.Status == status && s.ID > afterID
	}), nil
}

func (r *Subscriptions) ListCancelAtPeriodEndDue(_ context.Context, now time.Time, limit int) ([]model.Subscription, error) {
	return r.list(limit, func(s model.Subscription) bool {
		return s.Status.Live() && s.CancelAtPeriodEnd &&
			s.CurrentPeriodEnd != nil && !s.CurrentPeriodEnd.After(now)
	}), nil
}

func (r *Subscriptions) ListIncompleteOlderThan(_ context.Context, before time.Time, limit int) ([]model.Subscription, error) {
	return r.list(limit, func(s model.Subscription) bool {
		return s.Status == model.StatusIncomplete && !s.CreatedAt.After(before)
	}), nil
}

func (r *Subscriptions) CountLiveByCustomer(_ context.Context, _ *sqlx.Tx, customerID, excludeID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.rows {
		if s.CustomerID == customerID && s.ID != excludeID && s.Status.Live() {
			n++
		}
	}
	return n, nil
}

func (r *Subscriptions) list(limit int, keep func(model.Subscription) bool) []model.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Subscription
	for _, s := range r.rows {
		if keep(s) {
			out = append(out, cloneSubscription(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, 0)
}

// ---- FailedPayments ----

type FailedPayments struct {
	mu   sync.Mutex
	rows map[string]model.FailedPayment
}

var _ repository.FailedPaymentsRepository = (*FailedPayments)(nil)

func cloneFailedPayment(fp model.FailedPayment) model.FailedPayment {
	fp.SubscriptionID = ptrString(fp.SubscriptionID)
	fp.PeriodEnd = ptrTime(fp.PeriodEnd)
	fp.NextRetryAt = ptrTime(fp.NextRetryAt)
	fp.ResolvedAt = ptrTime(fp.ResolvedAt)
	fp.LastError = ptrString(fp.LastError)
	return fp
}

func sameKey(a, b model.FailedPayment) bool {
	if a.SubscriptionID == nil || b.SubscriptionID == nil || a.PeriodEnd == nil || b.PeriodEnd == nil {
		return false
	}
	return *a.SubscriptionID == *b.SubscriptionID && a.PeriodEnd.Equal(*b.PeriodEnd)
}

// Put stores fp unconditionally.
func (r *FailedPayments) Put(fp model.FailedPayment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[fp.ID] = cloneFailedPayment(fp)
}

func (r *FailedPayments) InsertIfAbsent(_ context.Context, _ *sqlx.Tx, fp model.FailedPayment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cur := range r.rows {
		if !sameKey(cur, fp) {
			continue
		}
		if cur.PaymentReference == "" {
			cur.PaymentReference = fp.PaymentReference
		}
		if cur.Amount == 0 {
			cur.Amount = fp.Amount
		}
		if cur.Currency == "" {
			cur.Currency = fp.Currency
		}
		r.rows[id] = cur
		return false, nil
	}
	fp.RetryCount = 0
	fp.Resolved = false
	r.rows[fp.ID] = cloneFailedPayment(fp)
	return true, nil
}

func (r *FailedPayments) Get(_ context.Context, _ *sqlx.Tx, id string) (model.FailedPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fp, ok := r.rows[id]
	if !ok {
		return model.FailedPayment{}, repository.ErrNotFound
	}
	return cloneFailedPayment(fp), nil
}

func (r *FailedPayments) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (model.FailedPayment, error) {
	return r.Get(ctx, tx, id)
}

func (r *FailedPayments) Update(_ context.Context, _ *sqlx.Tx, fp model.FailedPayment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rows[fp.ID]
	if !ok {
		return nil
	}
	cur.RetryCount = fp.RetryCount
	cur.NextRetryAt = ptrTime(fp.NextRetryAt)
	cur.Resolved = fp.Resolved
	cur.ResolvedAt = ptrTime(fp.ResolvedAt)
	cur.LastError = ptrString(fp.LastError)
	cur.UpdatedAt = fp.UpdatedAt
	r.rows[fp.ID] = cur
	return nil
}

func (r *FailedPayments) ListDue(_ context.Context, now time.Time, maxAttempts, limit int) ([]model.FailedPayment, error) {
	return r.list(limit, 0, func(fp model.FailedPayment) bool {
		return !fp.Resolved && fp.RetryCount < maxAttempts && fp.NextRetryAt != nil && !fp.NextRetryAt.After(now)
	}), nil
}

func (r *FailedPayments) ListUnresolved(_ context.Context, limit, offset int) ([]model.FailedPayment, error) {
	return r.list(limit, offset, func(fp model.FailedPayment) bool { return !fp.Resolved }), nil
}

func (r *FailedPayments) ResolveOpenBySubscription(_ context.Context, _ *sqlx.Tx, subscriptionID string, at time.Time) (int64, error) {
	return r.mutateOpen(subscriptionID, func(fp *model.FailedPayment) bool {
		fp.Resolved = true
		fp.ResolvedAt = &at
		fp.NextRetryAt = nil
		fp.UpdatedAt = at
		return true
	}), nil
}

func (r *FailedPayments) HaltOpenBySubscription(_ context.Context, _ *sqlx.Tx, subscriptionID string, at time.Time) (int64, error) {
	return r.mutateOpen(subscriptionID, func(fp *model.FailedPayment) bool {
		if fp.NextRetryAt == nil {
			return false
		}
		fp.NextRetryAt = nil
		fp.UpdatedAt = at
		return true
	}), nil
}

func (r *FailedPayments) mutateOpen(subscriptionID string, fn func(*model.FailedPayment) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, fp := range r.rows {
		if fp.Resolved || fp.SubscriptionID == nil || *fp.SubscriptionID != subscriptionID {
			continue
		}
		if fn(&fp) {
			r.rows[id] = fp
			n++
		}
	}
	return n
}

func (r *FailedPayments) list(limit, offset int, keep func(model.FailedPayment) bool) []model.FailedPayment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.FailedPayment
	for _, fp := range r.rows {
		if keep(fp) {
			out = append(out, cloneFailedPayment(fp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset)
}

// All returns every record ordered by id.
func (r *FailedPayments) All() []model.FailedPayment {
	return r.list(0, 0, func(model.FailedPayment) bool { return true })
}

// ---- Notifications ----

type Notifications struct {
	mu   sync.Mutex
	rows map[string]model.NotificationLog
}

var _ repository.NotificationsRepository = (*Notifications)(nil)

func (r *Notifications) InsertIfAbsent(_ context.Context, _ *sqlx.Tx, n model.NotificationLog) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.SentDate = model.SentDate(n.SentDate)
	key := n.SubscriptionID + "|" + n.NotificationType + "|" + n.SentDate.Format(time.DateOnly)
	if _, ok := r.rows[key]; ok {
		return false, nil
	}
	r.rows[key] = n
	return true, nil
}

// Len returns the number of logged notifications.
func (r *Notifications) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// ---- Outbox ----

type Outbox struct {
	mu     sync.Mutex
	nextID int64
	rows   []model.OutboxEvent
}

var _ repository.OutboxRepository = (*Outbox)(nil)

func (r *Outbox) Insert(_ context.Context, _ *sqlx.Tx, ev model.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	ev.ID = r.nextID
	r.rows = append(r.rows, ev)
	return nil
}

func (r *Outbox) FetchUnpublished(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.OutboxEvent
	for _, ev := range r.rows {
		if ev.PublishedAt == nil {
			out = append(out, ev)
		}
	}
	return page(out, limit, 0), nil
}

func (r *Outbox) MarkPublished(_ context.Context, ids []int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for i := range r.rows {
		if set[r.rows[i].ID] {
			t := at
			r.rows[i].PublishedAt = &t
		}
	}
	return nil
}

// Rows returns a copy of every outbox row.
func (r *Outbox) Rows() []model.OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.OutboxEvent(nil), r.rows...)
}

// ---- Transitions ----

type Transitions struct {
	mu   sync.Mutex
	rows []model.Transition
}

var _ repository.TransitionsRepository = (*Transitions)(nil)

func (r *Transitions) Insert(_ context.Context, t model.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, t)
	return nil
}

func (r *Transitions) ListBySubscription(_ context.Context, subscriptionID string, limit int) ([]model.Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Transition
	for i := len(r.rows) - 1; i >= 0; i-- {
		if r.rows[i].SubscriptionID == subscriptionID {
			out = append(out, r.rows[i])
		}
	}
	return page(out, limit, 0), nil
}
