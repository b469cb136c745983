// Package billing understands the processor's notification payloads and
// turns them into subscription commands.
package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event types handled by this package. Anything else is recorded and ignored.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaid         = "invoice.paid"
	EventInvoiceSucceeded    = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
)

var ErrMalformed = errors.New("malformed notification")

// Notification is the envelope every processor event shares.
type Notification struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`

	// SubscriptionID is derived from the object, empty when it has none.
	SubscriptionID string `json:"-"`
}

// CreatedAt is the sender's creation time, zero when not reported.
func (n Notification) CreatedAt() time.Time {
	return unixTime(n.Created)
}

// ParseNotification decodes a verified raw body. It never modifies raw.
func ParseNotification(raw []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	n.ID = strings.TrimSpace(n.ID)
	n.Type = strings.TrimSpace(n.Type)
	if n.ID == "" {
		return Notification{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if n.Type == "" {
		return Notification{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	obj := bytes.TrimSpace(n.Data.Object)
	if len(obj) == 0 || bytes.Equal(obj, []byte("null")) {
		return n, nil
	}
	var head struct {
		ID           string `json:"id"`
		Object       string `json:"object"`
		Subscription Ref    `json:"subscription"`
	}
	if err := json.Unmarshal(obj, &head); err != nil {
		return Notification{}, fmt.Errorf("%w: data.object: %v", ErrMalformed, err)
	}
	if head.Object == "subscription" || strings.HasPrefix(n.Type, "customer.subscription.") {
		n.SubscriptionID = head.ID
	} else {
		n.SubscriptionID = string(head.Subscription)
	}
	return n, nil
}

// Ref accepts either a bare id string or an expanded object with an id.
type Ref string

func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Ref(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = Ref(obj.ID)
	return nil
}

// SubscriptionObject is the processor's subscription resource. Timestamps
// are unix seconds.
type SubscriptionObject struct {
	ID                   string `json:"id"`
	Customer             Ref    `json:"customer"`
	Plan                 Ref    `json:"plan"`
	Status               string `json:"status"`
	Created              int64  `json:"created"`
	CurrentPeriodStart   int64  `json:"current_period_start"`
	CurrentPeriodEnd     int64  `json:"current_period_end"`
	TrialEnd             *int64 `json:"trial_end"`
	CancelAtPeriodEnd    bool   `json:"cancel_at_period_end"`
	CanceledAt           *int64 `json:"canceled_at"`
	DefaultPaymentMethod Ref    `json:"default_payment_method"`
	LatestInvoice        Ref    `json:"latest_invoice"`
}

// InvoiceObject is the processor's invoice resource. AmountDue is in minor units.
type InvoiceObject struct {
	ID           string `json:"id"`
	Customer     Ref    `json:"customer"`
	Subscription Ref    `json:"subscription"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
	PeriodStart  int64  `json:"period_start"`
	PeriodEnd    int64  `json:"period_end"`
}

func decodeObject[T any](n Notification) (T, error) {
	var obj T
	if len(n.Data.Object) == 0 {
		return obj, fmt.Errorf("%w: %s has no data.object", ErrMalformed, n.ID)
	}
	if err := json.Unmarshal(n.Data.Object, &obj); err != nil {
		return obj, fmt.Errorf("%w: %s data.object: %v", ErrMalformed, n.ID, err)
	}
	return obj, nil
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func unixPtrP(sec *int64) *time.Time {
	if sec == nil {
		return nil
	}
	return unixPtr(*sec)
}
