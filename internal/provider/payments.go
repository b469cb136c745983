package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/jmehdipour/billing-reconciler/internal/billing"
	"github.com/jmehdipour/billing-reconciler/internal/config"
)

// CollectResult is the processor's answer to a collection attempt.
type CollectResult struct {
	Succeeded    bool   `json:"succeeded"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// PaymentClient talks to the payment processor.
type PaymentClient interface {
	CollectPayment(ctx context.Context, paymentReference string) (CollectResult, error)
	RetrieveSubscription(ctx context.Context, id string) (billing.SubscriptionObject, error)
}

type HTTPPaymentClient struct {
	httpClient
}

func NewHTTPPaymentClient(cfg config.CollaboratorConfig) *HTTPPaymentClient {
	return &HTTPPaymentClient{
		httpClient: newHTTPClient(cfg.Name, cfg.BaseURL, cfg.TimeoutMs, cfg.Breaker.FailThreshold, cfg.Breaker.OpenForMs),
	}
}

func (p *HTTPPaymentClient) Name() string { return p.name }
func (p *HTTPPaymentClient) Ready() bool  { return p.br.Ready() }

// CollectPayment asks the processor to charge the referenced invoice. A
// decline (402) is a normal result with Succeeded=false; transport errors,
// timeouts, 429 and 5xx are returned as errors.
func (p *HTTPPaymentClient) CollectPayment(ctx context.Context, paymentReference string) (CollectResult, error) {
	var res CollectResult
	err := p.do(ctx, http.MethodPost, "/payments/"+url.PathEscape(paymentReference)+"/collect", struct{}{}, &res)

	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusPaymentRequired {
		declined := CollectResult{ErrorCode: "declined"}
		_ = json.Unmarshal([]byte(se.Body), &declined)
		declined.Succeeded = false
		return declined, nil
	}
	if err != nil {
		return CollectResult{}, err
	}
	return res, nil
}

func (p *HTTPPaymentClient) RetrieveSubscription(ctx context.Context, id string) (billing.SubscriptionObject, error) {
	var obj billing.SubscriptionObject
	if err := p.do(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(id), nil, &obj); err != nil {
		return billing.SubscriptionObject{}, err
	}
	return obj, nil
}
