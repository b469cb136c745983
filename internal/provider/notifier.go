package provider

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/config"
)

type notification struct {
	Template  string            `json:"template"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data,omitempty"`
}

// HTTPNotifier posts templated notifications to the notification service.
type HTTPNotifier struct {
	httpClient
}

func NewHTTPNotifier(cfg config.CollaboratorConfig) *HTTPNotifier {
	return &HTTPNotifier{
		httpClient: newHTTPClient(cfg.Name, cfg.BaseURL, cfg.TimeoutMs, cfg.Breaker.FailThreshold, cfg.Breaker.OpenForMs),
	}
}

func (n *HTTPNotifier) Send(ctx context.Context, template, recipient string, data map[string]string) error {
	return n.do(ctx, http.MethodPost, "/notifications", notification{
		Template:  template,
		Recipient: recipient,
		Data:      data,
	}, nil)
}

// NopNotifier only logs. Used when no notification service is configured.
type NopNotifier struct {
	Log *zap.Logger
}

func (n NopNotifier) Send(_ context.Context, template, recipient string, data map[string]string) error {
	if n.Log != nil {
		n.Log.Debug("notification skipped",
			zap.String("template", template),
			zap.String("recipient", recipient),
			zap.Any("data", data),
		)
	}
	return nil
}
