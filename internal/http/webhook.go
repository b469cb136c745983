package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/billing"
	"github.com/jmehdipour/billing-reconciler/internal/config"
	"github.com/jmehdipour/billing-reconciler/internal/metrics"
	"github.com/jmehdipour/billing-reconciler/internal/model"
	"github.com/jmehdipour/billing-reconciler/internal/signature"
)

// Recorder makes an inbound event durable exactly once per id.
type Recorder interface {
	RecordIfNew(ctx context.Context, ev model.InboundEvent) (bool, model.InboundEvent, error)
}

// webhookHandler acknowledges a delivery only after the event is stored.
// Rejected and malformed deliveries are never stored.
func webhookHandler(rec Recorder, v signature.Verifier, cfg config.WebhookConfig, now func() time.Time, log *zap.Logger) echo.HandlerFunc {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	header := cfg.SignatureHeader
	if header == "" {
		header = "Processor-Signature"
	}

	return func(c echo.Context) error {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBody+1))
		if err != nil {
			metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		}
		if int64(len(body)) > maxBody {
			metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		}

		if err := v.Check(body, c.Request().Header.Get(header), cfg.Secret); err != nil {
			metrics.WebhooksTotal.WithLabelValues("rejected").Inc()
			log.Warn("webhook signature rejected", zap.Error(err), zap.String("remote", c.RealIP()))
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		}

		n, err := billing.ParseNotification(body)
		if err != nil {
			metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
			log.Warn("webhook payload malformed", zap.Error(err))
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		}

		ev := model.InboundEvent{
			ID:              n.ID,
			Type:            n.Type,
			SubscriptionID:  n.SubscriptionID,
			Payload:         body,
			SourceCreatedAt: n.CreatedAt(),
			ReceivedAt:      now().UTC(),
		}
		isNew, stored, err := rec.RecordIfNew(c.Request().Context(), ev)
		if err != nil {
			metrics.WebhooksTotal.WithLabelValues("error").Inc()
			log.Error("webhook store failed", zap.String("event_id", ev.ID), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "storage error"})
		}

		outcome := "accepted"
		if !isNew {
			outcome = "duplicate"
		}
		metrics.WebhooksTotal.WithLabelValues(outcome).Inc()
		log.Debug("webhook received",
			zap.String("event_id", stored.ID),
			zap.String("type", stored.Type),
			zap.Bool("duplicate", !isNew),
		)

		return c.JSON(http.StatusOK, map[string]any{
			"received":  true,
			"duplicate": !isNew,
			"id":        stored.ID,
		})
	}
}
