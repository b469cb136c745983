package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jmehdipour/billing-reconciler/internal/billing"
	"github.com/jmehdipour/billing-reconciler/internal/dispatcher"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
	"github.com/jmehdipour/billing-reconciler/internal/subscription"
)

type Canceler interface {
	Cancel(ctx context.Context, id string, immediate bool, at time.Time) (subscription.Result, error)
}

type Replayer interface {
	Replay(ctx context.Context, id string) (dispatcher.ReplayResult, dispatcher.Outcome, error)
}

// SubscriptionFetcher reads the processor's current view of a subscription.
type SubscriptionFetcher interface {
	RetrieveSubscription(ctx context.Context, id string) (billing.SubscriptionObject, error)
}

type Syncer interface {
	Sync(ctx context.Context, obj billing.SubscriptionObject) (subscription.Result, error)
}

type cancelReq struct {
	Immediate bool `json:"immediate"`
}

func resultBody(res subscription.Result) map[string]any {
	return map[string]any{
		"subscription": res.Subscription,
		"from":         res.From,
		"to":           res.To,
		"changed":      res.Changed,
		"ignored":      res.Ignored,
		"stale":        res.Stale,
	}
}

func cancelHandler(m Canceler, now func() time.Time) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("id"))
		var req cancelReq
		if c.Request().ContentLength != 0 {
			if err := c.Bind(&req); err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
			}
		}

		res, err := m.Cancel(c.Request().Context(), id, req.Immediate, now().UTC())
		if errors.Is(err, subscription.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "subscription not found"})
		}
		if err != nil {
			c.Logger().Errorf("cancel %s failed: %v", id, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "cancel failed"})
		}
		return c.JSON(http.StatusOK, resultBody(res))
	}
}

func syncHandler(f SubscriptionFetcher, s Syncer) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("id"))
		obj, err := f.RetrieveSubscription(c.Request().Context(), id)
		if err != nil {
			c.Logger().Errorf("retrieve %s failed: %v", id, err)
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "processor unavailable"})
		}
		res, err := s.Sync(c.Request().Context(), obj)
		if err != nil {
			c.Logger().Errorf("sync %s failed: %v", id, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "sync failed"})
		}
		return c.JSON(http.StatusOK, resultBody(res))
	}
}

func replayHandler(r Replayer) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("id"))
		result, outcome, err := r.Replay(c.Request().Context(), id)
		if errors.Is(err, dispatcher.ErrEventNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "event not found"})
		}
		if err != nil {
			c.Logger().Errorf("replay %s failed: %v", id, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "replay failed"})
		}
		if result == dispatcher.AlreadyProcessed {
			return c.JSON(http.StatusConflict, map[string]any{"id": id, "result": result})
		}
		return c.JSON(http.StatusOK, map[string]any{"id": id, "result": result, "outcome": outcome})
	}
}

func getSubscriptionHandler(subs repository.SubscriptionsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := subs.Get(c.Request().Context(), nil, c.Param("id"))
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "subscription not found"})
		}
		if err != nil {
			c.Logger().Errorf("get subscription failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, s)
	}
}

func transitionsHandler(repo repository.TransitionsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, _ := pagination(c)
		rows, err := repo.ListBySubscription(c.Request().Context(), c.Param("id"), limit)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit": limit,
			"items": nonNil(rows),
		})
	}
}

func failedEventsHandler(events repository.EventsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := pagination(c)
		rows, err := events.ListFailed(c.Request().Context(), limit, offset)
		if err != nil {
			c.Logger().Errorf("list failed events: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":  limit,
			"offset": offset,
			"items":  nonNil(rows),
		})
	}
}

func failedPaymentsHandler(payments repository.FailedPaymentsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := pagination(c)
		rows, err := payments.ListUnresolved(c.Request().Context(), limit, offset)
		if err != nil {
			c.Logger().Errorf("list failed payments: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":  limit,
			"offset": offset,
			"items":  nonNil(rows),
		})
	}
}

func pagination(c echo.Context) (limit, offset int) {
	limit = 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// nonNil renders an empty list as [] rather than null.
func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
