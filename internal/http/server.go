package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/config"
	"github.com/jmehdipour/billing-reconciler/internal/http/middleware"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
	"github.com/jmehdipour/billing-reconciler/internal/signature"
)

// Deps are the collaborators the HTTP surface needs. Fetcher and Syncer are
// optional; without them the sync route is not mounted.
type Deps struct {
	Ingest        Recorder
	Canceler      Canceler
	Replayer      Replayer
	Events        repository.EventsRepository
	Subscriptions repository.SubscriptionsRepository
	Payments      repository.FailedPaymentsRepository
	Transitions   repository.TransitionsRepository
	Fetcher       SubscriptionFetcher
	Syncer        Syncer
	Redis         *redis.Client
	Now           func() time.Time
	Log           *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Transitions == nil {
		d.Transitions = repository.NopTransitions{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLevel(cfg.Log.Level))
	e.Use(echoMid.Recover(), requestLogger(d.Log))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	verifier := signature.Verifier{Tolerance: cfg.Webhook.Tolerance, Now: d.Now}
	e.POST("/webhooks/processor", webhookHandler(d.Ingest, verifier, cfg.Webhook, d.Now, d.Log.Named("webhook")))

	authMW := middleware.AdminKeyMiddleware(cfg.Admin.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            cfg.Admin.RateLimit.RPS,
		Burst:          cfg.Admin.RateLimit.Burst,
		KeyPrefix:      "rl:admin:",
		Window:         time.Second,
		RetryAfterHint: true,
		Now:            d.Now,
	})

	admin := e.Group("/admin", authMW, rlMW)
	admin.GET("/subscriptions/:id", getSubscriptionHandler(d.Subscriptions))
	admin.POST("/subscriptions/:id/cancel", cancelHandler(d.Canceler, d.Now))
	admin.GET("/subscriptions/:id/transitions", transitionsHandler(d.Transitions))
	if d.Fetcher != nil && d.Syncer != nil {
		admin.POST("/subscriptions/:id/sync", syncHandler(d.Fetcher, d.Syncer))
	}
	admin.POST("/events/:id/replay", replayHandler(d.Replayer))
	admin.GET("/events/failed", failedEventsHandler(d.Events))
	admin.GET("/failed-payments", failedPaymentsHandler(d.Payments))

	return &Server{e: e, log: d.Log}
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func echoLevel(level string) log.Lvl {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DEBUG
	case "warn", "warning":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}

func requestLogger(l *zap.Logger) echo.MiddlewareFunc {
	l = l.Named("http")
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v echoMid.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				l.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			l.Debug("request", fields...)
			return nil
		},
	})
}
