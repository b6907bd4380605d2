package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Service  BookingService
	Audit    AuditQuerier
	Postgres Pinger
	Redis    Pinger
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Post("/appointments", createAppointmentHandler(cfg.Service, logger))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service, logger))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Service, logger))
	r.Post("/appointments/{id}/reconcile", reconcileAppointmentHandler(cfg.Service, logger))

	r.Get("/audit", auditHandler(cfg.Audit, logger))

	return r
}
