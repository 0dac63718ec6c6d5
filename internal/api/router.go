// Package api exposes the launcher's admin HTTP surface.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"workload-launcher-go/internal/api/handlers"
	"workload-launcher-go/internal/api/middleware"
	"workload-launcher-go/internal/labels"
)

// Deps are the collaborators behind the admin routes. Workloads and
// CancelMarker are nil when the status store is disabled.
type Deps struct {
	Publisher    handlers.Publisher
	Validator    handlers.PayloadValidator
	Labeler      *labels.Labeler
	Workloads    handlers.WorkloadReader
	Pods         handlers.MutexDeleter
	CancelMarker handlers.CancelMarker
	Readiness    []handlers.ReadinessCheck
	Panics       middleware.PanicObserver
	// Gatherer backs /metrics; the default registry when nil.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new Chi router with all routes and middleware configured
func NewRouter(deps Deps, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger, deps.Panics))
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	launchHandler := handlers.NewLaunchHandler(deps.Publisher, deps.Labeler, deps.Validator, logger)
	workloadHandler := handlers.NewWorkloadHandler(deps.Workloads, logger)
	cancelHandler := handlers.NewCancelHandler(deps.Pods, deps.CancelMarker, logger)
	healthHandler := handlers.NewHealthHandler(logger, deps.Readiness...)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/launch", launchHandler.Handle)
		r.Get("/workloads/{workload_id}", workloadHandler.Handle)
		r.Delete("/mutex/{mutex_key}", cancelHandler.Handle)

		r.Get("/health", healthHandler.HandleHealth)
		r.Get("/ready", healthHandler.HandleReady)

		r.Get("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	})

	return r
}
