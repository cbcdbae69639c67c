package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/user/portal-ingest/internal/delivery/http/handler"
	"github.com/user/portal-ingest/internal/delivery/http/middleware"
)

func New(h *handler.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HandleHealthCheck)
		r.Get("/stats", h.HandleStats)
		r.Get("/jobs", h.HandleJobs)
		r.Post("/reset", h.HandleReset)
		r.Route("/files", func(r chi.Router) {
			r.Get("/", h.HandleListFiles)
			r.Get("/{id}", h.HandleGetFile)
			r.Post("/{id}/requeue", h.HandleRequeue)
		})
	})

	return r
}
