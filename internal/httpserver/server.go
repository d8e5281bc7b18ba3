// Package httpserver exposes the process's HTTP surface: the Keycloak
// webhook ingress, the administrative reconcile/query API, and the
// operational health and metrics endpoints.
package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scramsync/kcsync/internal/adminauth"
	"github.com/scramsync/kcsync/internal/reconcile"
	"github.com/scramsync/kcsync/internal/store"
	"github.com/scramsync/kcsync/internal/webhook"
)

// Server holds the HTTP server dependencies.
type Server struct {
	Router *chi.Mux

	logger    *slog.Logger
	store     *store.Store
	orch      *reconcile.Orchestrator
	pipeline  *webhook.Pipeline
	startedAt time.Time
}

// NewServer wires up the full HTTP surface. apiKeys/oidcAuth may be
// empty/nil, in which case every admin-surface request is rejected.
func NewServer(
	logger *slog.Logger,
	st *store.Store,
	orch *reconcile.Orchestrator,
	pipeline *webhook.Pipeline,
	metricsReg *prometheus.Registry,
	corsOrigins []string,
	apiKeys []string,
	oidcAuth *adminauth.OIDCAuthenticator,
) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		logger:    logger,
		store:     st,
		orch:      orch,
		pipeline:  pipeline,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID", "X-Keycloak-Signature"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/health", s.handleHealthz)
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	// Webhook ingress authenticates via HMAC signature, not adminauth — it
	// must never block on the admin credential path.
	s.Router.Post("/api/kc/events", s.handleWebhookEvent)

	s.Router.Route("/api", func(r chi.Router) {
		r.Use(adminauth.Middleware(apiKeys, oidcAuth))

		r.Post("/reconcile/trigger", s.handleReconcileTrigger)
		r.Get("/reconcile/status", s.handleReconcileStatus)
		r.Get("/summary", s.handleSummary)
		r.Get("/operations", s.handleListOperations)
		r.Get("/batches", s.handleListBatches)
		r.Get("/config/retention", s.handleGetRetention)
		r.Put("/config/retention", s.handlePutRetention)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.store.DBSizeBytes(); err != nil {
		s.logger.Error("readiness check: store unavailable", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "store not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
