// Package api is the REST surface: stateless handlers over the connection
// manager, the discovery engine, the analytics service, and the store, with
// bearer-token authentication and organization scoping on every route.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/skylight-sec/skylight/internal/analytics"
	"github.com/skylight-sec/skylight/internal/auth"
	"github.com/skylight-sec/skylight/internal/baseline"
	"github.com/skylight-sec/skylight/internal/config"
	"github.com/skylight-sec/skylight/internal/connections"
	"github.com/skylight-sec/skylight/internal/discovery"
	"github.com/skylight-sec/skylight/internal/store"
)

// Server wires the HTTP surface together.
type Server struct {
	cfg         *config.Config
	verifier    *auth.Verifier
	store       *store.Store
	connections *connections.Manager
	engine      *discovery.Engine
	analytics   *analytics.Service
	baseline    *baseline.Module
	wsHandler   http.Handler
	version     string

	httpServer *http.Server
}

// NewServer builds the server; Router or Start expose it.
func NewServer(
	cfg *config.Config,
	verifier *auth.Verifier,
	st *store.Store,
	conns *connections.Manager,
	engine *discovery.Engine,
	svc *analytics.Service,
	bl *baseline.Module,
	wsHandler http.Handler,
	version string,
) *Server {
	return &Server{
		cfg:         cfg,
		verifier:    verifier,
		store:       st,
		connections: conns,
		engine:      engine,
		analytics:   svc,
		baseline:    bl,
		wsHandler:   wsHandler,
		version:     version,
	}
}

// Router assembles all routes and middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(instrument)

	// Unauthenticated surface: health, metrics, the OAuth callback (the
	// platform redirects the browser here; the state token is the binding),
	// and the websocket endpoint (authenticates in-band).
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/api/auth/callback/{platform}", s.handleOAuthCallback).Methods(http.MethodGet)
	if s.wsHandler != nil {
		r.Handle("/api/ws", s.wsHandler).Methods(http.MethodGet)
	}

	authed := r.PathPrefix("/api").Subrouter()
	authed.Use(s.authenticate)

	authed.HandleFunc("/connections", s.handleListConnections).Methods(http.MethodGet)
	authed.HandleFunc("/connections/{id}", s.handleDisconnect).Methods(http.MethodDelete)
	authed.HandleFunc("/auth/oauth/{platform}/authorize", s.handleOAuthAuthorize).Methods(http.MethodPost)

	authed.HandleFunc("/discovery/runs/{run_id}", s.handleGetRun).Methods(http.MethodGet)
	authed.HandleFunc("/discovery/runs/{run_id}/cancel", s.handleCancelRun).Methods(http.MethodPost)
	authed.HandleFunc("/discovery/{connection_id}", s.handleTriggerRun).Methods(http.MethodPost)

	authed.HandleFunc("/automations", s.handleListAutomations).Methods(http.MethodGet)
	authed.HandleFunc("/automations/{id}", s.handleGetAutomation).Methods(http.MethodGet)
	authed.HandleFunc("/automations/{id}/vendor", s.handleOverrideVendor).Methods(http.MethodPatch)

	authed.HandleFunc("/chains", s.handleListChains).Methods(http.MethodGet)
	authed.HandleFunc("/feedback", s.handleCreateFeedback).Methods(http.MethodPost)
	authed.HandleFunc("/feedback", s.handleListFeedback).Methods(http.MethodGet)
	authed.HandleFunc("/audit", s.handleListAudit).Methods(http.MethodGet)

	authed.HandleFunc("/analytics/risk-trends", s.handleRiskTrends).Methods(http.MethodGet)
	authed.HandleFunc("/analytics/platform-distribution", s.handlePlatformDistribution).Methods(http.MethodGet)
	authed.HandleFunc("/analytics/automation-growth", s.handleAutomationGrowth).Methods(http.MethodGet)
	authed.HandleFunc("/analytics/top-risks", s.handleTopRisks).Methods(http.MethodGet)
	authed.HandleFunc("/analytics/summary", s.handleSummary).Methods(http.MethodGet)
	authed.HandleFunc("/analytics/heatmap", s.handleHeatmap).Methods(http.MethodGet)
	authed.HandleFunc("/analytics/type-distribution", s.handleTypeDistribution).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("api server listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}
