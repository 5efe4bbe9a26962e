package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"admission/pkg/audit"
	"admission/pkg/auth"
	"admission/pkg/engine"
	"admission/pkg/httpx"
	"admission/pkg/metrics"
	"admission/pkg/store"
	"admission/pkg/stream"
	"admission/pkg/telemetry"
)

const maxAdminBody = 1 << 16

var adminRoles = []string{"admin", "securityadmin", "platformengineer"}

type auditReader interface {
	Get(ctx context.Context, decisionID, tenant string) (audit.Record, error)
}

type Server struct {
	Engine  *engine.Engine
	Store   store.Store
	Metrics *metrics.Registry
	Events  *stream.Hub
	Audit   auditReader
	Log     *zap.Logger

	Decoder      *auth.Decoder
	AuthRequired bool
	AdminToken   string

	Peer     engine.PeerFunc
	Upstream http.Handler

	CORSAllowedOrigins string
	WSOrigins          []string
}

// Routes mounts health and metrics endpoints without authentication, the
// admin API behind RequireAdmin, and every other path through admission into
// the upstream.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
	})
	r.Get("/readyz", s.ready)
	r.Handle("/metrics", s.Metrics.PrometheusHandler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Decoder, s.AuthRequired))

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin(s.AdminToken, adminRoles...))
			r.Get("/lists/{list}", s.listMembers)
			r.Post("/lists/{list}", s.addMembers)
			r.Delete("/lists/{list}", s.removeMembers)
			r.Post("/bypass", s.issueBypass)
			r.Delete("/bypass/{token}", s.revokeBypass)
			r.Get("/breakers", s.listBreakers)
			r.Post("/breakers/reset", s.resetBreaker)
			r.Get("/slos", s.listBudgets)
			r.Put("/slos", s.saveSLOs)
			r.Get("/quotas", s.quotaUsage)
			r.Put("/quotas", s.setQuota)
			r.Post("/devices", s.updateDevice)
			r.Post("/classify", s.classify)
			r.Get("/audit/{decision_id}", s.getAudit)
			r.Get("/metrics", s.Metrics.Handler())
		})
		r.With(auth.RequireAdmin(s.AdminToken, adminRoles...)).Get("/v1/stream", s.streamEvents)

		r.With(s.Engine.Middleware(s.Peer)).Handle("/*", s.Upstream)
	})
	return r
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		s.Log.Warn("readiness check: store unavailable", zap.Error(err))
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": "unavailable"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready", "store": "ok"})
}
