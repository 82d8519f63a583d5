package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clearline-io/arbiter/internal/approval"
	"github.com/clearline-io/arbiter/internal/audit"
	"github.com/clearline-io/arbiter/internal/orchestrator"
	"github.com/clearline-io/arbiter/internal/otel"
	"github.com/clearline-io/arbiter/internal/policy"
)

const defaultTimeout = 60 * time.Second

// Server holds the HTTP API's dependencies.
type Server struct {
	router    *chi.Mux
	orch      *orchestrator.Orchestrator
	approvals *approval.Workflow
	trail     *audit.Trail
	policy    *policy.Policy
	apiKeys   map[string]string
	limiters  *Limiters
	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithRateLimiters sets the per-identity rate limiter.
func WithRateLimiters(l *Limiters) Option {
	return func(s *Server) { s.limiters = l }
}

// NewServer builds the API server. apiKeys maps API key -> caller identity.
func NewServer(orch *orchestrator.Orchestrator, approvals *approval.Workflow, trail *audit.Trail, pol *policy.Policy, apiKeys map[string]string, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		orch:      orch,
		approvals: approvals,
		trail:     trail,
		policy:    pol,
		apiKeys:   apiKeys,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.limiters))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/requests", s.handleSubmit)
		r.Get("/v1/requests/{id}", s.handleStatus)
		r.Post("/v1/requests/{id}/cancel", s.handleCancel)

		r.Get("/v1/approvals", s.handleApprovalsList)
		r.Post("/v1/approvals/{id}/approve", s.handleApprove)
		r.Post("/v1/approvals/{id}/deny", s.handleDeny)

		r.Get("/v1/audit", s.handleAuditList)
		r.Get("/v1/audit/verify", s.handleAuditVerify)
		r.Get("/v1/audit/export", s.handleAuditExport)
	})

	return r
}
