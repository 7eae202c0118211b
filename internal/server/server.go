package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/orbist/conductor/internal/genmedia"
	"github.com/orbist/conductor/internal/insight"
	"github.com/orbist/conductor/internal/ledger"
	"github.com/orbist/conductor/internal/manifest"
	"github.com/orbist/conductor/internal/otel"
	"github.com/orbist/conductor/internal/pipeline"
	"github.com/orbist/conductor/internal/secrets"
	"github.com/orbist/conductor/internal/tenant"
	"github.com/orbist/conductor/internal/trigger"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router        *chi.Mux
	runner        *pipeline.Runner
	agents        *manifest.Registry
	ledgerStore   *ledger.Store
	insights      *insight.Store
	media         *genmedia.Chain
	vault         *secrets.Vault
	tenantManager *tenant.Manager
	webhooks      *trigger.WebhookHandler
	apiKeys       map[string]string
	corsOrigins   []string
	startTime     time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithMediaChain enables the media generation endpoint.
func WithMediaChain(c *genmedia.Chain) Option {
	return func(s *Server) { s.media = c }
}

// WithVault enables the secrets metadata and audit endpoints.
func WithVault(v *secrets.Vault) Option {
	return func(s *Server) { s.vault = v }
}

// WithTenantManager sets the tenant manager for rate limiting and budgets.
func WithTenantManager(tm *tenant.Manager) Option {
	return func(s *Server) { s.tenantManager = tm }
}

// WithWebhookHandler mounts inbound webhook triggers.
func WithWebhookHandler(wh *trigger.WebhookHandler) Option {
	return func(s *Server) { s.webhooks = wh }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server with the required dependencies and optional
// Option(s). apiKeys maps API key -> tenant id.
func NewServer(
	runner *pipeline.Runner,
	agents *manifest.Registry,
	ledgerStore *ledger.Store,
	insights *insight.Store,
	apiKeys map[string]string,
	opts ...Option,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		runner:      runner,
		agents:      agents,
		ledgerStore: ledgerStore,
		insights:    insights,
		apiKeys:     apiKeys,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler. The run and media routes are
// registered without the default request timeout so their own deadlines
// take effect.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())
	r.Use(CORSMiddleware(s.corsOrigins))
	r.Use(CorrelationMiddleware())

	// Unauthenticated
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Webhooks (no auth; signature validation can be added later)
	if s.webhooks != nil {
		r.Post("/v1/hooks/{agent}/{name}", s.webhooks.HandleWebhook)
	}

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.tenantManager))

		// Long-running: no request timeout so the pipeline deadline applies
		r.Post("/v1/runs", s.handleRun)
		r.Post("/v1/media/generations", s.handleMediaGenerate)

		// Short routes: 60s request timeout
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))
			r.Get("/v1/agents", s.handleAgentsList)
			r.Get("/v1/agents/{id}", s.handleAgentGet)

			r.Get("/v1/insights", s.handleInsightsList)

			r.Get("/v1/audit/monitoring", s.handleAuditMonitoring)
			r.Get("/v1/audit/safety", s.handleAuditSafety)

			r.Get("/v1/secrets", s.handleSecretsList)
			r.Get("/v1/secrets/audit", s.handleSecretsAudit)
		})
	})

	return r
}
