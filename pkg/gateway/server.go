package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/galenhealth/mortar/pkg/audit"
	"github.com/galenhealth/mortar/pkg/config"
	"github.com/galenhealth/mortar/pkg/contextkeys"
	"github.com/galenhealth/mortar/pkg/httputil"
	"github.com/galenhealth/mortar/pkg/observability"
	"github.com/galenhealth/mortar/pkg/rbac"
	"github.com/galenhealth/mortar/pkg/session"
)

// maxRequestBody bounds request bodies; session endpoints carry small
// JSON payloads only.
const maxRequestBody = 64 * 1024

// defaultLoginRetry bounds how long login waits out a resolution that
// is already holding the store's re-entrancy guard, such as the
// refresh a store kicks off on first use.
const defaultLoginRetry = 2 * time.Second

// Server is the HTTP gateway the console talks to: session lifecycle
// endpoints, dashboard routing, and permission-guarded resources.
type Server struct {
	manager    *session.Manager
	dashboards *config.DashboardMapping
	trail      *audit.Trail
	limiter    *LoginLimiter
	loading    *loadingTracker
	logger     *observability.Logger
	metrics    *observability.Metrics
	router     *mux.Router

	loginRetry time.Duration
}

// NewServer creates the gateway over its collaborators. A nil trail
// disables audit recording; everything else is required.
func NewServer(manager *session.Manager, dashboards *config.DashboardMapping, trail *audit.Trail, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		manager:    manager,
		dashboards: dashboards,
		trail:      trail,
		limiter:    NewLoginLimiter(nil),
		loading:    newLoadingTracker(),
		logger:     logger.WithComponent("gateway"),
		metrics:    metrics,
		router:     mux.NewRouter(),
		loginRetry: defaultLoginRetry,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all the gateway routes
func (s *Server) setupRoutes() {
	// Session lifecycle routes
	s.handle("/api/v1/session/login", s.login, "POST")
	s.handle("/api/v1/session/logout", s.logout, "POST")
	s.handle("/api/v1/session/logout/force", s.forceLogout, "POST")
	s.handle("/api/v1/session", s.sessionState, "GET")

	// Dashboard routing
	s.handle("/api/v1/dashboard", s.dashboard, "GET")

	// Audit trail, restricted to user administrators
	auditSearch := s.RequirePermission(rbac.ModuleUsers, rbac.ActionRead, rbac.LevelAll)(
		http.HandlerFunc(s.searchAuditEvents))
	s.router.Handle("/api/v1/audit/events",
		s.metrics.InstrumentHandler("/api/v1/audit/events", auditSearch)).Methods("GET")
}

// handle registers an instrumented route
func (s *Server) handle(path string, h http.HandlerFunc, method string) {
	s.router.Handle(path, s.metrics.InstrumentHandler(path, h)).Methods(method)
}

// Handler returns the gateway wrapped in the full middleware chain.
func (s *Server) Handler() http.Handler {
	return httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
		httputil.MaxBytesMiddleware(maxRequestBody),
		s.SessionMiddleware,
	)(s.router)
}

// ServeHTTP implements http.Handler over the bare router. Production
// wiring should use Handler instead to get the middleware chain.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// recordAudit writes an event to the audit trail, filling request
// context fields. Recording failures are logged and swallowed; audit
// must never fail a request.
func (s *Server) recordAudit(r *http.Request, event *audit.Event) {
	if s.trail == nil {
		return
	}

	event.IPAddress = clientIP(r)
	event.UserAgent = r.UserAgent()
	event.RequestID = contextkeys.GetRequestID(r.Context())

	if err := s.trail.Record(r.Context(), event); err != nil {
		s.logger.WithError(err).WithField("event_type", string(event.EventType)).
			Warn("Audit record failed")
	}
}
