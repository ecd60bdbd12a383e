package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/galenhealth/mortar/pkg/httputil"
	"github.com/galenhealth/mortar/pkg/rbac"
)

// Dashboard resolution states, in the order the console renders them
const (
	dashboardStateLoading         = "loading"
	dashboardStateUnauthenticated = "unauthenticated"
	dashboardStateError           = "error"
	dashboardStateIncomplete      = "incomplete"
	dashboardStateReady           = "ready"
)

// dashboardResponse is the GET /api/v1/dashboard payload
type dashboardResponse struct {
	State     string `json:"state"`
	Dashboard string `json:"dashboard,omitempty"`
	Message   string `json:"message,omitempty"`
	Hint      string `json:"hint,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
	Failures  int64  `json:"failures,omitempty"`
}

// dashboard handles GET /api/v1/dashboard: it maps the principal's
// session state to a destination view or to one of the waiting states
// the console renders while the session settles.
func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if !httputil.RequireNonEmpty(w, principal, PrincipalHeader+" header") {
		return
	}

	store, ok := s.manager.Lookup(principal)
	if !ok {
		s.loading.clear(principal)
		httputil.WriteJSON(w, http.StatusUnauthorized, dashboardResponse{
			State:   dashboardStateUnauthenticated,
			Message: "sign in to continue",
		})
		return
	}

	state := store.Snapshot()

	if state.Loading {
		elapsed := s.loading.observe(principal)
		failures := store.Failures(r.Context())
		httputil.WriteSuccess(w, dashboardResponse{
			State:     dashboardStateLoading,
			Message:   "signing you in",
			Hint:      loadingHint(elapsed, failures),
			ElapsedMS: elapsed.Milliseconds(),
			Failures:  failures,
		})
		return
	}
	s.loading.clear(principal)

	if !state.Authenticated {
		if state.LastError != "" {
			httputil.WriteJSON(w, http.StatusUnauthorized, dashboardResponse{
				State:   dashboardStateError,
				Message: state.LastError,
			})
			return
		}
		httputil.WriteJSON(w, http.StatusUnauthorized, dashboardResponse{
			State:   dashboardStateUnauthenticated,
			Message: "sign in to continue",
		})
		return
	}

	sess := state.Session
	dest, ok := sess.Dashboard()
	if !ok {
		message := "your account has no role profile, contact your administrator"
		if sess.Degraded {
			message = sess.DegradedReason + ", contact your administrator if this persists"
		}
		httputil.WriteSuccess(w, dashboardResponse{
			State:   dashboardStateIncomplete,
			Message: message,
		})
		return
	}

	// Custom roles carry their own designation; built-in roles go
	// through the configurable mapping so operators can reroute them.
	if sess.Profile.Role != rbac.RoleCustom && s.dashboards != nil {
		dest = s.dashboards.Resolve(sess.Profile.Role)
	}

	httputil.WriteSuccess(w, dashboardResponse{
		State:     dashboardStateReady,
		Dashboard: string(dest),
	})
}

// loadingHint escalates the waiting message as the wait drags on and
// the failure counter climbs.
func loadingHint(elapsed time.Duration, failures int64) string {
	switch {
	case failures >= 3:
		return "we are having trouble reaching the server, check your connection"
	case failures >= 1 || elapsed > 5*time.Second:
		return "this is taking longer than usual, hang on"
	default:
		return ""
	}
}

// loadingTracker remembers when each principal was first observed in
// the loading state so the console can show elapsed-time feedback.
type loadingTracker struct {
	mu    sync.Mutex
	since map[string]time.Time
	now   func() time.Time
}

func newLoadingTracker() *loadingTracker {
	return &loadingTracker{
		since: make(map[string]time.Time),
		now:   time.Now,
	}
}

// observe marks the principal as loading and returns how long it has
// been in that state.
func (t *loadingTracker) observe(principal string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	start, ok := t.since[principal]
	if !ok {
		t.since[principal] = now
		return 0
	}
	return now.Sub(start)
}

func (t *loadingTracker) clear(principal string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.since, principal)
}
