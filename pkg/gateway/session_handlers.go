package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/galenhealth/mortar/pkg/audit"
	"github.com/galenhealth/mortar/pkg/httputil"
	"github.com/galenhealth/mortar/pkg/identity"
	"github.com/galenhealth/mortar/pkg/session"
)

// loginRequest is the POST /api/v1/session/login payload
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// login handles POST /api/v1/session/login
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if !httputil.RequireNonEmpty(w, principal, PrincipalHeader+" header") {
		return
	}

	rateKey := "ip:" + clientIP(r)
	if !s.limiter.Allow(rateKey) {
		s.recordAudit(r, &audit.Event{
			EventType:   audit.EventTypeAuthLoginFailed,
			Status:      audit.EventStatusFailure,
			PrincipalID: principal,
			Message:     "rate limited",
		})
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", s.limiter.config.WindowDuration.Seconds()))
		httputil.WriteTooManyRequests(w, "too many login attempts, try again later")
		return
	}

	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") || !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	store, err := s.manager.Acquire(r.Context(), principal)
	if err != nil {
		s.logger.WithError(err).Error("Store acquisition failed during login")
		httputil.WriteServiceUnavailable(w, "sign-in is unavailable, try again")
		return
	}

	// A freshly acquired store may still be running its startup
	// refresh; wait that out rather than bouncing the first login.
	err = store.Login(r.Context(), req.Email, req.Password)
	deadline := time.Now().Add(s.loginRetry)
	for errors.Is(err, session.ErrResolutionInFlight) && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
		err = store.Login(r.Context(), req.Email, req.Password)
	}
	if err != nil {
		s.loginError(w, r, principal, req.Email, err)
		return
	}

	state := store.Snapshot()
	if state.Session != nil && state.Session.Degraded {
		s.recordAudit(r, &audit.Event{
			EventType:   audit.EventTypeSessionDegraded,
			Status:      audit.EventStatusFailure,
			PrincipalID: principal,
			Email:       req.Email,
			Message:     state.Session.DegradedReason,
		})
	}
	s.recordAudit(r, &audit.Event{
		EventType:   audit.EventTypeAuthLogin,
		Status:      audit.EventStatusSuccess,
		PrincipalID: principal,
		Email:       req.Email,
		TenantID:    tenantID(state.Session),
	})

	httputil.WriteSuccess(w, state)
}

// loginError maps a failed login to its HTTP status and audit event
func (s *Server) loginError(w http.ResponseWriter, r *http.Request, principal, email string, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		s.recordAudit(r, &audit.Event{
			EventType:   audit.EventTypeAuthLoginFailed,
			Status:      audit.EventStatusFailure,
			PrincipalID: principal,
			Email:       email,
			Message:     "invalid credentials",
		})
		httputil.WriteUnauthorized(w, "invalid email or password")

	case errors.Is(err, session.ErrAccountInactive):
		s.recordAudit(r, &audit.Event{
			EventType:   audit.EventTypeAuthInactive,
			Status:      audit.EventStatusFailure,
			PrincipalID: principal,
			Email:       email,
			Message:     err.Error(),
		})
		httputil.WriteForbidden(w, err.Error())

	case errors.Is(err, session.ErrResolutionInFlight):
		httputil.WriteErrorMessage(w, http.StatusConflict, "sign-in already in progress")

	case errors.Is(err, session.ErrStoreDisposed):
		httputil.WriteErrorMessage(w, http.StatusConflict, "session is shutting down, retry")

	default:
		s.recordAudit(r, &audit.Event{
			EventType:   audit.EventTypeAuthLoginFailed,
			Status:      audit.EventStatusFailure,
			PrincipalID: principal,
			Email:       email,
			Message:     err.Error(),
		})
		s.logger.WithError(err).Warn("Login failed")
		httputil.WriteErrorMessage(w, http.StatusBadGateway, err.Error())
	}
}

// logout handles POST /api/v1/session/logout. Logging out without a
// live store is a no-op that still answers 204.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if !httputil.RequireNonEmpty(w, principal, PrincipalHeader+" header") {
		return
	}

	store, ok := s.manager.Lookup(principal)
	if !ok {
		httputil.WriteNoContent(w)
		return
	}

	err := store.Logout(r.Context())
	s.manager.Release(principal)

	if err != nil {
		// Local state is already cleared; the provider sign-out is the
		// only thing that failed.
		s.recordAudit(r, &audit.Event{
			EventType:   audit.EventTypeAuthLogout,
			Status:      audit.EventStatusFailure,
			PrincipalID: principal,
			Message:     err.Error(),
		})
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "signed out locally, provider sign-out failed")
		return
	}

	s.recordAudit(r, &audit.Event{
		EventType:   audit.EventTypeAuthLogout,
		Status:      audit.EventStatusSuccess,
		PrincipalID: principal,
	})
	httputil.WriteNoContent(w)
}

// forceLogout handles POST /api/v1/session/logout/force. It always
// answers 204; there is no failure the caller could act on.
func (s *Server) forceLogout(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if !httputil.RequireNonEmpty(w, principal, PrincipalHeader+" header") {
		return
	}

	store, ok := s.manager.Lookup(principal)
	if !ok {
		// Acquire so the cache entry gets cleared even when no store
		// survived a restart.
		acquired, err := s.manager.Acquire(r.Context(), principal)
		if err != nil {
			s.logger.WithError(err).Warn("Store acquisition failed during forced logout")
			httputil.WriteNoContent(w)
			return
		}
		store = acquired
	}

	store.ForceLogout(r.Context())
	s.manager.Release(principal)

	s.recordAudit(r, &audit.Event{
		EventType:   audit.EventTypeAuthForcedLogout,
		Status:      audit.EventStatusSuccess,
		PrincipalID: principal,
	})
	httputil.WriteNoContent(w)
}

// sessionState handles GET /api/v1/session, returning the published
// state snapshot for the principal.
func (s *Server) sessionState(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if !httputil.RequireNonEmpty(w, principal, PrincipalHeader+" header") {
		return
	}

	store, ok := s.manager.Lookup(principal)
	if !ok {
		httputil.WriteSuccess(w, session.State{})
		return
	}

	httputil.WriteSuccess(w, store.Snapshot())
}
