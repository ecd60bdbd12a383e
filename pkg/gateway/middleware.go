package gateway

import (
	"context"
	"net/http"

	"github.com/galenhealth/mortar/pkg/audit"
	"github.com/galenhealth/mortar/pkg/contextkeys"
	"github.com/galenhealth/mortar/pkg/httputil"
	"github.com/galenhealth/mortar/pkg/rbac"
	"github.com/galenhealth/mortar/pkg/session"
)

// PrincipalHeader carries the console's principal identifier. The
// console sets it on every call once it knows who is signing in; the
// gateway keys per-principal session stores by it.
const PrincipalHeader = "X-Mortar-Principal"

// principalFrom extracts the principal identifier from the request
func principalFrom(r *http.Request) string {
	return r.Header.Get(PrincipalHeader)
}

// SessionMiddleware looks up the caller's session store and, when the
// published state carries an authenticated session, attaches it to the
// request context. It never rejects: downstream guards decide whether
// an absent session matters.
func (s *Server) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := principalFrom(r)
		if principal == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := contextkeys.WithUserID(r.Context(), principal)

		if store, ok := s.manager.Lookup(principal); ok {
			if state := store.Snapshot(); state.Authenticated && state.Session != nil {
				ctx = contextkeys.WithSession(ctx, state.Session)
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionFromContext returns the authenticated session attached by
// SessionMiddleware, or nil.
func SessionFromContext(ctx context.Context) *session.Session {
	if sess, ok := ctx.Value(contextkeys.SessionKey).(*session.Session); ok {
		return sess
	}
	return nil
}

// RequirePermission gates a handler on the session permission
// evaluator: 401 without an authenticated session, 403 when the grant
// set denies the request. Denials land in the audit trail.
func (s *Server) RequirePermission(module rbac.Module, action rbac.Action, level rbac.AccessLevel) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := SessionFromContext(r.Context())
			if sess == nil {
				httputil.WriteUnauthorized(w, "sign in to continue")
				return
			}

			if !sess.HasPermission(module, action, level) {
				s.recordAudit(r, &audit.Event{
					EventType:   audit.EventTypeAuthzAccessDenied,
					Status:      audit.EventStatusDenied,
					PrincipalID: sess.User.ExternalID,
					Email:       sess.User.Email,
					TenantID:    tenantID(sess),
					Message:     "permission denied",
					Metadata: map[string]interface{}{
						"module": string(module),
						"action": string(action),
						"level":  string(level),
						"path":   r.URL.Path,
					},
				})
				httputil.WriteForbidden(w, "you do not have access to this resource")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func tenantID(sess *session.Session) string {
	if sess == nil || sess.Tenant == nil {
		return ""
	}
	return sess.Tenant.ID
}
