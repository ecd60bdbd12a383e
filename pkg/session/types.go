package session

import (
	"time"

	"github.com/galenhealth/mortar/pkg/rbac"
)

// DefaultTTL bounds how long a cached session is honored.
const DefaultTTL = 5 * time.Minute

// User is the console principal as the directory knows it, joined with
// the identity provider's subject id.
type User struct {
	ID          string     `json:"id"`
	ExternalID  string     `json:"external_id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Phone       string     `json:"phone,omitempty"`
	Active      bool       `json:"active"`
	LastAccess  *time.Time `json:"last_access,omitempty"`
}

// Tenant is the pharmacy context a session operates in.
type Tenant struct {
	ID             string   `json:"id"`
	ActiveLocation string   `json:"active_location,omitempty"`
	Locations      []string `json:"locations,omitempty"`
}

// Session is the assembled authorization view of one signed-in
// principal. It is either fully absent or fully populated; Degraded is
// the only sanctioned partial state, marking a session whose grant
// fetch failed and which therefore denies everything non-owner.
type Session struct {
	User    User          `json:"user"`
	Profile *rbac.Profile `json:"profile,omitempty"`
	Grants  []rbac.Grant  `json:"grants"`
	Tenant  *Tenant       `json:"tenant,omitempty"`

	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// HasPermission evaluates a permission request against this session.
// Owners bypass the grant set entirely; everyone else goes through the
// pure evaluator. The override lives here and only here.
func (s *Session) HasPermission(module rbac.Module, action rbac.Action, level rbac.AccessLevel) bool {
	if s == nil {
		return false
	}
	if s.Profile.IsOwner() {
		return true
	}
	return rbac.HasPermission(s.Grants, module, action, level)
}

// Dashboard returns the destination view for this session's role,
// falling back to the profile's own designation for custom roles. A
// session with no profile has no dashboard; callers treat that as
// structurally incomplete.
func (s *Session) Dashboard() (rbac.Dashboard, bool) {
	if s == nil || s.Profile == nil {
		return "", false
	}
	if s.Profile.Role == rbac.RoleCustom && s.Profile.Dashboard != "" {
		return s.Profile.Dashboard, true
	}
	if d, ok := rbac.DefaultDashboards()[s.Profile.Role]; ok {
		return d, true
	}
	if s.Profile.Dashboard != "" {
		return s.Profile.Dashboard, true
	}
	return rbac.DashboardDefault, true
}

// cacheEntry is the serialized cache payload. WrittenAt is epoch
// milliseconds; both tiers share this shape.
type cacheEntry struct {
	Session   *Session `json:"session"`
	WrittenAt int64    `json:"written_at"`
	Valid     bool     `json:"valid"`
}

func (e *cacheEntry) expired(now time.Time, ttl time.Duration) bool {
	age := now.Sub(time.UnixMilli(e.WrittenAt))
	return age >= ttl || age < 0
}
