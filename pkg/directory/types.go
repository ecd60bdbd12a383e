package directory

import (
	"errors"
	"fmt"
	"time"

	"github.com/galenhealth/mortar/pkg/rbac"
)

// Account is the tenant-side record of a console principal, as stored
// by the pharmacy directory.
type Account struct {
	ID          string         `json:"id"`
	ExternalID  string         `json:"external_id"`
	Email       string         `json:"email"`
	DisplayName string         `json:"display_name"`
	TenantID    string         `json:"tenant_id"`
	Role        rbac.RoleName  `json:"role"`
	Dashboard   rbac.Dashboard `json:"dashboard"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ErrorKind classifies a directory failure. Callers branch on the kind
// exactly once, at the call site; everything below this package speaks
// SQL and everything above speaks kinds.
type ErrorKind string

const (
	// KindInactive means the account exists but has been deactivated.
	KindInactive ErrorKind = "inactive"

	// KindNotFound means no account exists for the principal.
	KindNotFound ErrorKind = "not_found"

	// KindProvisionFailed means automatic account creation was rejected.
	KindProvisionFailed ErrorKind = "provision_failed"

	// KindTransport covers connection and query failures.
	KindTransport ErrorKind = "transport"

	// KindUnknown covers responses this client does not understand.
	KindUnknown ErrorKind = "unknown"
)

// Error is a classified directory failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("directory: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("directory: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from an error chain. Errors that did not
// originate here report KindUnknown.
func KindOf(err error) ErrorKind {
	var dirErr *Error
	if errors.As(err, &dirErr) {
		return dirErr.Kind
	}
	return KindUnknown
}

// IsInactive reports whether err marks a deactivated account.
func IsInactive(err error) bool { return KindOf(err) == KindInactive }

// IsNotFound reports whether err marks a missing account.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsProvisionFailed reports whether err marks a rejected auto-provision.
func IsProvisionFailed(err error) bool { return KindOf(err) == KindProvisionFailed }
