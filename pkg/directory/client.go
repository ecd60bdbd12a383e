package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/galenhealth/mortar/pkg/observability"
	"github.com/galenhealth/mortar/pkg/rbac"
)

// Row statuses returned by the directory's stored procedures.
const (
	statusOK       = "ok"
	statusNotFound = "not_found"
	statusInactive = "inactive"
)

// Client calls the pharmacy directory's stored procedures. All account
// state lives in the directory; this client only decodes it.
type Client struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewClient creates a directory client over an open connection pool.
func NewClient(db *sql.DB, logger *observability.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		db:      db,
		logger:  logger.WithComponent("directory"),
		metrics: metrics,
	}
}

// GetLoggedUserData looks up the account bound to an identity-provider
// subject. Missing and deactivated accounts come back as classified
// errors, not as rows the caller has to inspect.
func (c *Client) GetLoggedUserData(ctx context.Context, externalID string) (*Account, error) {
	const op = "get_logged_user_data"
	defer c.observe(op, time.Now())

	row := c.db.QueryRowContext(ctx,
		`SELECT status, id, email, display_name, tenant_id, role, dashboard, active, created_at
		 FROM get_logged_user_data($1)`, externalID)

	account, status, err := c.scanAccount(row, externalID)
	if err != nil {
		return nil, c.fail(op, KindTransport, err)
	}

	switch status {
	case statusOK:
		c.ok(op)
		return account, nil
	case statusNotFound:
		return nil, c.fail(op, KindNotFound, nil)
	case statusInactive:
		return nil, c.fail(op, KindInactive, nil)
	default:
		return nil, c.fail(op, KindUnknown, fmt.Errorf("unexpected status %q", status))
	}
}

// CreateUserAuto provisions an account for a first-time principal. The
// directory applies its own defaults for role and dashboard.
func (c *Client) CreateUserAuto(ctx context.Context, email, displayName, externalID string) (*Account, error) {
	const op = "create_user_auto"
	defer c.observe(op, time.Now())

	row := c.db.QueryRowContext(ctx,
		`SELECT status, id, email, display_name, tenant_id, role, dashboard, active, created_at
		 FROM create_user_auto($1, $2, $3)`, email, displayName, externalID)

	account, status, err := c.scanAccount(row, externalID)
	if err != nil {
		return nil, c.fail(op, KindProvisionFailed, err)
	}
	if status != statusOK {
		return nil, c.fail(op, KindProvisionFailed, fmt.Errorf("status %q", status))
	}

	c.logger.WithFields(map[string]interface{}{
		"account_id":  account.ID,
		"external_id": externalID,
	}).Info("Auto-provisioned directory account")

	c.ok(op)
	return account, nil
}

// GetUserPermissions fetches the grant records for an account. An
// account with no grants yields an empty, non-nil slice.
func (c *Client) GetUserPermissions(ctx context.Context, accountID string) ([]rbac.Grant, error) {
	const op = "get_user_permissions"
	defer c.observe(op, time.Now())

	rows, err := c.db.QueryContext(ctx,
		`SELECT module, action, access_level, allowed, granted_at
		 FROM get_user_permissions($1)`, accountID)
	if err != nil {
		return nil, c.fail(op, KindTransport, err)
	}
	defer rows.Close()

	grants := make([]rbac.Grant, 0, 16)
	for rows.Next() {
		var g rbac.Grant
		if err := rows.Scan(&g.Module, &g.Action, &g.Level, &g.Allowed, &g.GrantedAt); err != nil {
			return nil, c.fail(op, KindTransport, err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, c.fail(op, KindTransport, err)
	}

	c.ok(op)
	return grants, nil
}

// UpdateLastAccess records that the principal touched the console. The
// session layer calls this fire-and-forget; failures are the caller's
// to drop, not this client's to hide.
func (c *Client) UpdateLastAccess(ctx context.Context, accountID string) error {
	const op = "update_last_access"
	defer c.observe(op, time.Now())

	if _, err := c.db.ExecContext(ctx, `SELECT update_last_access($1)`, accountID); err != nil {
		return c.fail(op, KindTransport, err)
	}
	c.ok(op)
	return nil
}

// Ping verifies directory connectivity for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// scanAccount decodes one stored-procedure row. Columns other than
// status are NULL for non-ok rows, hence the Null* intermediaries.
func (c *Client) scanAccount(row *sql.Row, externalID string) (*Account, string, error) {
	var (
		status      string
		id          sql.NullString
		email       sql.NullString
		displayName sql.NullString
		tenantID    sql.NullString
		role        sql.NullString
		dashboard   sql.NullString
		active      sql.NullBool
		createdAt   sql.NullTime
	)

	if err := row.Scan(&status, &id, &email, &displayName, &tenantID, &role, &dashboard, &active, &createdAt); err != nil {
		return nil, "", err
	}
	if status != statusOK {
		return nil, status, nil
	}

	return &Account{
		ID:          id.String,
		ExternalID:  externalID,
		Email:       email.String,
		DisplayName: displayName.String,
		TenantID:    tenantID.String,
		Role:        rbac.RoleName(role.String),
		Dashboard:   rbac.Dashboard(dashboard.String),
		Active:      active.Bool,
		CreatedAt:   createdAt.Time,
	}, status, nil
}

func (c *Client) ok(op string) {
	c.metrics.DirectoryCallsTotal.WithLabelValues(op, "ok").Inc()
}

func (c *Client) fail(op string, kind ErrorKind, err error) *Error {
	c.metrics.DirectoryCallsTotal.WithLabelValues(op, string(kind)).Inc()
	if kind == KindTransport || kind == KindUnknown {
		c.logger.WithError(err).WithField("operation", op).Error("Directory call failed")
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (c *Client) observe(op string, start time.Time) {
	c.metrics.DirectoryCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
