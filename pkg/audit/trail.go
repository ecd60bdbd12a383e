package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Trail records session events to the database and answers queries
// over them. Recording is best-effort at the call sites: a failed
// audit write is logged by the caller, never turned into a user error.
type Trail struct {
	db *sql.DB
}

// NewTrail creates a database-backed audit trail
func NewTrail(db *sql.DB) (*Trail, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	trail := &Trail{db: db}
	if err := trail.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure session_audit table: %w", err)
	}
	return trail, nil
}

// ensureTable creates the session_audit table if it doesn't exist
func (t *Trail) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS session_audit (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		principal_id VARCHAR(255),
		email VARCHAR(255),
		tenant_id VARCHAR(255),
		ip_address VARCHAR(45),
		user_agent TEXT,
		request_id VARCHAR(100),
		message TEXT,
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_session_audit_timestamp ON session_audit(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_session_audit_event_type ON session_audit(event_type);
	CREATE INDEX IF NOT EXISTS idx_session_audit_principal ON session_audit(principal_id);
	`

	_, err := t.db.Exec(query)
	return err
}

// Record inserts one audit event. A zero timestamp is stamped now.
func (t *Trail) Record(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO session_audit (
			timestamp, event_type, status,
			principal_id, email, tenant_id,
			ip_address, user_agent, request_id,
			message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	err := t.db.QueryRowContext(ctx, query,
		event.Timestamp, event.EventType, event.Status,
		event.PrincipalID, event.Email, event.TenantID,
		event.IPAddress, event.UserAgent, event.RequestID,
		event.Message, metadataJSON,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// Search returns events matching the filter, newest first.
func (t *Trail) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	var (
		conditions []string
		args       []interface{}
	)

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.StartTime != nil {
		conditions = append(conditions, "timestamp >= "+arg(*filter.StartTime))
	}
	if filter.EndTime != nil {
		conditions = append(conditions, "timestamp <= "+arg(*filter.EndTime))
	}
	if filter.PrincipalID != "" {
		conditions = append(conditions, "principal_id = "+arg(filter.PrincipalID))
	}
	if filter.Status != nil {
		conditions = append(conditions, "status = "+arg(string(*filter.Status)))
	}
	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, 0, len(filter.EventTypes))
		for _, et := range filter.EventTypes {
			placeholders = append(placeholders, arg(string(et)))
		}
		conditions = append(conditions, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT id, timestamp, event_type, status, principal_id, email, tenant_id,
		ip_address, user_agent, request_id, message, metadata FROM session_audit`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Cleanup deletes events older than the retention window and reports
// how many rows went away.
func (t *Trail) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)

	result, err := t.db.ExecContext(ctx,
		`DELETE FROM session_audit WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return deleted, nil
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		event        Event
		principalID  sql.NullString
		email        sql.NullString
		tenantID     sql.NullString
		ipAddress    sql.NullString
		userAgent    sql.NullString
		requestID    sql.NullString
		message      sql.NullString
		metadataJSON []byte
	)

	err := rows.Scan(
		&event.ID, &event.Timestamp, &event.EventType, &event.Status,
		&principalID, &email, &tenantID,
		&ipAddress, &userAgent, &requestID,
		&message, &metadataJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}

	event.PrincipalID = principalID.String
	event.Email = email.String
	event.TenantID = tenantID.String
	event.IPAddress = ipAddress.String
	event.UserAgent = userAgent.String
	event.RequestID = requestID.String
	event.Message = message.String

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &event, nil
}
