package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeAuthLogin        EventType = "auth.login"
	EventTypeAuthLoginFailed  EventType = "auth.login_failed"
	EventTypeAuthLogout       EventType = "auth.logout"
	EventTypeAuthForcedLogout EventType = "auth.forced_logout"
	EventTypeAuthProvision    EventType = "auth.provision"
	EventTypeAuthInactive     EventType = "auth.inactive_rejected"

	// Authorization events
	EventTypeAuthzAccessDenied EventType = "authz.access_denied"

	// Session lifecycle events
	EventTypeSessionDegraded EventType = "session.degraded"
	EventTypeSessionExpired  EventType = "session.external_signout"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event represents a single audit trail entry
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information
	PrincipalID string `json:"principal_id,omitempty"`
	Email       string `json:"email,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`

	// Request context
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Additional details
	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}

// SearchFilter represents filters for querying the audit trail
type SearchFilter struct {
	StartTime   *time.Time
	EndTime     *time.Time
	PrincipalID string
	EventTypes  []EventType
	Status      *EventStatus

	Limit  int
	Offset int
}
