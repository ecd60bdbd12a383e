package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/galenhealth/mortar/pkg/audit"
	"github.com/galenhealth/mortar/pkg/httputil"
)

// searchAuditEvents handles GET /api/v1/audit/events. The route is
// gated on users:read:all, so only administrators reach it.
func (s *Server) searchAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		httputil.WriteServiceUnavailable(w, "audit trail is not configured")
		return
	}

	filter, err := auditFilterFrom(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := s.trail.Search(r.Context(), filter)
	if err != nil {
		s.logger.WithError(err).Error("Audit search failed")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// auditFilterFrom builds a search filter from query parameters
func auditFilterFrom(r *http.Request) (audit.SearchFilter, error) {
	filter := audit.SearchFilter{
		PrincipalID: httputil.ParseQueryString(r, "principal_id", ""),
	}

	for _, raw := range r.URL.Query()["event_type"] {
		filter.EventTypes = append(filter.EventTypes, audit.EventType(raw))
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := audit.EventStatus(raw)
		filter.Status = &status
	}

	if raw := r.URL.Query().Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.StartTime = &t
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.EndTime = &t
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return filter, err
		}
		filter.Limit = n
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return filter, err
		}
		filter.Offset = n
	}

	return filter, nil
}
