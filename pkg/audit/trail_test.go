package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// setupSqliteTrail backs a Trail with an in-memory database using a
// schema equivalent to the production one, for behavioral tests.
func setupSqliteTrail(t *testing.T) *Trail {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE session_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			principal_id TEXT,
			email TEXT,
			tenant_id TEXT,
			ip_address TEXT,
			user_agent TEXT,
			request_id TEXT,
			message TEXT,
			metadata TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`)
	require.NoError(t, err)

	return &Trail{db: db}
}

func TestNewTrail(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS session_audit").
			WillReturnResult(sqlmock.NewResult(0, 0))

		trail, err := NewTrail(db)
		require.NoError(t, err)
		assert.NotNil(t, trail)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil database", func(t *testing.T) {
		trail, err := NewTrail(nil)
		assert.Error(t, err)
		assert.Nil(t, trail)
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS session_audit").
			WillReturnError(errors.New("permission denied"))

		_, err := NewTrail(db)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to ensure session_audit table")
	})
}

func TestTrailRecord(t *testing.T) {
	t.Run("stamps missing timestamp and assigns id", func(t *testing.T) {
		trail := setupSqliteTrail(t)

		event := &Event{
			EventType:   EventTypeAuthLogin,
			Status:      EventStatusSuccess,
			PrincipalID: "ext-ana",
			Email:       "ana@botica.example",
			Metadata:    map[string]interface{}{"role": "pharmacist"},
		}

		require.NoError(t, trail.Record(context.Background(), event))
		assert.NotZero(t, event.ID)
		assert.False(t, event.Timestamp.IsZero())
	})

	t.Run("insert failure surfaces", func(t *testing.T) {
		db, mock := setupMockDB(t)
		trail := &Trail{db: db}

		mock.ExpectQuery("INSERT INTO session_audit").
			WillReturnError(errors.New("connection lost"))

		err := trail.Record(context.Background(), &Event{
			EventType: EventTypeAuthLogout,
			Status:    EventStatusSuccess,
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert audit event")
	})
}

func TestTrailSearch(t *testing.T) {
	trail := setupSqliteTrail(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seed := []*Event{
		{Timestamp: base, EventType: EventTypeAuthLogin, Status: EventStatusSuccess, PrincipalID: "ext-ana"},
		{Timestamp: base.Add(time.Minute), EventType: EventTypeAuthLoginFailed, Status: EventStatusFailure, PrincipalID: "ext-ana"},
		{Timestamp: base.Add(2 * time.Minute), EventType: EventTypeAuthLogin, Status: EventStatusSuccess, PrincipalID: "ext-bob"},
		{Timestamp: base.Add(3 * time.Minute), EventType: EventTypeAuthzAccessDenied, Status: EventStatusDenied, PrincipalID: "ext-bob"},
	}
	for _, e := range seed {
		require.NoError(t, trail.Record(ctx, e))
	}

	t.Run("by principal", func(t *testing.T) {
		events, err := trail.Search(ctx, SearchFilter{PrincipalID: "ext-ana"})
		require.NoError(t, err)
		require.Len(t, events, 2)
		// Newest first
		assert.Equal(t, EventTypeAuthLoginFailed, events[0].EventType)
	})

	t.Run("by event types", func(t *testing.T) {
		events, err := trail.Search(ctx, SearchFilter{
			EventTypes: []EventType{EventTypeAuthzAccessDenied},
		})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "ext-bob", events[0].PrincipalID)
	})

	t.Run("by status", func(t *testing.T) {
		failure := EventStatusFailure
		events, err := trail.Search(ctx, SearchFilter{Status: &failure})
		require.NoError(t, err)
		require.Len(t, events, 1)
	})

	t.Run("by time window", func(t *testing.T) {
		start := base.Add(90 * time.Second)
		events, err := trail.Search(ctx, SearchFilter{StartTime: &start})
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("limit and offset", func(t *testing.T) {
		events, err := trail.Search(ctx, SearchFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, events, 2)

		page2, err := trail.Search(ctx, SearchFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, page2, 2)
		assert.NotEqual(t, events[0].ID, page2[0].ID)
	})
}

func TestTrailCleanup(t *testing.T) {
	trail := setupSqliteTrail(t)
	ctx := context.Background()

	old := &Event{
		Timestamp: time.Now().UTC().Add(-100 * 24 * time.Hour),
		EventType: EventTypeAuthLogin,
		Status:    EventStatusSuccess,
	}
	fresh := &Event{
		Timestamp: time.Now().UTC(),
		EventType: EventTypeAuthLogin,
		Status:    EventStatusSuccess,
	}
	require.NoError(t, trail.Record(ctx, old))
	require.NoError(t, trail.Record(ctx, fresh))

	deleted, err := trail.Cleanup(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := trail.Search(ctx, SearchFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.ID, remaining[0].ID)
}

func TestEventJSONRoundTrip(t *testing.T) {
	event := &Event{
		ID:          7,
		Timestamp:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		EventType:   EventTypeSessionDegraded,
		Status:      EventStatusFailure,
		PrincipalID: "ext-ana",
		Message:     "permission fetch failed",
	}

	data, err := event.ToJSON()
	require.NoError(t, err)

	parsed, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, event.EventType, parsed.EventType)
	assert.Equal(t, event.PrincipalID, parsed.PrincipalID)
}
