package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/execgate/internal/db"
	"github.com/BrandonDHaskell/execgate/internal/execgate/store"
)

var ErrEmptySessionID = errors.New("session id is required")

type SessionStore struct {
	db     *sql.DB
	writer *dbpkg.Writer
}

func NewSessionStore(db *sql.DB, writer *dbpkg.Writer) *SessionStore {
	return &SessionStore{db: db, writer: writer}
}

func (s *SessionStore) RecordConnect(ctx context.Context, sessionID string, at time.Time) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrEmptySessionID
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	atMs := at.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO daemon_sessions(session_id, connected_at_ms)
VALUES (?, ?)
ON CONFLICT(session_id) DO UPDATE SET connected_at_ms = excluded.connected_at_ms;
`, sessionID, atMs); err != nil {
			return fmt.Errorf("RecordConnect: %w", err)
		}
		return nil
	})
}

func (s *SessionStore) RecordDisconnect(ctx context.Context, rec store.SessionRecord) error {
	sessionID := strings.TrimSpace(rec.SessionID)
	if sessionID == "" {
		return ErrEmptySessionID
	}
	if rec.DisconnectedAt.IsZero() {
		rec.DisconnectedAt = time.Now().UTC()
	}
	connectedMs := rec.ConnectedAt.UTC().UnixMilli()
	if rec.ConnectedAt.IsZero() {
		connectedMs = rec.DisconnectedAt.UTC().UnixMilli()
	}

	var reason any
	if r := strings.TrimSpace(rec.Reason); r != "" {
		reason = r
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureSession(ctx, tx, sessionID, connectedMs); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE daemon_sessions
SET disconnected_at_ms = ?,
    reason = ?,
    events_delivered = ?,
    verdicts_reported = ?
WHERE session_id = ?;
`, rec.DisconnectedAt.UTC().UnixMilli(), reason, rec.EventsDelivered, rec.VerdictsReported, sessionID); err != nil {
			return fmt.Errorf("RecordDisconnect: %w", err)
		}
		return nil
	})
}

// Get returns the stored record for sessionID.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (store.SessionRecord, error) {
	var (
		connectedMs    int64
		disconnectedMs sql.NullInt64
		reason         sql.NullString
		rec            = store.SessionRecord{SessionID: sessionID}
	)
	err := s.db.QueryRowContext(ctx, `
SELECT connected_at_ms, disconnected_at_ms, reason, events_delivered, verdicts_reported
FROM daemon_sessions WHERE session_id = ?;
`, sessionID).Scan(&connectedMs, &disconnectedMs, &reason, &rec.EventsDelivered, &rec.VerdictsReported)
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	rec.ConnectedAt = time.UnixMilli(connectedMs).UTC()
	if disconnectedMs.Valid {
		rec.DisconnectedAt = time.UnixMilli(disconnectedMs.Int64).UTC()
	}
	rec.Reason = reason.String
	return rec, nil
}
