package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	dbpkg "github.com/BrandonDHaskell/execgate/internal/db"
	"github.com/BrandonDHaskell/execgate/internal/execgate/store"
	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
)

// processEncoding writes ProcessMetadata blobs deterministically so equal
// metadata always yields equal bytes.
var processEncoding = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sqlite: CBOR encoder initialization failed: " + err.Error())
	}
	return em
}()

// processDecoding accepts paths that are not valid UTF-8; Linux paths are
// arbitrary bytes and the encoder writes them unchanged.
var processDecoding = func() cbor.DecMode {
	dm, err := cbor.DecOptions{UTF8: cbor.UTF8DecodeInvalid}.DecMode()
	if err != nil {
		panic("sqlite: CBOR decoder initialization failed: " + err.Error())
	}
	return dm
}()

type DecisionEventStore struct {
	db     *sql.DB
	writer *dbpkg.Writer
}

func NewDecisionEventStore(db *sql.DB, writer *dbpkg.Writer) *DecisionEventStore {
	return &DecisionEventStore{db: db, writer: writer}
}

func (s *DecisionEventStore) RecordEvent(ctx context.Context, rec store.DecisionEventRecord) error {
	if !rec.Verdict.Valid() {
		return fmt.Errorf("RecordEvent: invalid verdict %d", rec.Verdict)
	}
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now().UTC()
	}
	decidedMs := rec.DecidedAt.UTC().UnixMilli()

	var sessionID any
	if rec.SessionID != "" {
		sessionID = rec.SessionID
	}

	// Daemon reports carry no process; leave those columns NULL.
	var pid, uid, path, blob any
	if rec.Process != (types.ProcessMetadata{}) {
		pid = rec.Process.PID
		uid = rec.Process.UID
		if rec.Process.Path != "" {
			path = rec.Process.Path
		}
		b, err := processEncoding.Marshal(rec.Process)
		if err != nil {
			return fmt.Errorf("RecordEvent encode process: %w", err)
		}
		blob = b
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO decision_events(
  file_id, session_id, verdict, source, pid, uid, path, process, wait_us, decided_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			int64(rec.FileID), sessionID, rec.Verdict.String(), string(rec.Source),
			pid, uid, path, blob, rec.Wait.Microseconds(), decidedMs,
		); err != nil {
			return fmt.Errorf("RecordEvent insert: %w", err)
		}
		return nil
	})
}

// PruneOlderThan deletes decision rows decided before cutoff and returns
// the number removed. Uses idx_decision_events_time.
func (s *DecisionEventStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM decision_events
WHERE decided_at_ms < ?;
`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PruneOlderThan: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// RecentForFile returns up to limit of the newest records for id, newest
// first.
func (s *DecisionEventStore) RecentForFile(ctx context.Context, id types.FileIdentity, limit int) ([]store.DecisionEventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, verdict, source, process, wait_us, decided_at_ms
FROM decision_events
WHERE file_id = ?
ORDER BY decided_at_ms DESC, event_id DESC
LIMIT ?;
`, int64(id), limit)
	if err != nil {
		return nil, fmt.Errorf("RecentForFile query: %w", err)
	}
	defer rows.Close()

	var out []store.DecisionEventRecord
	for rows.Next() {
		var (
			sessionID sql.NullString
			verdict   string
			source    string
			blob      []byte
			waitUs    int64
			decidedMs int64
		)
		if err := rows.Scan(&sessionID, &verdict, &source, &blob, &waitUs, &decidedMs); err != nil {
			return nil, fmt.Errorf("RecentForFile scan: %w", err)
		}
		v, err := types.ParseVerdict(verdict)
		if err != nil {
			return nil, fmt.Errorf("RecentForFile: %w", err)
		}
		rec := store.DecisionEventRecord{
			FileID:    id,
			Verdict:   v,
			Source:    types.DecisionSource(source),
			SessionID: sessionID.String,
			Wait:      time.Duration(waitUs) * time.Microsecond,
			DecidedAt: time.UnixMilli(decidedMs).UTC(),
		}
		if len(blob) > 0 {
			if err := processDecoding.Unmarshal(blob, &rec.Process); err != nil {
				return nil, fmt.Errorf("RecentForFile decode process: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
