package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// ensureSession guarantees a daemon_sessions row exists for sessionID so a
// disconnect is recorded even if the connect write was lost.
//
// Must be called inside an existing transaction.
func ensureSession(ctx context.Context, tx *sql.Tx, sessionID string, connectedMs int64) error {
	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO daemon_sessions(
  session_id, connected_at_ms
) VALUES (?, ?);
`, sessionID, connectedMs); err != nil {
		return fmt.Errorf("ensureSession %s: %w", sessionID, err)
	}
	return nil
}
