package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
)

// DecisionEventRecord captures one authorization outcome or one daemon
// verdict report for the audit log.
type DecisionEventRecord struct {
	FileID    types.FileIdentity
	Process   types.ProcessMetadata // zero for daemon reports
	Verdict   types.Verdict
	Source    types.DecisionSource
	SessionID string        // empty when no daemon was connected
	Wait      time.Duration // time the caller spent blocked
	DecidedAt time.Time
}

// DecisionEventStore persists decisions as an append-only audit log.
type DecisionEventStore interface {
	RecordEvent(ctx context.Context, rec DecisionEventRecord) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
