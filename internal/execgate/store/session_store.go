package store

import (
	"context"
	"time"
)

type SessionRecord struct {
	SessionID        string
	ConnectedAt      time.Time
	DisconnectedAt   time.Time
	Reason           string
	EventsDelivered  int64
	VerdictsReported int64
}

// SessionStore keeps the history of daemon connections.
type SessionStore interface {
	RecordConnect(ctx context.Context, sessionID string, at time.Time) error
	RecordDisconnect(ctx context.Context, rec SessionRecord) error
}
