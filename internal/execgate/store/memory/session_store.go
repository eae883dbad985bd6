package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/execgate/internal/execgate/store"
)

type SessionStore struct {
	mu   sync.RWMutex
	data map[string]store.SessionRecord
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		data: make(map[string]store.SessionRecord),
	}
}

func (s *SessionStore) RecordConnect(_ context.Context, sessionID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sessionID] = store.SessionRecord{SessionID: sessionID, ConnectedAt: at}
	return nil
}

func (s *SessionStore) RecordDisconnect(_ context.Context, rec store.SessionRecord) error {
	if rec.DisconnectedAt.IsZero() {
		rec.DisconnectedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.data[rec.SessionID]; ok && rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = prev.ConnectedAt
	}
	s.data[rec.SessionID] = rec
	return nil
}

// Session returns the stored record for id.  Test-only helper.
func (s *SessionStore) Session(id string) (store.SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[id]
	return rec, ok
}
