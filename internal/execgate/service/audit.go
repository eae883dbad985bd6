package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/execgate/internal/execgate/store"
	"github.com/BrandonDHaskell/execgate/internal/metrics"
)

const (
	defaultAuditBuffer = 1024
	auditWriteTimeout  = 5 * time.Second
)

// AuditLog writes decision records to a DecisionEventStore from a single
// background goroutine. Record never blocks the authorization path: when
// the buffer is full the record is dropped and counted.
//
// A nil *AuditLog is valid and records nothing.
type AuditLog struct {
	store   store.DecisionEventStore
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	events chan store.DecisionEventRecord
	done   chan struct{}
}

func NewAuditLog(s store.DecisionEventStore, buffer int, logger *zap.Logger, m *metrics.Metrics) *AuditLog {
	if buffer <= 0 {
		buffer = defaultAuditBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AuditLog{
		store:   s,
		logger:  logger,
		metrics: m,
		events:  make(chan store.DecisionEventRecord, buffer),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

// Record queues rec for writing. It reports whether rec was accepted.
func (a *AuditLog) Record(rec store.DecisionEventRecord) bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return false
	}
	select {
	case a.events <- rec:
		return true
	default:
		a.metrics.AuditDropped()
		return false
	}
}

// Close stops accepting records and waits for the buffered ones to be
// written.
func (a *AuditLog) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AuditLog) loop() {
	defer close(a.done)
	for rec := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		err := a.store.RecordEvent(ctx, rec)
		cancel()
		// Audit failures never affect a decision; log and move on.
		if err != nil {
			a.logger.Warn("audit record failed",
				zap.Stringer("file_id", rec.FileID),
				zap.String("source", string(rec.Source)),
				zap.Error(err))
		}
	}
}
