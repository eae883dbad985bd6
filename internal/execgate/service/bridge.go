package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/execgate/internal/execgate/cache"
	"github.com/BrandonDHaskell/execgate/internal/execgate/eventq"
	"github.com/BrandonDHaskell/execgate/internal/execgate/store"
	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
	"github.com/BrandonDHaskell/execgate/internal/metrics"
)

var (
	ErrSessionActive  = errors.New("a daemon session is already active")
	ErrInvalidSession = errors.New("no active session matches the handle")
	ErrSessionClosed  = errors.New("session closed")
	ErrShutdown       = errors.New("bridge is shut down")
)

// historyTimeout bounds session-history writes made on teardown, when the
// caller's context is usually already gone.
const historyTimeout = 5 * time.Second

// SessionHandle names the connected daemon session. Every daemon call must
// present the handle returned by Connect.
type SessionHandle struct {
	ID string
}

type BridgeConfig struct {
	// QueueCapacity is the number of undelivered notifications the
	// session's event queue holds. 0 selects eventq.DefaultCapacity.
	QueueCapacity int
}

type BridgeDependencies struct {
	Cache    *cache.DecisionCache
	Sessions store.SessionStore // optional
	Audit    *AuditLog          // optional
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Bridge owns the single daemon session and carries out the daemon's
// commands against the decision cache and the waiting gate calls.
type Bridge struct {
	cfg      BridgeConfig
	cache    *cache.DecisionCache
	sessions store.SessionStore
	audit    *AuditLog
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.RWMutex
	current  *session
	shutdown bool
}

func NewBridge(cfg BridgeConfig, d BridgeDependencies) *Bridge {
	c := d.Cache
	if c == nil {
		c = cache.New()
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		cfg:      cfg,
		cache:    c,
		sessions: d.Sessions,
		audit:    d.Audit,
		logger:   logger,
		metrics:  d.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Cache returns the decision cache the bridge writes to.
func (b *Bridge) Cache() *cache.DecisionCache { return b.cache }

// Connect opens the daemon session and maps its event queue.
func (b *Bridge) Connect(ctx context.Context) (SessionHandle, error) {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return SessionHandle{}, ErrShutdown
	}
	if b.current != nil {
		b.mu.Unlock()
		return SessionHandle{}, ErrSessionActive
	}
	q, err := eventq.New(b.cfg.QueueCapacity)
	if err != nil {
		b.mu.Unlock()
		return SessionHandle{}, fmt.Errorf("open session queue: %w", err)
	}
	s := newSession(uuid.NewString(), q, b.now())
	b.current = s
	b.mu.Unlock()

	b.metrics.SessionOpened()
	b.logger.Info("daemon session opened",
		zap.String("session", s.id),
		zap.Int("queue_capacity", q.Cap()))

	if b.sessions != nil {
		if err := b.sessions.RecordConnect(ctx, s.id, s.openedAt); err != nil {
			b.logger.Warn("record session connect", zap.String("session", s.id), zap.Error(err))
		}
	}
	return SessionHandle{ID: s.id}, nil
}

// Disconnect ends the session named by h: the event queue is closed and
// every waiting gate call is released with the fallback verdict. Handles
// that no longer name the active session are ignored.
func (b *Bridge) Disconnect(h SessionHandle, reason string) {
	b.mu.Lock()
	s := b.current
	if s == nil || s.id != h.ID {
		b.mu.Unlock()
		return
	}
	b.current = nil
	released, _ := s.close()
	b.mu.Unlock()

	b.finishSession(s, released, reason)
}

// Shutdown disconnects any session and refuses new ones.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.shutdown = true
	s := b.current
	b.current = nil
	released := 0
	if s != nil {
		released, _ = s.close()
	}
	b.mu.Unlock()

	if s != nil {
		b.finishSession(s, released, "shutdown")
	}
}

func (b *Bridge) finishSession(s *session, released int, reason string) {
	b.metrics.PendingAdd(-float64(released))
	b.logger.Info("daemon session closed",
		zap.String("session", s.id),
		zap.String("reason", reason),
		zap.Int("released", released),
		zap.Int64("delivered", s.delivered.Load()),
		zap.Int64("reported", s.reported.Load()))

	if b.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	err := b.sessions.RecordDisconnect(ctx, store.SessionRecord{
		SessionID:        s.id,
		ConnectedAt:      s.openedAt,
		DisconnectedAt:   b.now(),
		Reason:           reason,
		EventsDelivered:  s.delivered.Load(),
		VerdictsReported: s.reported.Load(),
	})
	if err != nil {
		b.logger.Warn("record session disconnect", zap.String("session", s.id), zap.Error(err))
	}
}

// ReportAllow caches Allow for id and releases anyone waiting on it.
func (b *Bridge) ReportAllow(h SessionHandle, id types.FileIdentity) error {
	return b.report(h, id, types.VerdictAllow)
}

// ReportDeny caches Deny for id and releases anyone waiting on it.
func (b *Bridge) ReportDeny(h SessionHandle, id types.FileIdentity) error {
	return b.report(h, id, types.VerdictDeny)
}

func (b *Bridge) report(h SessionHandle, id types.FileIdentity, v types.Verdict) error {
	// Held shared for the whole report so a concurrent Disconnect cannot
	// interleave between the cache insert and the release.
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, err := b.sessionLocked(h)
	if err != nil {
		return err
	}

	// Insert before resolving: a gate call that misses the pending entry
	// must find the verdict in the cache.
	b.cache.Insert(id, v)
	hadPending := s.resolve(id, v)
	s.reported.Add(1)

	if hadPending {
		b.metrics.PendingAdd(-1)
	}
	b.metrics.ObserveReport(v.String(), hadPending)
	b.audit.Record(store.DecisionEventRecord{
		FileID:    id,
		Verdict:   v,
		Source:    types.SourceReport,
		SessionID: s.id,
		DecidedAt: b.now(),
	})
	return nil
}

func (b *Bridge) ClearCache(h SessionHandle) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, err := b.sessionLocked(h); err != nil {
		return err
	}
	b.cache.Clear()
	b.logger.Info("decision cache cleared", zap.String("session", h.ID))
	return nil
}

func (b *Bridge) CacheCount(h SessionHandle) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, err := b.sessionLocked(h); err != nil {
		return 0, err
	}
	return b.cache.Count(), nil
}

// ReadEvent blocks until the next pending-authorization event is available
// for the daemon. It fails with ErrSessionClosed once the session is torn
// down and with ctx.Err() if ctx ends first.
func (b *Bridge) ReadEvent(ctx context.Context, h SessionHandle) (types.Event, error) {
	b.mu.RLock()
	s, err := b.sessionLocked(h)
	b.mu.RUnlock()
	if err != nil {
		return types.Event{}, err
	}

	ev, err := s.queue.Dequeue(ctx)
	if err != nil {
		if errors.Is(err, eventq.ErrClosed) {
			return types.Event{}, fmt.Errorf("%w: %w", ErrSessionClosed, err)
		}
		return types.Event{}, err
	}
	s.delivered.Add(1)
	return ev, nil
}

// Pending returns the number of identities awaiting a verdict in the
// active session.
func (b *Bridge) Pending() int {
	s := b.active()
	if s == nil {
		return 0
	}
	return s.pendingCount()
}

// Connected reports whether a daemon session is active.
func (b *Bridge) Connected() bool {
	return b.active() != nil
}

func (b *Bridge) active() *session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// sessionLocked returns the active session if h names it. b.mu must be held.
func (b *Bridge) sessionLocked(h SessionHandle) (*session, error) {
	if b.current == nil || h.ID == "" || b.current.id != h.ID {
		return nil, ErrInvalidSession
	}
	return b.current, nil
}
