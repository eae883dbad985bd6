package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/BrandonDHaskell/execgate/internal/execgate/eventq"
	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
)

// pendingRequest is one in-flight query for a file identity. Every gate
// call for that identity waits on the same request; done is closed exactly
// once, after verdict and source are set.
type pendingRequest struct {
	id      types.FileIdentity
	done    chan struct{}
	waiters int // guarded by session.mu

	verdict types.Verdict
	source  types.DecisionSource
}

// session is the state owned by one daemon connection: its event queue and
// the table of identities awaiting a verdict. Nothing here outlives the
// connection, so a later session never sees an earlier session's requests.
type session struct {
	id       string
	openedAt time.Time
	queue    *eventq.Queue

	mu      sync.Mutex
	closed  bool
	pending map[types.FileIdentity]*pendingRequest

	delivered atomic.Int64
	reported  atomic.Int64
}

func newSession(id string, q *eventq.Queue, now time.Time) *session {
	return &session{
		id:       id,
		openedAt: now,
		queue:    q,
		pending:  make(map[types.FileIdentity]*pendingRequest),
	}
}

type attachResult struct {
	req      *pendingRequest
	cached   types.Verdict
	hit      bool
	enqueued bool
}

// attach joins the pending request for ev.ID or, if none exists, enqueues a
// notification and creates one. lookup is consulted under the session lock
// so a caller racing a resolution either sees the cached verdict or
// becomes a fresh miss.
func (s *session) attach(ev types.Event, lookup func(types.FileIdentity) (types.Verdict, bool)) (attachResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return attachResult{}, ErrSessionClosed
	}
	if p, ok := s.pending[ev.ID]; ok {
		p.waiters++
		return attachResult{req: p}, nil
	}
	if v, ok := lookup(ev.ID); ok {
		return attachResult{cached: v, hit: true}, nil
	}
	if _, err := s.queue.Enqueue(ev); err != nil {
		return attachResult{}, err
	}

	p := &pendingRequest{id: ev.ID, done: make(chan struct{}), waiters: 1}
	s.pending[ev.ID] = p
	return attachResult{req: p, enqueued: true}, nil
}

// detach drops one waiter that gave up. The last waiter to leave removes
// the request so the next call re-notifies the daemon. It reports whether
// the request was removed.
func (s *session) detach(p *pendingRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.waiters--
	if p.waiters > 0 || s.pending[p.id] != p {
		return false
	}
	delete(s.pending, p.id)
	return true
}

// resolve releases every waiter on id with verdict. It reports whether a
// request was pending.
func (s *session) resolve(id types.FileIdentity, verdict types.Verdict) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[id]
	if !ok {
		return false
	}
	delete(s.pending, id)
	p.verdict = verdict
	p.source = types.SourceDaemon
	close(p.done)
	return true
}

// close tears the session down: the queue is closed first so nothing else
// is written to its region, then every waiter is released as disconnected.
// It returns the number of requests released and reports whether this call
// did the teardown.
func (s *session) close() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, false
	}
	s.closed = true
	_ = s.queue.Close()

	n := len(s.pending)
	for id, p := range s.pending {
		p.source = types.SourceDisconnected
		close(p.done)
		delete(s.pending, id)
	}
	return n, true
}

func (s *session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
