// Package eventq is the bounded channel that carries pending-authorization
// notifications to the policy daemon.
//
// Events are written into a fixed ring of fixed-size slots held in an
// anonymous memory mapping outside the Go heap. Producers never wait: a
// full ring is reported as ErrFull so the caller can fall back to a
// default verdict. The single consumer parks in Dequeue until an event
// arrives or the queue is closed.
package eventq

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the number of undelivered events the ring can hold.
const DefaultCapacity = 64

var (
	ErrFull   = errors.New("eventq: queue full")
	ErrClosed = errors.New("eventq: queue closed")
)

// Token identifies an accepted event.
type Token struct {
	Seq uint64
}

type region struct {
	buf     []byte
	release func([]byte) error
}

func (r *region) slot(i int) []byte {
	off := i * SlotSize
	return r.buf[off : off+SlotSize]
}

func (r *region) close() error {
	buf := r.buf
	r.buf = nil
	if r.release == nil || buf == nil {
		return nil
	}
	return r.release(buf)
}

// Queue is a bounded multi-producer, single-consumer event ring.
type Queue struct {
	mu       sync.Mutex
	region   *region
	capacity int
	head     int
	count    int
	seq      uint64
	closed   bool

	ready chan struct{}
	done  chan struct{}
}

// New maps a ring of capacity slots. capacity <= 0 selects
// DefaultCapacity.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r, err := mapRegion(capacity * SlotSize)
	if err != nil {
		return nil, fmt.Errorf("eventq: %w", err)
	}
	return &Queue{
		region:   r,
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Enqueue copies ev into the next free slot. It returns ErrFull when the
// ring is at capacity and ErrClosed after Close; it never blocks on the
// consumer.
func (q *Queue) Enqueue(ev Event) (Token, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Token{}, ErrClosed
	}
	if q.count == q.capacity {
		q.mu.Unlock()
		return Token{}, ErrFull
	}
	q.seq++
	ev.Seq = q.seq
	putSlot(q.region.slot((q.head+q.count)%q.capacity), ev)
	q.count++
	tok := Token{Seq: q.seq}
	q.mu.Unlock()

	q.signal()
	return tok, nil
}

// Dequeue removes the oldest event, blocking until one is available. It
// returns ErrClosed once the queue is closed (pending events are dropped
// with the region) and ctx.Err() if ctx ends first.
func (q *Queue) Dequeue(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Event{}, ErrClosed
		}
		if q.count > 0 {
			ev := readSlot(q.region.slot(q.head))
			q.head = (q.head + 1) % q.capacity
			q.count--
			more := q.count > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close wakes the consumer with ErrClosed and unmaps the ring. Safe to call
// more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.count = 0
	close(q.done)
	if err := q.region.close(); err != nil {
		return fmt.Errorf("eventq: release region: %w", err)
	}
	return nil
}

// Done is closed when the queue is torn down.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Len returns the number of undelivered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the ring capacity.
func (q *Queue) Cap() int { return q.capacity }

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
