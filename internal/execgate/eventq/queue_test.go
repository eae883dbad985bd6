package eventq_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/execgate/internal/execgate/eventq"
	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
)

func newQueue(t *testing.T, capacity int) *eventq.Queue {
	t.Helper()
	q, err := eventq.New(capacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func event(id uint64) eventq.Event {
	return eventq.Event{
		ID: types.FileIdentity(id),
		Process: types.ProcessMetadata{
			PID:  int32(1000 + id),
			PPID: 1,
			UID:  501,
			GID:  20,
			Path: "/usr/bin/true",
		},
	}
}

func TestQueue_DefaultCapacity(t *testing.T) {
	q := newQueue(t, 0)
	assert.Equal(t, eventq.DefaultCapacity, q.Cap())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_FIFOAndSequence(t *testing.T) {
	q := newQueue(t, 4)
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		tok, err := q.Enqueue(event(i))
		require.NoError(t, err)
		assert.Equal(t, i, tok.Seq)
	}
	assert.Equal(t, 3, q.Len())

	for i := uint64(1); i <= 3; i++ {
		ev, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.FileIdentity(i), ev.ID)
		assert.Equal(t, i, ev.Seq)
		assert.Equal(t, int32(1000+i), ev.Process.PID)
		assert.Equal(t, "/usr/bin/true", ev.Process.Path)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_FullDoesNotBlock(t *testing.T) {
	q := newQueue(t, 2)

	_, err := q.Enqueue(event(1))
	require.NoError(t, err)
	_, err = q.Enqueue(event(2))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(event(3))
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, eventq.ErrFull)
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestQueue_WrapsAround(t *testing.T) {
	q := newQueue(t, 2)
	ctx := context.Background()

	for i := uint64(1); i <= 10; i++ {
		_, err := q.Enqueue(event(i))
		require.NoError(t, err)
		ev, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.FileIdentity(i), ev.ID)
	}
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := newQueue(t, 4)

	got := make(chan eventq.Event, 1)
	go func() {
		ev, err := q.Dequeue(context.Background())
		if err == nil {
			got <- ev
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Enqueue(event(42))
	require.NoError(t, err)

	select {
	case ev := <-got:
		assert.Equal(t, types.FileIdentity(42), ev.ID)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake")
	}
}

func TestQueue_CloseUnblocksConsumer(t *testing.T) {
	q := newQueue(t, 4)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, eventq.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue hung after Close")
	}

	_, err := q.Enqueue(event(1))
	assert.ErrorIs(t, err, eventq.ErrClosed)
	assert.NoError(t, q.Close(), "second Close is a no-op")

	select {
	case <-q.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestQueue_DequeueHonoursContext(t *testing.T) {
	q := newQueue(t, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestQueue_ConcurrentProducersSingleConsumer(t *testing.T) {
	const producers, each = 8, 50
	q := newQueue(t, producers*each)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := q.Enqueue(event(uint64(p*each + i)))
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[types.FileIdentity]bool)
	var lastSeq uint64
	for i := 0; i < producers*each; i++ {
		ev, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
		seen[ev.ID] = true
	}
	assert.Len(t, seen, producers*each)
}

func TestSlot_EncodeDecode(t *testing.T) {
	ev := event(7)
	ev.Seq = 99
	ev.Process.PID = -1

	got, err := eventq.DecodeEvent(eventq.EncodeEvent(ev))
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestSlot_LongPathTruncated(t *testing.T) {
	ev := event(7)
	ev.Process.Path = "/" + strings.Repeat("a", eventq.MaxPathLen+10)

	b := eventq.EncodeEvent(ev)
	assert.Len(t, b, eventq.SlotSize)

	got, err := eventq.DecodeEvent(b)
	require.NoError(t, err)
	assert.Len(t, got.Process.Path, eventq.MaxPathLen)
}

func TestSlot_TruncationKeepsCharactersWhole(t *testing.T) {
	ev := event(7)
	ev.Process.Path = strings.Repeat("a", eventq.MaxPathLen-1) + "é/bin"

	got, err := eventq.DecodeEvent(eventq.EncodeEvent(ev))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", eventq.MaxPathLen-1), got.Process.Path)
	assert.True(t, utf8.ValidString(got.Process.Path))
}

func TestSlot_TruncationOfRawBytes(t *testing.T) {
	ev := event(7)
	ev.Process.Path = strings.Repeat("\x80", eventq.MaxPathLen+8)

	got, err := eventq.DecodeEvent(eventq.EncodeEvent(ev))
	require.NoError(t, err)
	assert.Len(t, got.Process.Path, eventq.MaxPathLen)
}

func TestSlot_ShortBuffer(t *testing.T) {
	_, err := eventq.DecodeEvent(make([]byte, 10))
	assert.ErrorIs(t, err, eventq.ErrShortSlot)
}
