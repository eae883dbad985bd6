package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/execgate/internal/execgate/service"
	"github.com/BrandonDHaskell/execgate/internal/execgate/store/memory"
	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
)

type harness struct {
	bridge   *service.Bridge
	gate     *service.AuthorizationGate
	events   *memory.DecisionEventStore
	sessions *memory.SessionStore
	audit    *service.AuditLog
}

func newHarness(t *testing.T, gcfg service.GateConfig, bcfg service.BridgeConfig) *harness {
	t.Helper()
	if gcfg.Fallback == types.VerdictUnknown {
		gcfg.Fallback = types.VerdictDeny
	}
	if gcfg.Unattended == types.VerdictUnknown {
		gcfg.Unattended = types.VerdictAllow
	}

	h := &harness{
		events:   memory.NewDecisionEventStore(),
		sessions: memory.NewSessionStore(),
	}
	h.audit = service.NewAuditLog(h.events, 0, zap.NewNop(), nil)
	h.bridge = service.NewBridge(bcfg, service.BridgeDependencies{
		Sessions: h.sessions,
		Audit:    h.audit,
		Logger:   zap.NewNop(),
	})
	gate, err := service.NewAuthorizationGate(h.bridge, gcfg)
	require.NoError(t, err)
	h.gate = gate

	t.Cleanup(func() {
		h.bridge.Shutdown()
		h.audit.Close()
	})
	return h
}

func (h *harness) connect(t *testing.T) service.SessionHandle {
	t.Helper()
	sh, err := h.bridge.Connect(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sh.ID)
	return sh
}

// authorizeAsync runs Authorize in a goroutine and returns a channel that
// yields the decision.
func (h *harness) authorizeAsync(id types.FileIdentity) <-chan types.Decision {
	out := make(chan types.Decision, 1)
	go func() {
		out <- h.gate.Authorize(context.Background(), types.AuthorizationRequest{
			ID:      id,
			Process: types.ProcessMetadata{PID: 4242, UID: 501, Path: "/usr/bin/true"},
		})
	}()
	return out
}

func (h *harness) waitPending(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.bridge.Pending() == n },
		2*time.Second, 2*time.Millisecond, "expected %d pending", n)
}

func receive(t *testing.T, ch <-chan types.Decision) types.Decision {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(3 * time.Second):
		t.Fatal("authorize did not return")
		return types.Decision{}
	}
}

func readEvent(t *testing.T, b *service.Bridge, sh service.SessionHandle) types.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := b.ReadEvent(ctx, sh)
	require.NoError(t, err)
	return ev
}

func assertNoEvent(t *testing.T, b *service.Bridge, sh service.SessionHandle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.ReadEvent(ctx, sh)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ── Configuration ────────────────────────────────────────────────────────────

func TestNewAuthorizationGate_RejectsUnknownVerdicts(t *testing.T) {
	b := service.NewBridge(service.BridgeConfig{}, service.BridgeDependencies{})

	_, err := service.NewAuthorizationGate(b, service.GateConfig{Unattended: types.VerdictAllow})
	assert.ErrorIs(t, err, service.ErrInvalidGateConfig)

	_, err = service.NewAuthorizationGate(b, service.GateConfig{Fallback: types.VerdictDeny})
	assert.ErrorIs(t, err, service.ErrInvalidGateConfig)

	_, err = service.NewAuthorizationGate(nil, service.GateConfig{
		Fallback: types.VerdictDeny, Unattended: types.VerdictAllow,
	})
	assert.ErrorIs(t, err, service.ErrInvalidGateConfig)
}

// ── No daemon ────────────────────────────────────────────────────────────────

func TestAuthorize_UnattendedWithoutSession(t *testing.T) {
	h := newHarness(t, service.GateConfig{Unattended: types.VerdictDeny}, service.BridgeConfig{})

	d := h.gate.Authorize(context.Background(), types.AuthorizationRequest{ID: 7})
	assert.Equal(t, types.VerdictDeny, d.Verdict)
	assert.Equal(t, types.SourceUnattended, d.Source)
	assert.Zero(t, h.bridge.Cache().Count(), "unattended verdicts are not cached")
}

func TestAuthorize_CacheHitWithoutSession(t *testing.T) {
	h := newHarness(t, service.GateConfig{Unattended: types.VerdictAllow}, service.BridgeConfig{})
	h.bridge.Cache().Insert(9, types.VerdictDeny)

	d := h.gate.Authorize(context.Background(), types.AuthorizationRequest{ID: 9})
	assert.Equal(t, types.Decision{Verdict: types.VerdictDeny, Source: types.SourceCache}, d)
}

// ── Daemon round trip ────────────────────────────────────────────────────────

func TestAuthorize_DaemonAllowIsCached(t *testing.T) {
	h := newHarness(t, service.GateConfig{Timeout: 5 * time.Second}, service.BridgeConfig{})
	sh := h.connect(t)

	result := h.authorizeAsync(42)

	ev := readEvent(t, h.bridge, sh)
	assert.Equal(t, types.FileIdentity(42), ev.ID)
	assert.Equal(t, int32(4242), ev.Process.PID)
	assert.Equal(t, "/usr/bin/true", ev.Process.Path)

	require.NoError(t, h.bridge.ReportAllow(sh, 42))

	d := receive(t, result)
	assert.Equal(t, types.Decision{Verdict: types.VerdictAllow, Source: types.SourceDaemon}, d)

	n, err := h.bridge.CacheCount(sh)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The second attempt is answered from the cache without notifying.
	d = h.gate.Authorize(context.Background(), types.AuthorizationRequest{ID: 42})
	assert.Equal(t, types.SourceCache, d.Source)
	assert.Equal(t, types.VerdictAllow, d.Verdict)
	assertNoEvent(t, h.bridge, sh)
}

func TestAuthorize_DaemonDeny(t *testing.T) {
	h := newHarness(t, service.GateConfig{Fallback: types.VerdictAllow}, service.BridgeConfig{})
	sh := h.connect(t)

	result := h.authorizeAsync(5)
	readEvent(t, h.bridge, sh)
	require.NoError(t, h.bridge.ReportDeny(sh, 5))

	d := receive(t, result)
	assert.Equal(t, types.Decision{Verdict: types.VerdictDeny, Source: types.SourceDaemon}, d)
}

func TestAuthorize_ConcurrentCallsShareOneNotification(t *testing.T) {
	h := newHarness(t, service.GateConfig{Timeout: 5 * time.Second}, service.BridgeConfig{})
	sh := h.connect(t)

	const callers = 16
	var wg sync.WaitGroup
	decisions := make(chan types.Decision, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decisions <- h.gate.Authorize(context.Background(), types.AuthorizationRequest{ID: 77})
		}()
	}

	ev := readEvent(t, h.bridge, sh)
	assert.Equal(t, types.FileIdentity(77), ev.ID)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.bridge.ReportAllow(sh, 77))

	wg.Wait()
	close(decisions)
	for d := range decisions {
		assert.Equal(t, types.VerdictAllow, d.Verdict)
		assert.True(t, d.Source.Authoritative(), "unexpected source %s", d.Source)
	}
	assertNoEvent(t, h.bridge, sh)
	assert.Zero(t, h.bridge.Pending())
}

func TestAuthorize_ReportBeforeAnyRequestIsCached(t *testing.T) {
	h := newHarness(t, service.GateConfig{}, service.BridgeConfig{})
	sh := h.connect(t)

	require.NoError(t, h.bridge.ReportDeny(sh, 11))

	d := h.gate.Authorize(context.Background(), types.AuthorizationRequest{ID: 11})
	assert.Equal(t, types.Decision{Verdict: types.VerdictDeny, Source: types.SourceCache}, d)
	assertNoEvent(t, h.bridge, sh)
}

// ── Fallbacks ────────────────────────────────────────────────────────────────

func TestAuthorize_TimeoutFallsBackWithoutCaching(t *testing.T) {
	h := newHarness(t, service.GateConfig{
		Timeout:  100 * time.Millisecond,
		Fallback: types.VerdictDeny,
	}, service.BridgeConfig{})
	sh := h.connect(t)

	start := time.Now()
	d := h.gate.Authorize(context.Background(), types.AuthorizationRequest{ID: 3})
	elapsed := time.Since(start)

	assert.Equal(t, types.Decision{Verdict: types.VerdictDeny, Source: types.SourceTimeout}, d)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	n, err := h.bridge.CacheCount(sh)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.bridge.Pending())

	// A late verdict still lands in the cache for the next attempt.
	readEvent(t, h.bridge, sh)
	require.NoError(t, h.bridge.ReportAllow(sh, 3))
	d = h.gate.Authorize(context.Background(), types.AuthorizationRequest{ID: 3})
	assert.Equal(t, types.Decision{Verdict: types.VerdictAllow, Source: types.SourceCache}, d)
}

func TestAuthorize_RequestTimeoutOverridesDefault(t *testing.T) {
	h := newHarness(t, service.GateConfig{Timeout: time.Minute}, service.BridgeConfig{})
	h.connect(t)

	d := h.gate.Authorize(context.Background(), types.AuthorizationRequest{
		ID:      8,
		Timeout: 30 * time.Millisecond,
	})
	assert.Equal(t, types.SourceTimeout, d.Source)
}

func TestAuthorize_TimeoutLeavesOtherWaiterPending(t *testing.T) {
	h := newHarness(t, service.GateConfig{Timeout: time.Minute}, service.BridgeConfig{})
	sh := h.connect(t)

	authorize := func(timeout time.Duration) <-chan types.Decision {
		out := make(chan types.Decision, 1)
		go func() {
			out <- h.gate.Authorize(context.Background(), types.AuthorizationRequest{ID: 33, Timeout: timeout})
		}()
		return out
	}

	long := authorize(5 * time.Second)
	h.waitPending(t, 1)
	assert.Equal(t, types.FileIdentity(33), readEvent(t, h.bridge, sh).ID)

	short := authorize(20 * time.Millisecond)
	assert.Equal(t, types.Decision{Verdict: types.VerdictDeny, Source: types.SourceTimeout}, receive(t, short))
	assert.Equal(t, 1, h.bridge.Pending(), "remaining waiter keeps the request pending")

	require.NoError(t, h.bridge.ReportDeny(sh, 33))
	assert.Equal(t, types.Decision{Verdict: types.VerdictDeny, Source: types.SourceDaemon}, receive(t, long))
	assert.Zero(t, h.bridge.Pending())
	assertNoEvent(t, h.bridge, sh)
}

func TestAuthorize_TimedOutIdentityIsRenotified(t *testing.T) {
	h := newHarness(t, service.GateConfig{Timeout: 30 * time.Millisecond}, service.BridgeConfig{})
	sh := h.connect(t)

	h.gate.Authorize(context.Background(), types.AuthorizationRequest{ID: 21})
	h.gate.Authorize(context.Background(), types.AuthorizationRequest{ID: 21})

	assert.Equal(t, types.FileIdentity(21), readEvent(t, h.bridge, sh).ID)
	assert.Equal(t, types.FileIdentity(21), readEvent(t, h.bridge, sh).ID)
}

func TestAuthorize_QueueFullFallsBackImmediately(t *testing.T) {
	h := newHarness(t, service.GateConfig{
		Timeout:  5 * time.Second,
		Fallback: types.VerdictDeny,
	}, service.BridgeConfig{QueueCapacity: 2})
	sh := h.connect(t)

	first := h.authorizeAsync(1)
	second := h.authorizeAsync(2)
	h.waitPending(t, 2)

	start := time.Now()
	d := h.gate.Authorize(context.Background(), types.AuthorizationRequest{ID: 3})
	assert.Equal(t, types.Decision{Verdict: types.VerdictDeny, Source: types.SourceQueueFull}, d)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, h.bridge.ReportAllow(sh, 1))
	require.NoError(t, h.bridge.ReportAllow(sh, 2))
	assert.Equal(t, types.SourceDaemon, receive(t, first).Source)
	assert.Equal(t, types.SourceDaemon, receive(t, second).Source)
}

func TestAuthorize_CancelledContext(t *testing.T) {
	h := newHarness(t, service.GateConfig{Timeout: 5 * time.Second}, service.BridgeConfig{})
	h.connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan types.Decision, 1)
	go func() {
		out <- h.gate.Authorize(ctx, types.AuthorizationRequest{ID: 12})
	}()
	h.waitPending(t, 1)
	cancel()

	d := receive(t, out)
	assert.Equal(t, types.SourceCancelled, d.Source)
	assert.Equal(t, types.VerdictDeny, d.Verdict)
	assert.Zero(t, h.bridge.Pending())
}

func TestAuthorize_DisconnectReleasesWaiters(t *testing.T) {
	h := newHarness(t, service.GateConfig{
		Timeout:  5 * time.Second,
		Fallback: types.VerdictDeny,
	}, service.BridgeConfig{})
	sh := h.connect(t)

	a := h.authorizeAsync(100)
	b := h.authorizeAsync(200)
	h.waitPending(t, 2)

	start := time.Now()
	h.bridge.Disconnect(sh, "daemon exited")

	for _, ch := range []<-chan types.Decision{a, b} {
		d := receive(t, ch)
		assert.Equal(t, types.Decision{Verdict: types.VerdictDeny, Source: types.SourceDisconnected}, d)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, h.bridge.Connected())
}

// ── Session isolation ────────────────────────────────────────────────────────

func TestAuthorize_NewSessionStartsClean(t *testing.T) {
	h := newHarness(t, service.GateConfig{Timeout: 5 * time.Second}, service.BridgeConfig{})
	first := h.connect(t)

	stale := h.authorizeAsync(55)
	h.waitPending(t, 1)
	h.bridge.Disconnect(first, "restart")
	assert.Equal(t, types.SourceDisconnected, receive(t, stale).Source)

	second := h.connect(t)
	assert.NotEqual(t, first.ID, second.ID)

	// Nothing from the first session leaks into the second queue.
	assertNoEvent(t, h.bridge, second)
	assert.Zero(t, h.bridge.Pending())

	// The old handle no longer works.
	err := h.bridge.ReportAllow(first, 55)
	assert.True(t, errors.Is(err, service.ErrInvalidSession))

	fresh := h.authorizeAsync(55)
	assert.Equal(t, types.FileIdentity(55), readEvent(t, h.bridge, second).ID)
	require.NoError(t, h.bridge.ReportAllow(second, 55))
	assert.Equal(t, types.SourceDaemon, receive(t, fresh).Source)
}

// ── Audit ────────────────────────────────────────────────────────────────────

func TestAuthorize_RecordsAuditEvents(t *testing.T) {
	h := newHarness(t, service.GateConfig{Timeout: 5 * time.Second}, service.BridgeConfig{})
	sh := h.connect(t)

	result := h.authorizeAsync(31)
	readEvent(t, h.bridge, sh)
	require.NoError(t, h.bridge.ReportAllow(sh, 31))
	receive(t, result)

	h.audit.Close()

	events := h.events.Events()
	require.Len(t, events, 2)

	bySource := map[types.DecisionSource]int{}
	for _, ev := range events {
		bySource[ev.Source]++
		assert.Equal(t, types.FileIdentity(31), ev.FileID)
		assert.Equal(t, types.VerdictAllow, ev.Verdict)
		assert.Equal(t, sh.ID, ev.SessionID)
		assert.False(t, ev.DecidedAt.IsZero())
	}
	assert.Equal(t, 1, bySource[types.SourceReport])
	assert.Equal(t, 1, bySource[types.SourceDaemon])
}
