package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/execgate/internal/execgate/eventq"
	"github.com/BrandonDHaskell/execgate/internal/execgate/store"
	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
)

// DefaultGateTimeout is how long a caller waits for the daemon when neither
// the request nor the configuration names a timeout.
const DefaultGateTimeout = 10 * time.Second

var ErrInvalidGateConfig = errors.New("invalid gate configuration")

type GateConfig struct {
	// Timeout bounds the wait for a daemon verdict. Requests may carry
	// their own.
	Timeout time.Duration

	// Fallback is returned when the daemon cannot answer in time: timeout,
	// full queue, disconnect or caller cancellation.
	Fallback types.Verdict

	// Unattended is returned when no daemon session is connected.
	Unattended types.Verdict
}

// AuthorizationGate answers "may this binary execute?" for the interception
// hook. It consults the decision cache, then the connected daemon, and never
// blocks past the request's timeout.
type AuthorizationGate struct {
	bridge *Bridge
	cfg    GateConfig
	now    func() time.Time
}

func NewAuthorizationGate(b *Bridge, cfg GateConfig) (*AuthorizationGate, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: bridge is required", ErrInvalidGateConfig)
	}
	if !cfg.Fallback.Valid() {
		return nil, fmt.Errorf("%w: fallback verdict %q", ErrInvalidGateConfig, cfg.Fallback)
	}
	if !cfg.Unattended.Valid() {
		return nil, fmt.Errorf("%w: unattended verdict %q", ErrInvalidGateConfig, cfg.Unattended)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGateTimeout
	}
	return &AuthorizationGate{
		bridge: b,
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

// Authorize returns the verdict for one execution attempt. Concurrent calls
// for the same identity share a single daemon notification.
func (g *AuthorizationGate) Authorize(ctx context.Context, req types.AuthorizationRequest) types.Decision {
	start := g.now()
	d, sessionID := g.decide(ctx, req)
	wait := g.now().Sub(start)

	g.bridge.metrics.ObserveDecision(string(d.Source), d.Verdict.String())
	if !d.Source.Authoritative() {
		g.bridge.logger.Debug("fallback verdict",
			zap.Stringer("file_id", req.ID),
			zap.Int32("pid", req.Process.PID),
			zap.String("source", string(d.Source)),
			zap.Stringer("verdict", d.Verdict),
			zap.Duration("wait", wait))
	}
	g.bridge.audit.Record(store.DecisionEventRecord{
		FileID:    req.ID,
		Process:   req.Process,
		Verdict:   d.Verdict,
		Source:    d.Source,
		SessionID: sessionID,
		Wait:      wait,
		DecidedAt: start.Add(wait).UTC(),
	})
	return d
}

func (g *AuthorizationGate) decide(ctx context.Context, req types.AuthorizationRequest) (types.Decision, string) {
	c := g.bridge.cache
	if v, ok := c.Lookup(req.ID); ok {
		return types.Decision{Verdict: v, Source: types.SourceCache}, ""
	}

	s := g.bridge.active()
	if s == nil {
		return types.Decision{Verdict: g.cfg.Unattended, Source: types.SourceUnattended}, ""
	}

	res, err := s.attach(types.Event{ID: req.ID, Process: req.Process}, c.Lookup)
	switch {
	case errors.Is(err, eventq.ErrFull):
		return g.fallback(types.SourceQueueFull), s.id
	case err != nil:
		// Session closed between lookup and attach.
		return g.fallback(types.SourceDisconnected), s.id
	case res.hit:
		return types.Decision{Verdict: res.cached, Source: types.SourceCache}, ""
	}
	if res.enqueued {
		g.bridge.metrics.PendingAdd(1)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.cfg.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	p := res.req
	select {
	case <-p.done:
		if p.source == types.SourceDaemon {
			return types.Decision{Verdict: p.verdict, Source: types.SourceDaemon}, s.id
		}
		return g.fallback(p.source), s.id
	case <-timer.C:
		g.leave(s, p)
		return g.fallback(types.SourceTimeout), s.id
	case <-ctx.Done():
		g.leave(s, p)
		return g.fallback(types.SourceCancelled), s.id
	}
}

func (g *AuthorizationGate) leave(s *session, p *pendingRequest) {
	if s.detach(p) {
		g.bridge.metrics.PendingAdd(-1)
	}
}

func (g *AuthorizationGate) fallback(src types.DecisionSource) types.Decision {
	return types.Decision{Verdict: g.cfg.Fallback, Source: src}
}
