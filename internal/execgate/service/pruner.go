package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/execgate/internal/execgate/store"
	"github.com/BrandonDHaskell/execgate/internal/metrics"
)

const defaultPruneInterval = 6 * time.Hour

// PrunerConfig holds the parameters for NewAuditPruner.
type PrunerConfig struct {
	// RetentionDays of audit history to keep. 0 keeps everything.
	RetentionDays int

	// Interval between prune passes. Defaults to 6h.
	Interval time.Duration
}

// AuditPruner trims the audit log to a retention window.
type AuditPruner struct {
	store     store.DecisionEventStore
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func NewAuditPruner(s store.DecisionEventStore, cfg PrunerConfig, logger *zap.Logger, m *metrics.Metrics) *AuditPruner {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPruneInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditPruner{
		store:     s,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  cfg.Interval,
		logger:    logger,
		metrics:   m,
		done:      make(chan struct{}),
	}
}

// Run prunes once, then on every interval tick until ctx ends. It returns
// immediately when retention is disabled.
func (p *AuditPruner) Run(ctx context.Context) {
	if p.retention <= 0 {
		p.logger.Info("audit pruning disabled")
		return
	}
	p.logger.Info("audit pruner running",
		zap.Duration("retention", p.retention),
		zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.PruneOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Start runs the pruner on its own goroutine. Only the first call has an
// effect.
func (p *AuditPruner) Start(ctx context.Context) {
	p.once.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		go func() {
			defer close(p.done)
			p.Run(ctx)
		}()
	})
}

// Stop cancels a started pruner and waits for it. Safe to call more than
// once, and before Start.
func (p *AuditPruner) Stop() {
	started := true
	p.once.Do(func() { started = false })
	if !started {
		return
	}
	p.cancel()
	<-p.done
}

// PruneOnce deletes records decided before now minus the retention and
// returns how many were removed.
func (p *AuditPruner) PruneOnce(ctx context.Context) int64 {
	if p.retention <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-p.retention)
	n, err := p.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("audit prune failed", zap.Error(err))
		}
		return 0
	}
	p.metrics.AuditPruned(n)
	if n > 0 {
		p.logger.Info("audit records pruned",
			zap.Int64("deleted", n),
			zap.Time("cutoff", cutoff))
	}
	return n
}
