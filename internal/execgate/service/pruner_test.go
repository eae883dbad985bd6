package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/execgate/internal/execgate/service"
	"github.com/BrandonDHaskell/execgate/internal/execgate/store"
	"github.com/BrandonDHaskell/execgate/internal/execgate/store/memory"
	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
	"github.com/BrandonDHaskell/execgate/internal/metrics"
)

func seedAges(t *testing.T, es *memory.DecisionEventStore, daysAgo ...int) {
	t.Helper()
	for i, d := range daysAgo {
		require.NoError(t, es.RecordEvent(context.Background(), store.DecisionEventRecord{
			FileID:    types.FileIdentity(i + 1),
			Verdict:   types.VerdictDeny,
			DecidedAt: time.Now().UTC().AddDate(0, 0, -d),
		}))
	}
}

func TestAuditPruner_PruneOnce(t *testing.T) {
	es := memory.NewDecisionEventStore()
	seedAges(t, es, 40, 31, 1)

	reg := prometheus.NewRegistry()
	p := service.NewAuditPruner(es, service.PrunerConfig{RetentionDays: 30}, zap.NewNop(), metrics.New(reg))

	assert.Equal(t, int64(2), p.PruneOnce(context.Background()))
	require.Len(t, es.Events(), 1)
	assert.Equal(t, types.FileIdentity(3), es.Events()[0].FileID)
	assert.Equal(t, 2.0, counterValue(t, reg, "execgate_audit_pruned_total"))

	assert.Zero(t, p.PruneOnce(context.Background()), "nothing left to prune")
}

func TestAuditPruner_ZeroRetentionKeepsEverything(t *testing.T) {
	es := memory.NewDecisionEventStore()
	seedAges(t, es, 400)

	p := service.NewAuditPruner(es, service.PrunerConfig{}, zap.NewNop(), nil)
	assert.Zero(t, p.PruneOnce(context.Background()))

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return at once when retention is disabled")
	}
	assert.Len(t, es.Events(), 1)
}

func TestAuditPruner_StartPrunesImmediately(t *testing.T) {
	es := memory.NewDecisionEventStore()
	seedAges(t, es, 40, 1)

	p := service.NewAuditPruner(es, service.PrunerConfig{
		RetentionDays: 30,
		Interval:      time.Hour,
	}, zap.NewNop(), nil)
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return len(es.Events()) == 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestAuditPruner_StopIsIdempotent(t *testing.T) {
	p := service.NewAuditPruner(memory.NewDecisionEventStore(), service.PrunerConfig{
		RetentionDays: 30,
		Interval:      time.Hour,
	}, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	p.Stop()
	p.Stop()
}

func TestAuditPruner_StopWithoutStart(t *testing.T) {
	p := service.NewAuditPruner(memory.NewDecisionEventStore(), service.PrunerConfig{RetentionDays: 1}, zap.NewNop(), nil)
	p.Stop()
}
