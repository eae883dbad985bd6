package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/execgate/internal/config"
	"github.com/BrandonDHaskell/execgate/internal/db"
	"github.com/BrandonDHaskell/execgate/internal/execgate/cache"
	"github.com/BrandonDHaskell/execgate/internal/execgate/service"
	"github.com/BrandonDHaskell/execgate/internal/execgate/store"
	"github.com/BrandonDHaskell/execgate/internal/execgate/store/memory"
	sqlitestore "github.com/BrandonDHaskell/execgate/internal/execgate/store/sqlite"
	"github.com/BrandonDHaskell/execgate/internal/logging"
	"github.com/BrandonDHaskell/execgate/internal/metrics"
	"github.com/BrandonDHaskell/execgate/internal/rpcapi"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to execgate.yaml")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "execgate-server: %v\n", err)
		os.Exit(1)
	}
}

// stores is the audit persistence selected by audit.store.
type stores struct {
	events   store.DecisionEventStore
	sessions store.SessionStore
	close    func()
}

func openStores(ctx context.Context, cfg config.AuditConfig) (stores, error) {
	switch cfg.Store {
	case "sqlite":
		conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath})
		if err != nil {
			return stores{}, err
		}
		w := db.NewWriter(conn, 0)
		return stores{
			events:   sqlitestore.NewDecisionEventStore(conn, w),
			sessions: sqlitestore.NewSessionStore(conn, w),
			close: func() {
				w.Close()
				_ = conn.Close()
			},
		}, nil
	case "memory":
		return stores{
			events:   memory.NewDecisionEventStore(),
			sessions: memory.NewSessionStore(),
			close:    func() {},
		}, nil
	default:
		return stores{close: func() {}}, nil
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	fallback, unattended, err := cfg.Gate.Verdicts()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStores(ctx, cfg.Audit)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer st.close()

	var audit *service.AuditLog
	if st.events != nil {
		audit = service.NewAuditLog(st.events, cfg.Audit.Buffer, logger.Named("audit"), m)
		defer audit.Close()
	}

	decisions := cache.New()
	metrics.WatchCache(reg, decisions.Count)

	bridge := service.NewBridge(service.BridgeConfig{QueueCapacity: cfg.Gate.QueueCapacity}, service.BridgeDependencies{
		Cache:    decisions,
		Sessions: st.sessions,
		Audit:    audit,
		Logger:   logger.Named("bridge"),
		Metrics:  m,
	})

	gate, err := service.NewAuthorizationGate(bridge, service.GateConfig{
		Timeout:    cfg.Gate.Timeout,
		Fallback:   fallback,
		Unattended: unattended,
	})
	if err != nil {
		return err
	}

	if st.events != nil {
		pruner := service.NewAuditPruner(st.events, service.PrunerConfig{
			RetentionDays: cfg.Audit.RetentionDays,
			Interval:      time.Duration(cfg.Audit.PruneIntervalHours) * time.Hour,
		}, logger.Named("pruner"), m)
		pruner.Start(ctx)
		defer pruner.Stop()
	}

	srv := rpcapi.NewServer(rpcapi.Dependencies{
		Logger:     logger.Named("rpc"),
		SocketPath: cfg.Server.SocketPath,
		SocketMode: os.FileMode(cfg.Server.SocketMode),
		Bridge:     bridge,
		Gate:       gate,
	})

	logger.Info("execgate starting",
		zap.String("env", cfg.Env),
		zap.String("socket", cfg.Server.SocketPath),
		zap.Duration("gate_timeout", cfg.Gate.Timeout),
		zap.Stringer("fallback", fallback),
		zap.Stringer("unattended", unattended),
		zap.String("audit_store", cfg.Audit.Store))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.Server.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			err = errors.Join(err, metricsSrv.Shutdown(shutdownCtx))
		}
		return err
	})

	return g.Wait()
}
