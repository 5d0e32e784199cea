package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/baxromumarov/shard-xa/pkg/adapter"
	"github.com/baxromumarov/shard-xa/pkg/config"
	"github.com/baxromumarov/shard-xa/pkg/decisionlog"
	"github.com/baxromumarov/shard-xa/pkg/engine"
	"github.com/baxromumarov/shard-xa/pkg/logger"
	"github.com/baxromumarov/shard-xa/pkg/metrics"
	"github.com/baxromumarov/shard-xa/pkg/protocol"
	"github.com/baxromumarov/shard-xa/pkg/recovery"
	"github.com/baxromumarov/shard-xa/pkg/resource"
	"github.com/baxromumarov/shard-xa/pkg/shard"
	"github.com/baxromumarov/shard-xa/pkg/transport"
	twophasecommit "github.com/baxromumarov/shard-xa/pkg/two_phase_commit"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file (XA_* environment variables override it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("coordinator stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	var (
		gatherer prometheus.Gatherer
		m        *metrics.Metrics
	)
	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		gatherer = reg
	}

	dlog, err := openDecisionLog(cfg.DecisionLog)
	if err != nil {
		return err
	}
	defer dlog.Close()

	tm := engine.NewLocal(engine.Config{
		BranchTimeout: cfg.Coordinator.BranchTimeout,
		Log:           dlog,
		Logger:        log,
		Metrics:       m,
	})
	registry := resource.NewRegistry(resource.Config{
		Recovery: recovery.NewManager(tm, log, m),
		Logger:   log,
		Metrics:  m,
	})
	defer registry.Unregister()

	pool := shard.NewPool(shard.DefaultDriver, log)
	defer pool.Close()

	topology := shard.NewTopology(registry, pool, log)
	coordinator := twophasecommit.NewCoordinator(tm, registry, twophasecommit.Config{
		PrepareTimeout:  cfg.Coordinator.PrepareTimeout,
		OnePhase:        cfg.Coordinator.OnePhase,
		ParallelPrepare: cfg.Coordinator.ParallelPrepare,
		Logger:          log,
		Metrics:         m,
	})
	executor := shard.NewExecutor(coordinator, pool, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.Shards) > 0 {
		if _, err := topology.Apply(ctx, configTopology(cfg.Shards)); err != nil {
			return errors.Wrap(err, "register configured shards")
		}
	}

	server := transport.NewHTTPServer(cfg.Listen, gatherer, log)
	server.SetShardsHandler(topology.Shards)
	if cfg.Coordinator.HealthInterval > 0 {
		health := shard.NewHealthMonitor(pool, cfg.Coordinator.HealthInterval, log, m)
		health.Start()
		defer health.Stop()
		server.SetHealthHandler(health.Unhealthy)
	}
	server.SetActiveHandler(coordinator.Active)
	server.SetTopologyHandler(func(ctx context.Context, req *protocol.TopologyRequest) ([]string, error) {
		t := shard.FromRequest(req)
		report, err := topology.Apply(ctx, t)
		if err != nil {
			return nil, err
		}
		return report.Resources, nil
	})
	server.SetTransactionHandler(func(ctx context.Context, req *protocol.TransactionRequest) (*protocol.TransactionResponse, error) {
		out, err := executor.Execute(ctx, *req)
		if out == nil {
			return nil, err
		}
		return out.Response(err), err
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

func openDecisionLog(cfg config.DecisionLogConfig) (decisionlog.Log, error) {
	switch cfg.Type {
	case "file":
		return decisionlog.NewFileLog(cfg.Path, cfg.Key)
	case "sqlite":
		return decisionlog.NewSQLiteLog(cfg.Path, 5000)
	default:
		return decisionlog.NewMemoryLog(), nil
	}
}

func configTopology(shards map[string]config.ShardConfig) resource.Topology {
	t := make(resource.Topology, len(shards))
	for name, s := range shards {
		t[name] = adapter.Descriptor{
			DatabaseType: adapter.ParseDatabaseType(s.DatabaseType),
			DSN:          s.DSN,
			MaxOpenConns: s.MaxOpenConns,
		}
	}
	return t
}
