package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/owulveryck/cauldron/internal/broker"
	"github.com/owulveryck/cauldron/internal/broker/hub"
	"github.com/owulveryck/cauldron/internal/config"
	"github.com/owulveryck/cauldron/internal/observability"
	"github.com/owulveryck/cauldron/internal/orchestrator"
	"github.com/owulveryck/cauldron/internal/store"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Run the orchestrator and its health server.

The orchestrator subscribes to the status, result, error and HITL topics of
the configured broker. When store.path is set every task and HITL request is
mirrored to a SQLite database and reads fall back to it.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, obs, err := bootstrap("orchestrator")
	if err != nil {
		return err
	}
	defer shutdownObservability(obs)
	logger := obs.Logger

	health := observability.NewHealthServer(cfg.GetHealthPort("orchestrator"), cfg.ServiceName, cfg.ServiceVersion)

	b := broker.New(ctx, brokerConfig(cfg), brokerOptions(obs))
	defer b.Close()
	addBrokerChecker(health, cfg, b)

	var st store.Store
	if cfg.Store.Path != "" {
		sqlite, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		health.AddChecker("store", observability.NewBasicHealthChecker("store", sqlite.Ping))
		mirror := store.NewMirror(sqlite, store.MirrorOptions{
			QueueSize: cfg.Store.QueueSize,
			Logger:    logger,
			Metrics:   obs.Metrics,
		})
		defer mirror.Close()
		st = mirror
		logger.Info("Persistence enabled", "path", cfg.Store.Path)
	}

	svc, err := orchestrator.New(ctx, orchestrator.Options{
		Broker:            b,
		Store:             st,
		Logger:            logger,
		Metrics:           obs.Metrics,
		Tracer:            obs.Traces,
		DedupSize:         cfg.Orchestrator.DedupSize,
		HITLSweepInterval: cfg.HITLSweepInterval,
		SystemID:          cfg.Orchestrator.SystemID,
	})
	if err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	ticker := observability.NewMetricsTicker(ctx, obs.Metrics, 30*time.Second)
	ticker.Start()
	defer ticker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return health.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return svc.Close(shutdownCtx)
	})

	health.SetReady(true)
	logger.Info("Orchestrator started",
		"broker", svc.BrokerKind(),
		"health_port", cfg.GetHealthPort("orchestrator"),
	)
	return g.Wait()
}

// addBrokerChecker reports the hub's health when the process is attached to
// it. Other backends have no remote endpoint to probe.
func addBrokerChecker(health *observability.HealthServer, cfg *config.AppConfig, b broker.Broker) {
	if b.Kind() != broker.KindGRPC {
		return
	}
	health.AddChecker("hub", observability.NewGRPCHealthChecker("hub", cfg.Broker.GRPCAddr, hub.ServiceName))
}

func shutdownObservability(obs *observability.Observability) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := obs.Shutdown(ctx); err != nil {
		slog.Error("Failed to shut down observability", "error", err)
	}
}
