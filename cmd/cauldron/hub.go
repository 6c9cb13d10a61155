package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/owulveryck/cauldron/internal/broker/hub"
	"github.com/owulveryck/cauldron/internal/observability"
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the gRPC event hub",
	Long: `Run the event hub that grpc brokers connect to.

Orchestrators and agents configured with broker.kind=grpc publish and
subscribe through this process.`,
	RunE: runHub,
}

func runHub(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, obs, err := bootstrap("hub")
	if err != nil {
		return err
	}
	defer shutdownObservability(obs)

	server, err := hub.NewServer(cfg.Hub.Addr, hub.Options{
		BufferSize:  cfg.Hub.BufferSize,
		SendTimeout: cfg.Hub.SendTimeout,
		HistorySize: cfg.Hub.HistorySize,
		Logger:      obs.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create event hub: %w", err)
	}

	health := observability.NewHealthServer(cfg.GetHealthPort("hub"), cfg.ServiceName, cfg.ServiceVersion)
	health.AddChecker("grpc", observability.NewGRPCHealthChecker("grpc", server.Addr(), hub.ServiceName))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return health.Start(gctx) })

	health.SetReady(true)
	return g.Wait()
}
