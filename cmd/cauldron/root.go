package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/owulveryck/cauldron/internal/broker"
	"github.com/owulveryck/cauldron/internal/config"
	"github.com/owulveryck/cauldron/internal/observability"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "cauldron",
	Short: "Hierarchical task orchestration over an event bus",
	Long: `Cauldron routes tasks between agents organized in a hierarchy.

The orchestrator tracks every task through its lifecycle, retries failed
work within its budget, aggregates subtask outcomes into their parent and
brokers human-in-the-loop decisions. Agents and the orchestrator talk
through a broker: in process, through the gRPC event hub, or through
PostgreSQL.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./cauldron.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hubCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(versionCmd)
}

// bootstrap loads the configuration and sets up logging, metrics and
// tracing for one component.
func bootstrap(component string) (*config.AppConfig, *observability.Observability, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	obs, err := observability.NewObservability(observability.Config{
		ServiceName:    cfg.ServiceName + "-" + component,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		LogLevel:       cfg.LogLevel,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize observability: %w", err)
	}
	slog.SetDefault(obs.Logger)
	return cfg, obs, nil
}

func brokerConfig(cfg *config.AppConfig) broker.Config {
	return broker.Config{
		Kind:          broker.Kind(cfg.Broker.Kind),
		GRPCAddr:      cfg.Broker.GRPCAddr,
		PostgresDSN:   cfg.Broker.PostgresDSN,
		ConsumerGroup: cfg.Broker.ConsumerGroup,
		DialTimeout:   cfg.Broker.DialTimeout,
		PollInterval:  cfg.Broker.PollInterval,
	}
}

func brokerOptions(obs *observability.Observability) broker.Options {
	return broker.Options{
		Logger:  obs.Logger,
		Metrics: obs.Metrics,
		Traces:  obs.Traces,
	}
}
