package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/owulveryck/cauldron/internal/agentclient"
	"github.com/owulveryck/cauldron/internal/broker"
	"github.com/owulveryck/cauldron/internal/observability"
)

var (
	agentID    string
	agentLevel string
	agentTypes []string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a demo agent",
	Long: `Run an agent that answers assignments published to agent.<id>.assign.

The agent knows the greeting, math_calculation, random_number and echo task
types. Restrict them with --type; any other task type is reported to the
orchestrator as unknown_task_type.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentID, "id", "", "Agent id (default: generated)")
	agentCmd.Flags().StringVar(&agentLevel, "level", "worker", "Position of the agent in the hierarchy")
	agentCmd.Flags().StringSliceVar(&agentTypes, "type", nil, "Task types to handle (default: all demo types)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, obs, err := bootstrap("agent")
	if err != nil {
		return err
	}
	defer shutdownObservability(obs)

	if agentID == "" {
		agentID = "agent-" + uuid.NewString()[:8]
	}

	b := broker.New(ctx, brokerConfig(cfg), brokerOptions(obs))
	defer b.Close()
	if b.Kind() == broker.KindMemory {
		obs.Logger.Warn("Agent runs on an in-process broker and will only see its own messages",
			"requested", cfg.Broker.Kind,
		)
	}

	agent := agentclient.New(b, agentID, agentclient.Options{
		Level:   agentLevel,
		Logger:  obs.Logger,
		Metrics: obs.Metrics,
		Tracer:  obs.Traces,
	})
	if err := agent.RegisterDefaultHandlers(agentTypes...); err != nil {
		return err
	}
	if err := agent.Start(ctx); err != nil {
		return err
	}
	defer agent.Stop()

	health := observability.NewHealthServer(cfg.GetHealthPort("agent"), cfg.ServiceName, cfg.ServiceVersion)
	addBrokerChecker(health, cfg, b)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return health.Start(gctx) })

	health.SetReady(true)
	obs.Logger.Info("Agent started", "agent_id", agentID, "broker", b.Kind())
	return g.Wait()
}
