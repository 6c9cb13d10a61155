package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/owulveryck/cauldron/internal/agentclient"
	"github.com/owulveryck/cauldron/internal/broker"
	"github.com/owulveryck/cauldron/internal/orchestrator"
	"github.com/owulveryck/cauldron/internal/task"
)

const demoAgentID = "agent_demo_subscriber"

var (
	demoAgent   string
	demoTimeout time.Duration
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a sample task tree and print its outcome",
	Long: `Create a parent task with one subtask per demo task type, wait for the
parent to resolve and print every task.

The unknown_task subtask has no retry budget and fails, so the parent ends
FAILED with the failed subtask listed. When the configured broker is the
in-process one a demo agent is started in the same process; otherwise run
"cauldron agent --id ` + demoAgentID + `" against the same broker.`,
	RunE: runDemoCmd,
}

func init() {
	demoCmd.Flags().StringVar(&demoAgent, "agent", demoAgentID, "Agent the subtasks are assigned to")
	demoCmd.Flags().DurationVar(&demoTimeout, "timeout", 60*time.Second, "How long to wait for the parent task")
}

func runDemoCmd(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, demoTimeout)
	defer cancel()

	cfg, obs, err := bootstrap("demo")
	if err != nil {
		return err
	}
	defer shutdownObservability(obs)

	b := broker.New(ctx, brokerConfig(cfg), brokerOptions(obs))
	defer b.Close()

	svc, err := orchestrator.New(ctx, orchestrator.Options{
		Broker:   b,
		Logger:   obs.Logger,
		Metrics:  obs.Metrics,
		Tracer:   obs.Traces,
		SystemID: cfg.Orchestrator.SystemID + "-demo",
	})
	if err != nil {
		return err
	}
	defer svc.Close(context.WithoutCancel(ctx))

	if b.Kind() == broker.KindMemory {
		agent := agentclient.New(b, demoAgent, agentclient.Options{
			Logger:  obs.Logger,
			Metrics: obs.Metrics,
			Tracer:  obs.Traces,
		})
		if err := agent.RegisterDefaultHandlers(); err != nil {
			return err
		}
		if err := agent.Start(ctx); err != nil {
			return err
		}
		defer agent.Stop()
	}

	_, err = runDemo(ctx, svc, demoAgent, cmd.OutOrStdout())
	return err
}

// runDemo creates the sample tree, waits for the parent to reach a terminal
// status and writes a report to w.
func runDemo(ctx context.Context, svc *orchestrator.Service, agentID string, w io.Writer) (*task.Task, error) {
	parentID := "demo-" + uuid.NewString()[:8]
	if _, err := svc.CreateTask(ctx, orchestrator.CreateTaskRequest{
		TaskID:      parentID,
		TaskType:    "demo",
		Description: "Sample task tree",
	}); err != nil {
		return nil, fmt.Errorf("create parent task: %w", err)
	}

	noRetry := 0
	subtasks := []orchestrator.CreateTaskRequest{
		{TaskType: "greeting", InputData: map[string]any{"name": "Claude"}},
		{TaskType: "math_calculation", InputData: map[string]any{"operation": "add", "a": 42.0, "b": 58.0}},
		{TaskType: "random_number", InputData: map[string]any{"seed": 12345}},
		{TaskType: "unknown_task", InputData: map[string]any{"data": "test"}, MaxRetries: &noRetry},
	}
	for i := range subtasks {
		subtasks[i].TaskID = fmt.Sprintf("%s-%d", parentID, i+1)
		subtasks[i].AssignedAgentID = agentID
		subtasks[i].Description = "demo " + subtasks[i].TaskType
	}
	if _, err := svc.CreateSubtasks(ctx, parentID, subtasks); err != nil {
		return nil, fmt.Errorf("create subtasks: %w", err)
	}

	parent, err := waitTerminal(ctx, svc, parentID)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(w, "%s (%s): %s\n", parent.ID, parent.Type, parent.Status)
	if parent.ErrorData != nil {
		fmt.Fprintf(w, "  error: %s %v\n", parent.ErrorData.ErrorType, parent.ErrorData.ErrorDetails)
	}
	children, err := svc.GetSubtasks(ctx, parentID, orchestrator.Page{})
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		fmt.Fprintf(w, "  %s (%s): %s\n", c.ID, c.Type, c.Status)
		switch {
		case c.ErrorData != nil:
			fmt.Fprintf(w, "    error: %s: %s\n", c.ErrorData.ErrorType, c.ErrorData.ErrorMessage)
		case c.Status == task.StatusCompleted:
			fmt.Fprintf(w, "    result: %v\n", c.ResultData)
		}
	}
	return parent, nil
}

func waitTerminal(ctx context.Context, svc *orchestrator.Service, id string) (*task.Task, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		t, err := svc.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.IsTerminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("task %s still %s: %w", id, t.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}
