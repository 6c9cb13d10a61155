package agentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/owulveryck/cauldron/internal/broker"
	"github.com/owulveryck/cauldron/internal/message"
	"github.com/owulveryck/cauldron/internal/observability"
	"github.com/owulveryck/cauldron/internal/task"
)

// UnknownTaskType is the error_type reported for assignments no handler
// accepts.
const UnknownTaskType = "unknown_task_type"

// TaskHandler runs one assignment and returns its result data. Returning a
// *TaskError controls the reported error_type.
type TaskHandler func(ctx context.Context, a *message.TaskAssignment) (map[string]any, error)

// HITLHandler receives the human decisions forwarded to this agent.
type HITLHandler func(ctx context.Context, r *message.HITLResponse) error

// TaskError is a failure with a machine readable type.
type TaskError struct {
	Type    string
	Message string
	Details map[string]any
}

func (e *TaskError) Error() string {
	return e.Type + ": " + e.Message
}

type Options struct {
	// Level is the agent's position in the hierarchy, stamped on envelopes.
	Level   string
	Logger  *slog.Logger
	Metrics *observability.MetricsManager
	Tracer  *observability.TraceManager
}

// Agent subscribes to its assignment topic and answers every assignment
// with an IN_PROGRESS status followed by a result or an error.
type Agent struct {
	broker  broker.Broker
	id      string
	level   string
	logger  *slog.Logger
	metrics *observability.MetricsManager
	tracer  *observability.TraceManager

	mu       sync.RWMutex
	handlers map[string]TaskHandler
	onHITL   HITLHandler

	subMu sync.Mutex
	subs  []subscription
	wg    sync.WaitGroup
}

type subscription struct {
	topic string
	id    broker.SubscriptionID
}

func New(b broker.Broker, agentID string, opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		broker:   b,
		id:       agentID,
		level:    opts.Level,
		logger:   logger.With("agent_id", agentID),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		handlers: make(map[string]TaskHandler),
	}
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// RegisterTaskHandler registers a handler for a specific task type
func (a *Agent) RegisterTaskHandler(taskType string, h TaskHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[taskType] = h
}

// OnHITLResponse sets the handler for forwarded human decisions.
func (a *Agent) OnHITLResponse(h HITLHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onHITL = h
}

// Start subscribes to the agent's assignment and HITL response topics.
func (a *Agent) Start(ctx context.Context) error {
	for topic, h := range map[string]broker.Handler{
		message.AssignTopic(a.id):       a.handleAssignment,
		message.HITLResponseTopic(a.id): a.handleHITLResponse,
	} {
		id, err := a.broker.Subscribe(ctx, topic, h)
		if err != nil {
			a.Stop()
			return fmt.Errorf("agent %s: subscribe to %s: %w", a.id, topic, err)
		}
		a.subMu.Lock()
		a.subs = append(a.subs, subscription{topic: topic, id: id})
		a.subMu.Unlock()
	}
	a.logger.InfoContext(ctx, "Agent subscribed", "topic", message.AssignTopic(a.id))
	return nil
}

// Stop unsubscribes and waits for running tasks.
func (a *Agent) Stop() {
	a.subMu.Lock()
	subs := a.subs
	a.subs = nil
	a.subMu.Unlock()
	for _, s := range subs {
		a.broker.Unsubscribe(s.topic, s.id)
	}
	a.wg.Wait()
}

// Wait blocks until every accepted assignment has been answered.
func (a *Agent) Wait() {
	a.wg.Wait()
}

func (a *Agent) self() message.Party {
	return message.Party{ID: a.id, Level: a.level}
}

func (a *Agent) handleAssignment(ctx context.Context, env *message.Envelope) error {
	assignment, ok := env.Payload.(*message.TaskAssignment)
	if !ok {
		return fmt.Errorf("unexpected %s on assignment topic", env.Kind)
	}
	a.logger.InfoContext(ctx, "Received task",
		"task_id", assignment.TaskID,
		"task_type", assignment.TaskType,
		"retry_count", assignment.RetryCount,
	)

	// Process task in a separate goroutine
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.processTask(context.WithoutCancel(ctx), env.SenderID, assignment)
	}()
	return nil
}

func (a *Agent) processTask(ctx context.Context, orchestrator string, assignment *message.TaskAssignment) {
	var span trace.Span
	if a.tracer != nil {
		ctx, span = a.tracer.StartSpan(ctx, "process_task")
		a.tracer.AddTaskAttributes(span, assignment.TaskID, assignment.TaskType, assignment.InputData)
		defer span.End()
	}
	if a.metrics != nil {
		stop := a.metrics.StartTimer()
		defer stop(ctx, assignment.TaskType)
	}

	to := message.Party{ID: orchestrator}
	a.publish(ctx, message.TopicStatusUpdate, message.New(&message.StatusUpdate{
		TaskID:  assignment.TaskID,
		Status:  task.StatusInProgress,
		Message: "accepted by " + a.id,
	}, a.self(), to))

	result, err := a.run(ctx, assignment)
	if err != nil {
		var te *TaskError
		if !errors.As(err, &te) {
			te = &TaskError{Type: "task_error", Message: err.Error()}
		}
		if span != nil {
			a.tracer.RecordError(span, err)
			a.tracer.AddTaskResult(span, string(task.StatusFailed), te.Message)
		}
		if a.metrics != nil {
			a.metrics.IncrementHandlerErrors(ctx, assignment.TaskType, te.Type)
		}
		a.logger.WarnContext(ctx, "Task failed",
			"task_id", assignment.TaskID,
			"error_type", te.Type,
			"error", te.Message,
		)
		a.publish(ctx, message.TopicError, message.New(&message.Error{
			TaskID:       assignment.TaskID,
			ErrorType:    te.Type,
			ErrorMessage: te.Message,
			ErrorDetails: te.Details,
		}, a.self(), to))
		return
	}

	if span != nil {
		a.tracer.AddTaskResult(span, string(task.StatusCompleted), "")
		a.tracer.SetSpanSuccess(span)
	}
	a.logger.InfoContext(ctx, "Task completed and result published", "task_id", assignment.TaskID)
	a.publish(ctx, message.TopicResult, message.New(&message.Result{
		TaskID:     assignment.TaskID,
		ResultData: result,
	}, a.self(), to))
}

func (a *Agent) run(ctx context.Context, assignment *message.TaskAssignment) (result map[string]any, err error) {
	a.mu.RLock()
	h, ok := a.handlers[assignment.TaskType]
	a.mu.RUnlock()
	if !ok {
		return nil, &TaskError{
			Type:    UnknownTaskType,
			Message: fmt.Sprintf("Unknown task type: %s", assignment.TaskType),
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &TaskError{Type: "handler_panic", Message: fmt.Sprint(r)}
		}
	}()
	return h(ctx, assignment)
}

func (a *Agent) handleHITLResponse(ctx context.Context, env *message.Envelope) error {
	resp, ok := env.Payload.(*message.HITLResponse)
	if !ok {
		return fmt.Errorf("unexpected %s on hitl response topic", env.Kind)
	}
	a.mu.RLock()
	h := a.onHITL
	a.mu.RUnlock()
	a.logger.InfoContext(ctx, "Received human decision",
		"task_id", resp.TaskID,
		"request_id", resp.RequestID,
	)
	if h == nil {
		return nil
	}
	return h(ctx, resp)
}

// RequestHuman raises a HITL request for taskID on behalf of the agent and
// returns its id.
func (a *Agent) RequestHuman(ctx context.Context, req *message.HITLRequest) (string, error) {
	if req.TaskID == "" {
		return "", errors.New("hitl request without task_id")
	}
	if req.RequestID == "" {
		req.RequestID = task.NewHITLRequest("", req.TaskID, req.RequestType, req.Description).ID
	}
	env := message.New(req, a.self(), message.Party{})
	if err := a.broker.Publish(ctx, message.TopicHITLRequest, env); err != nil {
		return "", fmt.Errorf("publish hitl request: %w", err)
	}
	return req.RequestID, nil
}

func (a *Agent) publish(ctx context.Context, topic string, env *message.Envelope) {
	if err := a.broker.Publish(ctx, topic, env); err != nil {
		if a.metrics != nil {
			a.metrics.IncrementHandlerErrors(ctx, string(env.Kind), "publish_error")
		}
		a.logger.ErrorContext(ctx, "Failed to publish",
			"topic", topic,
			"task_id", env.TaskID(),
			"error", err,
		)
	}
}
