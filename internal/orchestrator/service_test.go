package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owulveryck/cauldron/internal/broker"
	"github.com/owulveryck/cauldron/internal/message"
	"github.com/owulveryck/cauldron/internal/store"
	"github.com/owulveryck/cauldron/internal/task"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, opts Options) (*Service, *broker.Memory) {
	t.Helper()
	mem := broker.NewMemory(broker.Options{Logger: quietLogger()})
	if opts.Broker == nil {
		opts.Broker = mem
	}
	opts.Logger = quietLogger()
	svc, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close(context.Background()) })
	return svc, mem
}

// agentSays publishes payload the way an agent would.
func agentSays(t *testing.T, b broker.Broker, p message.Payload) {
	t.Helper()
	env := message.New(p, message.Party{ID: "agent-1", Level: "worker"}, message.Party{ID: DefaultSystemID})
	require.NoError(t, b.Publish(context.Background(), message.TopicFor(p.Kind()), env))
}

func retries(n int) *int { return &n }

func TestCreateTask_DefaultsAndAssignment(t *testing.T) {
	svc, mem := newTestService(t, Options{})
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, CreateTaskRequest{
		TaskType:        "summarize",
		Description:     "summarize the report",
		AssignedAgentID: "agent-1",
		InputData:       map[string]any{"doc": "r1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, task.DefaultPriority, created.Priority)
	assert.Equal(t, task.DefaultMaxRetries, created.MaxRetries)
	assert.Equal(t, task.StatusReceived, created.Status)

	assignments := mem.Messages(message.AssignTopic("agent-1"))
	require.Len(t, assignments, 1)
	a, ok := assignments[0].Payload.(*message.TaskAssignment)
	require.True(t, ok)
	assert.Equal(t, created.ID, a.TaskID)
	assert.Equal(t, "r1", a.InputData["doc"])
	assert.False(t, a.IsRetry())
}

func TestCreateTask_Validation(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskRequest{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CreateTask(ctx, CreateTaskRequest{TaskType: "x", ParentTaskID: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.CreateTask(ctx, CreateTaskRequest{TaskID: "t1", TaskType: "x"})
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, CreateTaskRequest{TaskID: "t1", TaskType: "x"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateTask_LinksParent(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskRequest{TaskID: "P", TaskType: "plan"})
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, CreateTaskRequest{TaskID: "S1", TaskType: "step", ParentTaskID: "P"})
	require.NoError(t, err)

	parent, err := svc.GetTask(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, parent.SubtaskIDs)
}

func TestCreateTask_RejectsTerminalParent(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskRequest{TaskID: "P", TaskType: "plan"})
	require.NoError(t, err)
	require.NoError(t, svc.UpdateTaskResult(ctx, "P", map[string]any{"done": true}))

	_, err = svc.CreateTask(ctx, CreateTaskRequest{TaskID: "S1", TaskType: "step", ParentTaskID: "P"})
	assert.ErrorIs(t, err, task.ErrTerminal)

	_, err = svc.GetTask(ctx, "S1")
	assert.ErrorIs(t, err, ErrNotFound)
	parent, err := svc.GetTask(ctx, "P")
	require.NoError(t, err)
	assert.Empty(t, parent.SubtaskIDs)
	assert.Equal(t, task.StatusCompleted, parent.Status)
}

func TestResultBeforeInProgressStatus(t *testing.T) {
	svc, mem := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskRequest{TaskID: "t1", TaskType: "x", AssignedAgentID: "agent-1"})
	require.NoError(t, err)

	agentSays(t, mem, &message.Result{TaskID: "t1", ResultData: map[string]any{"v": "first"}})
	agentSays(t, mem, &message.StatusUpdate{TaskID: "t1", Status: task.StatusInProgress, Message: "started"})

	got, err := svc.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "first", got.ResultData["v"])
	assert.NotNil(t, got.CompletedAt)
}

func TestLifecycleMonotonicity(t *testing.T) {
	svc, mem := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskRequest{TaskID: "t1", TaskType: "x"})
	require.NoError(t, err)
	agentSays(t, mem, &message.Result{TaskID: "t1", ResultData: map[string]any{"ok": true}})

	agentSays(t, mem, &message.StatusUpdate{TaskID: "t1", Status: task.StatusInProgress})
	agentSays(t, mem, &message.Error{TaskID: "t1", ErrorType: "late", ErrorMessage: "too late"})
	agentSays(t, mem, &message.Result{TaskID: "t1", ResultData: map[string]any{"ok": false}})

	got, err := svc.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, true, got.ResultData["ok"])
	assert.Nil(t, got.ErrorData)
	assert.Zero(t, got.RetryCount)

	assert.ErrorIs(t, svc.UpdateTaskStatus(ctx, "t1", task.StatusInProgress, ""), task.ErrTerminal)
}

func TestRetryBudget(t *testing.T) {
	const maxRetries = 2
	svc, mem := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskRequest{
		TaskID:          "t1",
		TaskType:        "flaky",
		AssignedAgentID: "agent-1",
		MaxRetries:      retries(maxRetries),
	})
	require.NoError(t, err)

	for i := 1; i <= maxRetries; i++ {
		agentSays(t, mem, &message.Error{TaskID: "t1", ErrorType: "boom", ErrorMessage: fmt.Sprintf("attempt %d", i)})
		got, err := svc.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusRetrying, got.Status)
		assert.Equal(t, i, got.RetryCount)
	}

	assignments := mem.Messages(message.AssignTopic("agent-1"))
	require.Len(t, assignments, maxRetries+1)
	last := assignments[len(assignments)-1].Payload.(*message.TaskAssignment)
	assert.Equal(t, maxRetries, last.RetryCount)
	require.NotNil(t, last.PreviousError)
	assert.Equal(t, "attempt 2", last.PreviousError.ErrorMessage)

	agentSays(t, mem, &message.Error{TaskID: "t1", ErrorType: "boom", ErrorMessage: "final"})
	got, err := svc.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, maxRetries, got.RetryCount)
	require.NotNil(t, got.ErrorData)
	assert.Equal(t, "final", got.ErrorData.ErrorMessage)
	assert.Len(t, mem.Messages(message.AssignTopic("agent-1")), maxRetries+1)
}

func TestDuplicateMessagesAreDropped(t *testing.T) {
	svc, mem := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskRequest{TaskID: "t1", TaskType: "x"})
	require.NoError(t, err)

	env := message.New(&message.Error{TaskID: "t1", ErrorType: "boom"}, message.Party{ID: "agent-1"}, message.Party{})
	require.NoError(t, mem.Publish(ctx, message.TopicError, env))
	require.NoError(t, mem.Publish(ctx, message.TopicError, env))

	got, err := svc.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
}

func TestUpdateTaskStatus_ThroughBroker(t *testing.T) {
	svc, mem := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskRequest{TaskID: "t1", TaskType: "x"})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateTaskStatus(ctx, "t1", "in_progress", "started"))
	got, err := svc.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.Len(t, mem.Messages(message.TopicStatusUpdate), 1)

	assert.ErrorIs(t, svc.UpdateTaskStatus(ctx, "t1", "sleeping", ""), ErrInvalidArgument)
	assert.ErrorIs(t, svc.UpdateTaskStatus(ctx, "ghost", task.StatusInProgress, ""), ErrNotFound)
	assert.ErrorIs(t, svc.UpdateTaskError(ctx, "t1", ErrorInput{}), ErrInvalidArgument)
}

// downBroker refuses every publish but still accepts subscriptions.
type downBroker struct {
	*broker.Memory
}

func (downBroker) Publish(context.Context, string, *message.Envelope) error {
	return errors.New("broker down")
}

func TestUpdates_AppliedLocallyWhenPublishFails(t *testing.T) {
	svc, _ := newTestService(t, Options{
		Broker: downBroker{broker.NewMemory(broker.Options{Logger: quietLogger()})},
	})
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskRequest{TaskID: "t1", TaskType: "x", AssignedAgentID: "agent-1"})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateTaskResult(ctx, "t1", map[string]any{"v": 1}))
	got, err := svc.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestListings_OrderAndPagination(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	for _, req := range []CreateTaskRequest{
		{TaskID: "a", TaskType: "x", AssignedAgentID: "agent-x"},
		{TaskID: "b", TaskType: "x", AssignedAgentID: "agent-x", ParentTaskID: "a"},
		{TaskID: "c", TaskType: "x", AssignedAgentID: "agent-x", ParentTaskID: "a"},
		{TaskID: "d", TaskType: "x", AssignedAgentID: "agent-y"},
	} {
		_, err := svc.CreateTask(ctx, req)
		require.NoError(t, err)
	}
	require.NoError(t, svc.UpdateTaskResult(ctx, "b", nil))

	ids := func(ts []*task.Task) []string {
		out := make([]string, 0, len(ts))
		for _, t := range ts {
			out = append(out, t.ID)
		}
		return out
	}

	all, err := svc.GetTasks(ctx, Page{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(all))

	window, err := svc.GetTasks(ctx, Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(window))

	past, err := svc.GetTasks(ctx, Page{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)

	agentTasks, err := svc.GetAgentTasks(ctx, "agent-x", Page{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(agentTasks))

	completed, err := svc.GetTasksByStatus(ctx, task.StatusCompleted, Page{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(completed))

	subtasks, err := svc.GetSubtasks(ctx, "a", Page{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(subtasks))

	_, err = svc.GetTasks(ctx, Page{Limit: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.GetSubtasks(ctx, "ghost", Page{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTask(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskRequest{TaskID: "t1", TaskType: "x"})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteTask(ctx, "t1"))

	_, err = svc.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.DeleteTask(ctx, "t1"), ErrNotFound)
}

func TestReads_FallBackToStore(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "cauldron.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	first, _ := newTestService(t, Options{Store: st})
	_, err = first.CreateTask(ctx, CreateTaskRequest{TaskID: "t1", TaskType: "x", AssignedAgentID: "agent-1"})
	require.NoError(t, err)
	_, err = first.CreateHITLRequest(ctx, CreateHITLRequest{RequestID: "h1", TaskID: "t1", RequestType: "approval"})
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	restarted, _ := newTestService(t, Options{Store: st})

	got, err := restarted.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusAwaitingHITL, got.Status)

	listed, err := restarted.GetAgentTasks(ctx, "agent-1", Page{})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	req, err := restarted.GetHITLRequest(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, task.HITLPending, req.Status)

	_, err = restarted.RespondToHITLRequest(ctx, "h1", HITLAnswer{Response: "yes"})
	require.NoError(t, err)
	got, err = restarted.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
}

func TestNew_RequiresBroker(t *testing.T) {
	_, err := New(context.Background(), Options{Logger: quietLogger(), Broker: nil})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBrokerKind(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	assert.Equal(t, broker.KindMemory, svc.BrokerKind())
}

func TestConcurrentStatusUpdates(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		_, err := svc.CreateTask(ctx, CreateTaskRequest{TaskID: fmt.Sprintf("t%d", i), TaskType: "x"})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			svc.UpdateTaskStatus(ctx, id, task.StatusInProgress, "")
			svc.UpdateTaskResult(ctx, id, map[string]any{"id": id})
		}(fmt.Sprintf("t%d", i))
	}
	wg.Wait()

	done, err := svc.GetTasksByStatus(ctx, task.StatusCompleted, Page{})
	require.NoError(t, err)
	assert.Len(t, done, n)
}
