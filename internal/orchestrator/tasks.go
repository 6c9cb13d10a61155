package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/owulveryck/cauldron/internal/message"
	"github.com/owulveryck/cauldron/internal/store"
	"github.com/owulveryck/cauldron/internal/task"
)

// Page selects a window of an ordered listing. A zero Limit returns
// everything after Offset.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) validate() error {
	if p.Limit < 0 || p.Offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", ErrInvalidArgument)
	}
	return nil
}

func paginate[T any](items []T, p Page) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	items = items[p.Offset:]
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}

// CreateTaskRequest describes a new task. Zero values take the task
// defaults; MaxRetries is a pointer so an explicit zero budget is possible.
type CreateTaskRequest struct {
	TaskID             string
	TaskType           string
	Description        string
	Priority           int
	AssignedAgentID    string
	AssignedAgentLevel string
	InputData          map[string]any
	ParentTaskID       string
	MaxRetries         *int
}

// ErrorInput is a failure reported through the API.
type ErrorInput struct {
	ErrorType    string
	ErrorMessage string
	ErrorDetails map[string]any
}

// CreateTask registers a task, links it into its parent and publishes the
// assignment when an agent is named.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*task.Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	t, err := s.register(ctx, req)
	if err != nil {
		return nil, err
	}
	s.assign(ctx, t)
	return t, nil
}

// CreateSubtasks registers every request as a subtask of parentID before
// publishing any assignment, so a fast agent cannot resolve the parent on a
// partial set of subtasks. Requests are validated as a batch; ParentTaskID is
// overridden.
func (s *Service) CreateSubtasks(ctx context.Context, parentID string, reqs []CreateTaskRequest) ([]*task.Task, error) {
	if parentID == "" {
		return nil, fmt.Errorf("%w: parent task id is required", ErrInvalidArgument)
	}
	parent, err := s.loadTask(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("parent %w", err)
	}
	if parent.Status.IsTerminal() {
		return nil, fmt.Errorf("parent %s: %w", parentID, task.ErrTerminal)
	}
	ids := make(map[string]bool, len(reqs))
	for i := range reqs {
		reqs[i].ParentTaskID = parentID
		if err := reqs[i].validate(); err != nil {
			return nil, err
		}
		if id := reqs[i].TaskID; id != "" {
			if ids[id] {
				return nil, fmt.Errorf("%w: duplicate task id %s", ErrInvalidArgument, id)
			}
			ids[id] = true
		}
	}

	created := make([]*task.Task, 0, len(reqs))
	defer func() {
		for _, t := range created {
			s.assign(ctx, t)
		}
	}()
	for _, req := range reqs {
		t, err := s.register(ctx, req)
		if err != nil {
			return nil, err
		}
		created = append(created, t)
	}
	out := make([]*task.Task, len(created))
	for i, t := range created {
		out[i] = t.Clone()
	}
	return out, nil
}

func (r CreateTaskRequest) validate() error {
	if r.TaskType == "" {
		return fmt.Errorf("%w: task_type is required", ErrInvalidArgument)
	}
	if r.Priority < 0 {
		return fmt.Errorf("%w: negative priority", ErrInvalidArgument)
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return fmt.Errorf("%w: negative max_retries", ErrInvalidArgument)
	}
	if r.TaskID != "" && r.TaskID == r.ParentTaskID {
		return fmt.Errorf("%w: task cannot be its own parent", ErrInvalidArgument)
	}
	return nil
}

// register stores the task and links it into its parent without publishing
// the assignment.
func (s *Service) register(ctx context.Context, req CreateTaskRequest) (*task.Task, error) {
	t := task.New(req.TaskID, req.TaskType, req.Description)
	if req.Priority > 0 {
		t.Priority = req.Priority
	}
	if req.MaxRetries != nil {
		t.MaxRetries = *req.MaxRetries
	}
	t.AssignedAgentID = req.AssignedAgentID
	t.AssignedAgentLevel = req.AssignedAgentLevel
	t.ParentTaskID = req.ParentTaskID
	if req.InputData != nil {
		t.InputData = maps.Clone(req.InputData)
	}

	if t.ParentTaskID != "" {
		parent, err := s.loadTask(ctx, t.ParentTaskID)
		if err != nil {
			return nil, fmt.Errorf("parent %w", err)
		}
		if parent.Status.IsTerminal() {
			return nil, fmt.Errorf("parent %s: %w", parent.ID, task.ErrTerminal)
		}
	}
	if _, err := s.loadTask(ctx, t.ID); err == nil {
		return nil, fmt.Errorf("%w: task %s already exists", ErrInvalidArgument, t.ID)
	}
	if !s.tasks.PutIfAbsent(t.ID, t) {
		return nil, fmt.Errorf("%w: task %s already exists", ErrInvalidArgument, t.ID)
	}

	if t.ParentTaskID != "" {
		// The parent may have finished since the check above.
		if _, err := s.updateTask(ctx, t.ParentTaskID, func(p *task.Task) error {
			if p.Status.IsTerminal() {
				return fmt.Errorf("%s: %w", p.ID, task.ErrTerminal)
			}
			p.AddSubtask(t.ID)
			return nil
		}); err != nil {
			s.tasks.Delete(t.ID)
			return nil, fmt.Errorf("parent %w", err)
		}
		s.persistTask(ctx, t.ParentTaskID)
	}
	s.persistTask(ctx, t.ID)

	s.metrics.IncrementTasksCreated(ctx, t.Type, t.ParentTaskID != "")
	s.logger.InfoContext(ctx, "Task created",
		"task_id", t.ID,
		"task_type", t.Type,
		"priority", t.Priority,
		"assigned_agent_id", t.AssignedAgentID,
		"parent_task_id", t.ParentTaskID,
	)
	return t.Clone(), nil
}

// GetTask returns a snapshot of the task.
func (s *Service) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.loadTask(ctx, id)
}

// GetTasks lists every task ordered by creation.
func (s *Service) GetTasks(ctx context.Context, page Page) ([]*task.Task, error) {
	return s.listTasks(ctx, store.Filter{}, page)
}

// GetAgentTasks lists the tasks assigned to agentID.
func (s *Service) GetAgentTasks(ctx context.Context, agentID string, page Page) ([]*task.Task, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalidArgument)
	}
	return s.listTasks(ctx, store.Filter{AgentID: agentID}, page)
}

// GetTasksByStatus lists the tasks currently in status.
func (s *Service) GetTasksByStatus(ctx context.Context, status task.Status, page Page) ([]*task.Task, error) {
	st, err := task.ParseStatus(string(status))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return s.listTasks(ctx, store.Filter{Status: st}, page)
}

// GetSubtasks lists the subtasks of id ordered by creation.
func (s *Service) GetSubtasks(ctx context.Context, id string, page Page) ([]*task.Task, error) {
	if err := page.validate(); err != nil {
		return nil, err
	}
	parent, err := s.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	subtasks := make([]*task.Task, 0, len(parent.SubtaskIDs))
	for _, sid := range parent.SubtaskIDs {
		st, err := s.loadTask(ctx, sid)
		if err != nil {
			s.logger.WarnContext(ctx, "Subtask referenced by parent is missing",
				"task_id", id,
				"subtask_id", sid,
			)
			continue
		}
		subtasks = append(subtasks, st)
	}
	sortTasks(subtasks)
	return paginate(subtasks, page), nil
}

func (s *Service) listTasks(ctx context.Context, f store.Filter, page Page) ([]*task.Task, error) {
	if err := page.validate(); err != nil {
		return nil, err
	}
	var out []*task.Task
	s.tasks.Range(func(t *task.Task) bool {
		if matches(t, f) {
			out = append(out, t)
		}
		return true
	})
	if len(out) > 0 || s.store == nil {
		sortTasks(out)
		return paginate(out, page), nil
	}

	f.Limit, f.Offset = page.Limit, page.Offset
	stored, err := s.store.ListTasks(ctx, f)
	if err != nil {
		s.metrics.IncrementStoreErrors(ctx, "list_tasks")
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range stored {
		s.tasks.PutIfAbsent(t.ID, t)
	}
	return stored, nil
}

func matches(t *task.Task, f store.Filter) bool {
	return (f.AgentID == "" || t.AssignedAgentID == f.AgentID) &&
		(f.Status == "" || t.Status == f.Status) &&
		(f.ParentID == "" || t.ParentTaskID == f.ParentID) &&
		(f.Type == "" || t.Type == f.Type)
}

func sortTasks(ts []*task.Task) {
	slices.SortStableFunc(ts, func(a, b *task.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// validateResolution rejects changes to unknown or finished tasks.
func (s *Service) validateResolution(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrTerminal)
	}
	return t, nil
}

func (s *Service) checkOpenSubtasks(t *task.Task) error {
	if open := s.openSubtasks(t); len(open) > 0 {
		return fmt.Errorf("task %s has %d open subtasks: %w", t.ID, len(open), task.ErrOpenSubtasks)
	}
	return nil
}

// UpdateTaskStatus publishes a status change for id on the status topic.
func (s *Service) UpdateTaskStatus(ctx context.Context, id string, status task.Status, msg string) error {
	st, err := task.ParseStatus(string(status))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	t, err := s.validateResolution(ctx, id)
	if err != nil {
		return err
	}
	if st.IsTerminal() {
		if err := s.checkOpenSubtasks(t); err != nil {
			return err
		}
	}
	env := message.New(&message.StatusUpdate{TaskID: id, Status: st, Message: msg}, s.system(), message.Party{})
	s.publishOrApply(ctx, message.TopicStatusUpdate, env)
	return nil
}

// UpdateTaskResult publishes a successful result for id.
func (s *Service) UpdateTaskResult(ctx context.Context, id string, result map[string]any) error {
	t, err := s.validateResolution(ctx, id)
	if err != nil {
		return err
	}
	if err := s.checkOpenSubtasks(t); err != nil {
		return err
	}
	env := message.New(&message.Result{TaskID: id, ResultData: result}, s.system(), message.Party{})
	s.publishOrApply(ctx, message.TopicResult, env)
	return nil
}

// UpdateTaskError publishes a failure for id. The retry budget decides
// whether the task is retried or failed.
func (s *Service) UpdateTaskError(ctx context.Context, id string, in ErrorInput) error {
	if in.ErrorType == "" && in.ErrorMessage == "" {
		return fmt.Errorf("%w: error_type or error_message is required", ErrInvalidArgument)
	}
	t, err := s.validateResolution(ctx, id)
	if err != nil {
		return err
	}
	if !t.CanRetry() {
		if err := s.checkOpenSubtasks(t); err != nil {
			return err
		}
	}
	env := message.New(&message.Error{
		TaskID:       id,
		ErrorType:    in.ErrorType,
		ErrorMessage: in.ErrorMessage,
		ErrorDetails: in.ErrorDetails,
	}, s.system(), message.Party{})
	s.publishOrApply(ctx, message.TopicError, env)
	return nil
}

// DeleteTask removes id from the registry and the store.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	found := s.tasks.Delete(id)
	if s.store != nil {
		if !found {
			_, err := s.store.GetTask(ctx, id)
			found = err == nil
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("delete task %s: %w", id, err)
			}
		}
		if found {
			s.persistMu.Lock()
			err := s.store.DeleteTask(ctx, id)
			s.persistMu.Unlock()
			if err != nil {
				s.metrics.IncrementStoreErrors(ctx, "delete_task")
				s.logger.ErrorContext(ctx, "Failed to delete task from store", "task_id", id, "error", err)
			}
		}
	}
	if !found {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	s.logger.InfoContext(ctx, "Task deleted", "task_id", id)
	return nil
}
