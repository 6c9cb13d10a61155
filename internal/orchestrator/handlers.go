package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/owulveryck/cauldron/internal/message"
	"github.com/owulveryck/cauldron/internal/task"
)

// handle is the broker handler for every inbound topic. Failures are logged
// and counted here; the broker never sees them.
func (s *Service) handle(ctx context.Context, env *message.Envelope) (err error) {
	if dup, _ := s.seen.ContainsOrAdd(env.ID, struct{}{}); dup {
		s.metrics.IncrementDuplicateMessages(ctx, string(env.Kind))
		s.logger.DebugContext(ctx, "Dropping duplicate message",
			"message_id", env.ID,
			"message_type", string(env.Kind),
		)
		return nil
	}

	ctx, span := s.tracer.StartHandleSpan(ctx, env.ID, string(env.Kind), env.TaskID())
	defer span.End()
	stop := s.metrics.StartTimer()
	defer stop(ctx, string(env.Kind))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			s.tracer.RecordError(span, err)
			s.metrics.IncrementHandlerErrors(ctx, string(env.Kind), errorType(err))
			s.logger.ErrorContext(ctx, "Failed to handle message",
				"message_id", env.ID,
				"message_type", string(env.Kind),
				"sender_id", env.SenderID,
				"task_id", env.TaskID(),
				"error", err,
			)
		} else {
			s.tracer.SetSpanSuccess(span)
		}
		err = nil
	}()

	switch p := env.Payload.(type) {
	case *message.StatusUpdate:
		return s.onStatusUpdate(ctx, p)
	case *message.Result:
		return s.onResult(ctx, p)
	case *message.Error:
		return s.onError(ctx, p)
	case *message.HITLRequest:
		return s.onHITLRequest(ctx, env, p)
	case *message.HITLResponse:
		return s.onHITLResponse(ctx, p)
	default:
		s.logger.DebugContext(ctx, "Ignoring message", "message_type", string(env.Kind))
		return nil
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, task.ErrOpenSubtasks):
		return "open_subtasks"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "handler_error"
	}
}

// ignoreTerminal logs an event that arrived after the task finished.
func (s *Service) ignoreTerminal(ctx context.Context, t *task.Task, event string) {
	s.logger.InfoContext(ctx, "Ignoring event for terminal task",
		"task_id", t.ID,
		"status", string(t.Status),
		"event", event,
	)
}

func (s *Service) onStatusUpdate(ctx context.Context, p *message.StatusUpdate) error {
	status, err := task.ParseStatus(string(p.Status))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	var from task.Status
	t, err := s.updateTask(ctx, p.TaskID, func(t *task.Task) error {
		from = t.Status
		if t.Status.IsTerminal() {
			return task.ErrTerminal
		}
		if status.IsTerminal() && len(s.openSubtasks(t)) > 0 {
			return task.ErrOpenSubtasks
		}
		return t.SetStatus(status)
	})
	if errors.Is(err, task.ErrTerminal) {
		s.ignoreTerminal(ctx, t, "status_update")
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.IncrementTaskTransitions(ctx, string(from), string(status))
	s.logger.InfoContext(ctx, "Task status updated",
		"task_id", t.ID,
		"from", string(from),
		"to", string(status),
		"message", p.Message,
	)
	s.persistTask(ctx, t.ID)
	if status.IsTerminal() {
		s.evaluateParent(ctx, t.ParentTaskID)
	}
	return nil
}

func (s *Service) onResult(ctx context.Context, p *message.Result) error {
	var from task.Status
	t, err := s.updateTask(ctx, p.TaskID, func(t *task.Task) error {
		from = t.Status
		if t.Status.IsTerminal() {
			return task.ErrTerminal
		}
		if len(s.openSubtasks(t)) > 0 {
			return task.ErrOpenSubtasks
		}
		return t.Complete(p.ResultData)
	})
	if errors.Is(err, task.ErrTerminal) {
		s.ignoreTerminal(ctx, t, "result")
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.IncrementTaskTransitions(ctx, string(from), string(task.StatusCompleted))
	s.logger.InfoContext(ctx, "Task completed", "task_id", t.ID, "task_type", t.Type)
	s.persistTask(ctx, t.ID)
	s.evaluateParent(ctx, t.ParentTaskID)
	return nil
}

func (s *Service) onError(ctx context.Context, p *message.Error) error {
	data := task.ErrorData{
		ErrorType:    p.ErrorType,
		ErrorMessage: p.ErrorMessage,
		ErrorDetails: p.ErrorDetails,
	}

	var (
		from    task.Status
		retried bool
	)
	t, err := s.updateTask(ctx, p.TaskID, func(t *task.Task) error {
		from = t.Status
		if t.Status.IsTerminal() {
			return task.ErrTerminal
		}
		if t.CanRetry() {
			retried = true
			return t.Retry(data)
		}
		if len(s.openSubtasks(t)) > 0 {
			return task.ErrOpenSubtasks
		}
		return t.Fail(data)
	})
	if errors.Is(err, task.ErrTerminal) {
		s.ignoreTerminal(ctx, t, "error")
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.IncrementTaskTransitions(ctx, string(from), string(t.Status))
	s.persistTask(ctx, t.ID)

	if retried {
		s.metrics.IncrementTaskRetries(ctx, t.Type)
		s.logger.WarnContext(ctx, "Task failed, retrying",
			"task_id", t.ID,
			"retry_count", t.RetryCount,
			"max_retries", t.MaxRetries,
			"error_type", p.ErrorType,
			"error_message", p.ErrorMessage,
		)
		s.assign(ctx, t)
		return nil
	}

	s.logger.ErrorContext(ctx, "Task failed",
		"task_id", t.ID,
		"retry_count", t.RetryCount,
		"error_type", p.ErrorType,
		"error_message", p.ErrorMessage,
	)
	s.evaluateParent(ctx, t.ParentTaskID)
	return nil
}

// assign publishes the task to its agent. Retries carry the retry count and
// the last error.
func (s *Service) assign(ctx context.Context, t *task.Task) {
	if t.AssignedAgentID == "" {
		return
	}
	p := &message.TaskAssignment{
		TaskID:       t.ID,
		TaskType:     t.Type,
		Description:  t.Description,
		Priority:     t.Priority,
		InputData:    t.InputData,
		ParentTaskID: t.ParentTaskID,
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
	}
	if t.RetryCount > 0 {
		p.PreviousError = t.ErrorData
	}
	to := message.Party{ID: t.AssignedAgentID, Level: t.AssignedAgentLevel}
	s.publish(ctx, message.AssignTopic(t.AssignedAgentID), message.New(p, s.system(), to))
}

func (s *Service) onHITLRequest(ctx context.Context, env *message.Envelope, p *message.HITLRequest) error {
	if p.RequestID == "" {
		return fmt.Errorf("%w: hitl request without request_id", ErrInvalidArgument)
	}
	if _, err := s.loadTask(ctx, p.TaskID); err != nil {
		return err
	}

	// Agents may raise requests directly; register those on first sight.
	// A request whose answer came first only gets its descriptive fields.
	fill := func(r *task.HITLRequest) {
		r.RequestType = p.RequestType
		r.Description = p.Description
		r.Options = append([]task.Option{}, p.Options...)
		r.Urgency = p.Urgency
		r.TimeoutSeconds = p.TimeoutSeconds
	}
	r, err := s.loadHITL(ctx, p.RequestID)
	switch {
	case errors.Is(err, ErrNotFound):
		r = task.NewHITLRequest(p.RequestID, p.TaskID, p.RequestType, p.Description)
		fill(r)
		if !env.Timestamp.IsZero() {
			r.CreatedAt = env.Timestamp
		}
		s.hitl.PutIfAbsent(r.ID, r)
		s.persistHITL(ctx, r.ID)
	case err != nil:
		return err
	case r.RequestType == "":
		if r, err = s.hitl.Update(p.RequestID, func(r *task.HITLRequest) error {
			fill(r)
			return nil
		}); err != nil {
			return err
		}
		s.persistHITL(ctx, r.ID)
	}
	if r, err = s.loadHITL(ctx, p.RequestID); err != nil {
		return err
	}

	var from task.Status
	t, err := s.updateTask(ctx, p.TaskID, func(t *task.Task) error {
		from = t.Status
		return t.AddHITL(r.Summary())
	})
	if errors.Is(err, task.ErrTerminal) {
		s.ignoreTerminal(ctx, t, "hitl_request")
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.IncrementHITLRequests(ctx, r.RequestType)
	if from != t.Status {
		s.metrics.IncrementTaskTransitions(ctx, string(from), string(t.Status))
	}
	msg := "Task awaiting human input"
	if !r.IsPending() {
		msg = "HITL request already answered"
	}
	s.logger.InfoContext(ctx, msg,
		"task_id", t.ID,
		"request_id", r.ID,
		"request_type", r.RequestType,
		"urgency", r.Urgency,
		"task_status", string(t.Status),
	)
	s.persistTask(ctx, t.ID)
	return nil
}

func (s *Service) onHITLResponse(ctx context.Context, p *message.HITLResponse) error {
	status := task.HITLCompleted
	if expired, _ := p.ResponseDetails["expired"].(bool); expired {
		status = task.HITLExpired
	}
	resolve := func(r *task.HITLRequest) error {
		if !r.IsPending() {
			return nil
		}
		return r.Resolve(status, p.Response, p.ResponseDetails, p.HumanID)
	}

	// Requests answered through the API are already resolved; answers sent
	// by agents resolve them here. An answer that overtakes its request is
	// kept resolved so the request cannot park the task later.
	r, err := s.hitl.Update(p.RequestID, resolve)
	if err != nil {
		r, err = s.loadHITL(ctx, p.RequestID)
		switch {
		case errors.Is(err, ErrNotFound) && p.TaskID != "":
			if _, err := s.loadTask(ctx, p.TaskID); err != nil {
				return err
			}
			early := task.NewHITLRequest(p.RequestID, p.TaskID, "", "")
			if err := early.Resolve(status, p.Response, p.ResponseDetails, p.HumanID); err != nil {
				return err
			}
			s.hitl.PutIfAbsent(early.ID, early)
		case err != nil:
			return err
		}
		if r, err = s.hitl.Update(p.RequestID, resolve); err != nil {
			return err
		}
	}
	if r.IsPending() {
		return fmt.Errorf("hitl request %s was not resolved", r.ID)
	}
	s.persistHITL(ctx, r.ID)

	taskID := r.TaskID
	if taskID == "" {
		taskID = p.TaskID
	}
	completedAt := time.Now().UTC()
	if r.CompletedAt != nil {
		completedAt = *r.CompletedAt
	}

	var (
		from    task.Status
		changed bool
	)
	t, err := s.updateTask(ctx, taskID, func(t *task.Task) error {
		from = t.Status
		known := false
		for _, sum := range t.HITLRequests {
			if sum.RequestID == r.ID {
				known = true
				changed = sum.Status == task.HITLPending
			}
		}
		switch {
		case changed:
			t.ResolveHITL(r.ID, r.Status, r.Response, completedAt)
		case !known && !t.Status.IsTerminal():
			changed = true
			return t.AddHITL(r.Summary())
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !changed {
		s.logger.DebugContext(ctx, "HITL response already applied", "task_id", t.ID, "request_id", r.ID)
		return nil
	}

	s.metrics.IncrementHITLResolutions(ctx, string(r.Status))
	if from != t.Status {
		s.metrics.IncrementTaskTransitions(ctx, string(from), string(t.Status))
	}
	s.logger.InfoContext(ctx, "HITL request resolved",
		"task_id", t.ID,
		"request_id", r.ID,
		"hitl_status", string(r.Status),
		"task_status", string(t.Status),
	)
	s.persistTask(ctx, t.ID)

	if t.AssignedAgentID != "" {
		fwd := &message.HITLResponse{
			RequestID:       r.ID,
			TaskID:          t.ID,
			Response:        r.Response,
			ResponseDetails: r.ResponseDetails,
			HumanID:         r.HumanID,
		}
		to := message.Party{ID: t.AssignedAgentID, Level: t.AssignedAgentLevel}
		s.publish(ctx, message.HITLResponseTopic(t.AssignedAgentID), message.New(fwd, s.system(), to))
	}
	return nil
}
