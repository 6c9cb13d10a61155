package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/owulveryck/cauldron/internal/message"
	"github.com/owulveryck/cauldron/internal/store"
	"github.com/owulveryck/cauldron/internal/task"
)

// CreateHITLRequest describes a question for a human.
type CreateHITLRequest struct {
	RequestID      string
	TaskID         string
	RequestType    string
	Description    string
	Options        []task.Option
	Urgency        string
	TimeoutSeconds int
}

// HITLAnswer is a human decision.
type HITLAnswer struct {
	Response        string
	ResponseDetails map[string]any
	HumanID         string
}

// CreateHITLRequest registers a pending request and publishes it. The
// request handler moves the task to AWAITING_HITL.
func (s *Service) CreateHITLRequest(ctx context.Context, req CreateHITLRequest) (*task.HITLRequest, error) {
	if req.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id is required", ErrInvalidArgument)
	}
	if req.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: negative timeout_seconds", ErrInvalidArgument)
	}
	t, err := s.loadTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("task %s: %w", t.ID, task.ErrTerminal)
	}

	r := task.NewHITLRequest(req.RequestID, req.TaskID, req.RequestType, req.Description)
	r.Options = append(r.Options, req.Options...)
	r.Urgency = req.Urgency
	r.TimeoutSeconds = req.TimeoutSeconds
	if !s.hitl.PutIfAbsent(r.ID, r) {
		return nil, fmt.Errorf("%w: hitl request %s already exists", ErrInvalidArgument, r.ID)
	}
	s.persistHITL(ctx, r.ID)

	s.logger.InfoContext(ctx, "HITL request created",
		"request_id", r.ID,
		"task_id", r.TaskID,
		"request_type", r.RequestType,
	)

	env := message.New(&message.HITLRequest{
		RequestID:      r.ID,
		TaskID:         r.TaskID,
		RequestType:    r.RequestType,
		Description:    r.Description,
		Options:        r.Options,
		TimeoutSeconds: r.TimeoutSeconds,
		Urgency:        r.Urgency,
	}, s.system(), message.Party{})
	s.publishOrApply(ctx, message.TopicHITLRequest, env)
	return r.Clone(), nil
}

// RespondToHITLRequest records the human answer and publishes it. A request
// that is no longer pending returns task.ErrHITLResolved and is left as is.
func (s *Service) RespondToHITLRequest(ctx context.Context, requestID string, answer HITLAnswer) (*task.HITLRequest, error) {
	current, err := s.loadHITL(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadTask(ctx, current.TaskID); err != nil {
		return nil, err
	}

	r, err := s.hitl.Update(requestID, func(r *task.HITLRequest) error {
		return r.Resolve(task.HITLCompleted, answer.Response, answer.ResponseDetails, answer.HumanID)
	})
	if err != nil {
		if errors.Is(err, task.ErrHITLResolved) {
			return nil, fmt.Errorf("hitl request %s: %w", requestID, err)
		}
		return nil, fmt.Errorf("hitl request %s: %w", requestID, ErrNotFound)
	}
	s.persistHITL(ctx, r.ID)

	s.logger.InfoContext(ctx, "HITL request answered",
		"request_id", r.ID,
		"task_id", r.TaskID,
		"human_id", r.HumanID,
	)

	s.publishResponse(ctx, r)
	return r, nil
}

func (s *Service) publishResponse(ctx context.Context, r *task.HITLRequest) {
	env := message.New(&message.HITLResponse{
		RequestID:       r.ID,
		TaskID:          r.TaskID,
		Response:        r.Response,
		ResponseDetails: r.ResponseDetails,
		HumanID:         r.HumanID,
	}, s.system(), message.Party{})
	s.publishOrApply(ctx, message.TopicHITLResponse, env)
}

// GetHITLRequest returns a snapshot of the request.
func (s *Service) GetHITLRequest(ctx context.Context, id string) (*task.HITLRequest, error) {
	return s.loadHITL(ctx, id)
}

// GetTaskHITLRequests lists the requests raised for taskID ordered by
// creation.
func (s *Service) GetTaskHITLRequests(ctx context.Context, taskID string) ([]*task.HITLRequest, error) {
	if _, err := s.loadTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.listHITL(ctx, store.HITLFilter{TaskID: taskID}, Page{})
}

// GetPendingHITLRequests lists the requests still waiting for a human.
func (s *Service) GetPendingHITLRequests(ctx context.Context, page Page) ([]*task.HITLRequest, error) {
	return s.listHITL(ctx, store.HITLFilter{Status: task.HITLPending}, page)
}

func (s *Service) listHITL(ctx context.Context, f store.HITLFilter, page Page) ([]*task.HITLRequest, error) {
	if err := page.validate(); err != nil {
		return nil, err
	}
	var out []*task.HITLRequest
	s.hitl.Range(func(r *task.HITLRequest) bool {
		if (f.TaskID == "" || r.TaskID == f.TaskID) && (f.Status == "" || r.Status == f.Status) {
			out = append(out, r)
		}
		return true
	})
	if len(out) > 0 || s.store == nil {
		slices.SortStableFunc(out, func(a, b *task.HITLRequest) int {
			if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		return paginate(out, page), nil
	}

	f.Limit, f.Offset = page.Limit, page.Offset
	stored, err := s.store.ListHITLRequests(ctx, f)
	if err != nil {
		s.metrics.IncrementStoreErrors(ctx, "list_hitl_requests")
		return nil, fmt.Errorf("list hitl requests: %w", err)
	}
	for _, r := range stored {
		s.hitl.PutIfAbsent(r.ID, r)
	}
	return stored, nil
}

func (s *Service) sweepHITL(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.expireHITL(ctx, now)
		}
	}
}

// expireHITL resolves every pending request whose timeout elapsed at now and
// publishes an expired response so the task resumes.
func (s *Service) expireHITL(ctx context.Context, now time.Time) int {
	var expired []string
	s.hitl.Range(func(r *task.HITLRequest) bool {
		if r.Expired(now) {
			expired = append(expired, r.ID)
		}
		return true
	})

	n := 0
	for _, id := range expired {
		r, err := s.hitl.Update(id, func(r *task.HITLRequest) error {
			if !r.Expired(now) {
				return task.ErrHITLResolved
			}
			return r.Resolve(task.HITLExpired, "", map[string]any{"expired": true}, "")
		})
		if err != nil {
			continue
		}
		n++
		s.persistHITL(ctx, r.ID)
		s.logger.WarnContext(ctx, "HITL request expired",
			"request_id", r.ID,
			"task_id", r.TaskID,
			"timeout_seconds", r.TimeoutSeconds,
		)
		s.publishResponse(ctx, r)
	}
	return n
}
