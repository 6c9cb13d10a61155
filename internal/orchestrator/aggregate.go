package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/owulveryck/cauldron/internal/message"
	"github.com/owulveryck/cauldron/internal/task"
)

const (
	aggregateCompleted = "completed"
	aggregateFailed    = "failed"
	aggregateMissing   = "missing_subtask"

	// SubtaskFailureType is the error_type of a parent failed by aggregation.
	SubtaskFailureType = "subtask_failure"
)

var errMissingSubtask = errors.New("referenced subtask does not exist")

// evaluateParent resolves parentID once its subtasks allow it: any FAILED
// subtask fails the parent, all COMPLETED completes it. A missing subtask
// only blocks completion. The outcome is sent to the parent's agent and
// cascades to the grandparent.
func (s *Service) evaluateParent(ctx context.Context, parentID string) {
	for parentID != "" {
		parent, from, outcome, err := s.aggregate(ctx, parentID)
		if err != nil {
			s.metrics.IncrementAggregations(ctx, aggregateMissing)
			s.logger.ErrorContext(ctx, "Subtask aggregation failed",
				"task_id", parentID,
				"error", err,
			)
			return
		}
		if outcome == "" {
			return
		}

		s.metrics.IncrementAggregations(ctx, outcome)
		s.metrics.IncrementTaskTransitions(ctx, string(from), string(parent.Status))
		s.logger.InfoContext(ctx, "Parent task resolved from subtasks",
			"task_id", parent.ID,
			"status", string(parent.Status),
			"subtask_count", len(parent.SubtaskIDs),
		)
		s.persistTask(ctx, parent.ID)
		s.notifyParentAgent(ctx, parent)

		parentID = parent.ParentTaskID
	}
}

// aggregate inspects the subtasks under the parent's lock. An empty outcome
// means the parent is still waiting or was already resolved.
func (s *Service) aggregate(ctx context.Context, parentID string) (*task.Task, task.Status, string, error) {
	var (
		from    task.Status
		outcome string
	)
	parent, err := s.updateTask(ctx, parentID, func(p *task.Task) error {
		from = p.Status
		if p.Status.IsTerminal() || !p.IsParent() {
			return nil
		}

		results := make(map[string]any, len(p.SubtaskIDs))
		var (
			failed  []string
			missing []string
			waiting bool
		)
		for _, id := range p.SubtaskIDs {
			st, ok := s.tasks.Get(id)
			if !ok {
				missing = append(missing, id)
				continue
			}
			switch st.Status {
			case task.StatusFailed:
				failed = append(failed, id)
			case task.StatusCompleted:
				results[id] = st.ResultData
			default:
				waiting = true
			}
		}

		if len(failed) > 0 {
			outcome = aggregateFailed
			return p.Fail(task.ErrorData{
				ErrorType:    SubtaskFailureType,
				ErrorMessage: fmt.Sprintf("%d of %d subtasks failed", len(failed), len(p.SubtaskIDs)),
				ErrorDetails: map[string]any{"failed_subtasks": failed},
			})
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %v", errMissingSubtask, missing)
		}
		if waiting {
			return nil
		}
		outcome = aggregateCompleted
		return p.Complete(map[string]any{"subtask_results": results})
	})
	if err != nil {
		return nil, "", "", err
	}
	return parent, from, outcome, nil
}

func (s *Service) notifyParentAgent(ctx context.Context, parent *task.Task) {
	if parent.AssignedAgentID == "" {
		return
	}
	var p message.Payload
	if parent.Status == task.StatusCompleted {
		p = &message.Result{TaskID: parent.ID, ResultData: parent.ResultData}
	} else {
		e := &message.Error{TaskID: parent.ID}
		if parent.ErrorData != nil {
			e.ErrorType = parent.ErrorData.ErrorType
			e.ErrorMessage = parent.ErrorData.ErrorMessage
			e.ErrorDetails = parent.ErrorData.ErrorDetails
		}
		p = e
	}
	to := message.Party{ID: parent.AssignedAgentID, Level: parent.AssignedAgentLevel}
	s.publish(ctx, message.NotifyTopic(parent.AssignedAgentID), message.New(p, s.system(), to))
}
