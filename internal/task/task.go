package task

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPriority   = 5
	DefaultMaxRetries = 3
)

var (
	// ErrOpenSubtasks is returned when a parent task would be resolved while
	// some of its subtasks are still running.
	ErrOpenSubtasks = errors.New("task has unresolved subtasks")
	// ErrTerminal is returned when an event targets a COMPLETED or FAILED task.
	ErrTerminal = errors.New("task is in a terminal state")
	// ErrUnknownStatus is returned by ParseStatus.
	ErrUnknownStatus = errors.New("unknown task status")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusReceived     Status = "RECEIVED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusAwaitingHITL Status = "AWAITING_HITL"
	StatusRetrying     Status = "RETRYING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

var allStatuses = []Status{
	StatusReceived,
	StatusInProgress,
	StatusAwaitingHITL,
	StatusRetrying,
	StatusCompleted,
	StatusFailed,
}

// IsTerminal reports whether no further event may change a task in this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus accepts the canonical upper-case names as well as their
// lower-case forms.
func ParseStatus(s string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range allStatuses {
		if st == candidate {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// ErrorData describes why a task failed, as reported by the agent or built
// during subtask aggregation.
type ErrorData struct {
	ErrorType    string         `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Task is the unit of trackable work.
type Task struct {
	ID                 string         `json:"task_id"`
	Type               string         `json:"task_type"`
	Description        string         `json:"description"`
	Priority           int            `json:"priority"`
	AssignedAgentID    string         `json:"assigned_agent_id,omitempty"`
	AssignedAgentLevel string         `json:"assigned_agent_level,omitempty"`
	Status             Status         `json:"status"`
	RetryCount         int            `json:"retry_count"`
	MaxRetries         int            `json:"max_retries"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	InputData          map[string]any `json:"input_data"`
	ResultData         map[string]any `json:"result_data,omitempty"`
	ErrorData          *ErrorData     `json:"error_data,omitempty"`
	ParentTaskID       string         `json:"parent_task_id,omitempty"`
	SubtaskIDs         []string       `json:"subtask_ids"`
	HITLRequests       []HITLSummary  `json:"hitl_requests"`
}

// New builds a RECEIVED task with defaults applied. An empty id gets a
// generated one.
func New(id, taskType, description string) *Task {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Task{
		ID:           id,
		Type:         taskType,
		Description:  description,
		Priority:     DefaultPriority,
		Status:       StatusReceived,
		MaxRetries:   DefaultMaxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
		InputData:    map[string]any{},
		SubtaskIDs:   []string{},
		HITLRequests: []HITLSummary{},
	}
}

// IsParent reports whether subtasks were ever linked to the task.
func (t *Task) IsParent() bool {
	return len(t.SubtaskIDs) > 0
}

// HasSubtask reports whether id is already linked.
func (t *Task) HasSubtask(id string) bool {
	for _, sid := range t.SubtaskIDs {
		if sid == id {
			return true
		}
	}
	return false
}

// AddSubtask appends id once.
func (t *Task) AddSubtask(id string) {
	if t.HasSubtask(id) {
		return
	}
	t.SubtaskIDs = append(t.SubtaskIDs, id)
	t.touch()
}

// SetStatus moves a non-terminal task to status. Terminal tasks are left
// unchanged and ErrTerminal is returned.
func (t *Task) SetStatus(status Status) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	t.Status = status
	t.touch()
	if status == StatusCompleted {
		now := t.UpdatedAt
		t.CompletedAt = &now
	}
	return nil
}

// Complete records a successful result.
func (t *Task) Complete(result map[string]any) error {
	if err := t.SetStatus(StatusCompleted); err != nil {
		return err
	}
	t.ResultData = cloneMap(result)
	if t.ResultData == nil {
		t.ResultData = map[string]any{}
	}
	return nil
}

// Fail records a terminal failure.
func (t *Task) Fail(data ErrorData) error {
	if err := t.SetStatus(StatusFailed); err != nil {
		return err
	}
	if data.Timestamp.IsZero() {
		data.Timestamp = t.UpdatedAt
	}
	data.ErrorDetails = cloneMap(data.ErrorDetails)
	t.ErrorData = &data
	return nil
}

// CanRetry reports whether another error event would be absorbed by the
// retry budget rather than failing the task.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// Retry consumes one unit of the retry budget and moves the task to RETRYING.
// The last reported error is kept for readers even though the task is not
// failed.
func (t *Task) Retry(data ErrorData) error {
	if err := t.SetStatus(StatusRetrying); err != nil {
		return err
	}
	t.RetryCount++
	if data.Timestamp.IsZero() {
		data.Timestamp = t.UpdatedAt
	}
	data.ErrorDetails = cloneMap(data.ErrorDetails)
	t.ErrorData = &data
	return nil
}

// AddHITL records summary on the task unless one with the same request id
// exists. The task moves to AWAITING_HITL only while that request is still
// pending; a request whose answer is already known leaves the status alone.
func (t *Task) AddHITL(summary HITLSummary) error {
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	idx := -1
	for i := range t.HITLRequests {
		if t.HITLRequests[i].RequestID == summary.RequestID {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.HITLRequests = append(t.HITLRequests, summary.clone())
		idx = len(t.HITLRequests) - 1
	}
	cur := &t.HITLRequests[idx]
	if cur.RequestType == "" {
		cur.RequestType = summary.RequestType
		cur.Description = summary.Description
		cur.Options = append([]Option(nil), summary.Options...)
	}

	switch {
	case cur.Status != HITLPending:
		t.touch()
		return nil
	case summary.Status != HITLPending:
		at := t.UpdatedAt
		if summary.CompletedAt != nil {
			at = *summary.CompletedAt
		}
		t.ResolveHITL(summary.RequestID, summary.Status, summary.Response, at)
		return nil
	}
	return t.SetStatus(StatusAwaitingHITL)
}

// ResolveHITL marks the summary for requestID with the response. It reports
// whether a summary was found. When no other request is still pending and the
// task is awaiting a human, the task goes back to IN_PROGRESS.
func (t *Task) ResolveHITL(requestID string, status HITLStatus, response string, at time.Time) bool {
	found := false
	for i := range t.HITLRequests {
		if t.HITLRequests[i].RequestID != requestID {
			continue
		}
		found = true
		t.HITLRequests[i].Status = status
		t.HITLRequests[i].Response = response
		completed := at
		t.HITLRequests[i].CompletedAt = &completed
	}
	if !found || t.Status.IsTerminal() {
		return found
	}
	t.touch()
	if t.Status == StatusAwaitingHITL && len(t.PendingHITL()) == 0 {
		t.Status = StatusInProgress
	}
	return found
}

// PendingHITL returns the ids of HITL requests still waiting for a human.
func (t *Task) PendingHITL() []string {
	var ids []string
	for _, s := range t.HITLRequests {
		if s.Status == HITLPending {
			ids = append(ids, s.RequestID)
		}
	}
	return ids
}

// Clone returns a deep copy safe to hand out of a registry.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	c.InputData = cloneMap(t.InputData)
	c.ResultData = cloneMap(t.ResultData)
	if t.ErrorData != nil {
		ed := *t.ErrorData
		ed.ErrorDetails = cloneMap(t.ErrorData.ErrorDetails)
		c.ErrorData = &ed
	}
	c.SubtaskIDs = append([]string{}, t.SubtaskIDs...)
	c.HITLRequests = make([]HITLSummary, len(t.HITLRequests))
	for i, s := range t.HITLRequests {
		c.HITLRequests[i] = s.clone()
	}
	return &c
}

func (t *Task) touch() {
	t.UpdatedAt = time.Now().UTC()
}

// cloneMap copies the top level of m. Nested values are shared; payloads are
// treated as immutable once handed to the core.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}
