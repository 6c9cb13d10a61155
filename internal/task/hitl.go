package task

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrHITLResolved is returned when a response targets a request that is no
// longer pending.
var ErrHITLResolved = errors.New("hitl request already resolved")

// HITLStatus is the resolution state of a human-in-the-loop request.
type HITLStatus string

const (
	HITLPending   HITLStatus = "pending"
	HITLCompleted HITLStatus = "completed"
	HITLExpired   HITLStatus = "expired"
)

// Option is one selectable answer offered to the human.
type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// HITLSummary is the denormalized view of a HITL request kept on its task.
type HITLSummary struct {
	RequestID   string     `json:"request_id"`
	RequestType string     `json:"request_type"`
	Description string     `json:"description"`
	Options     []Option   `json:"options"`
	Status      HITLStatus `json:"status"`
	Response    string     `json:"response,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s HITLSummary) clone() HITLSummary {
	c := s
	c.Options = append([]Option(nil), s.Options...)
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

// HITLRequest is the authoritative human decision gate. It belongs to exactly
// one task.
type HITLRequest struct {
	ID              string         `json:"request_id"`
	TaskID          string         `json:"task_id"`
	RequestType     string         `json:"request_type"`
	Description     string         `json:"description"`
	Options         []Option       `json:"options"`
	Urgency         string         `json:"urgency,omitempty"`
	TimeoutSeconds  int            `json:"timeout_seconds,omitempty"`
	Status          HITLStatus     `json:"status"`
	Response        string         `json:"response,omitempty"`
	ResponseDetails map[string]any `json:"response_details,omitempty"`
	HumanID         string         `json:"human_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// NewHITLRequest builds a pending request. An empty id gets a generated one.
func NewHITLRequest(id, taskID, requestType, description string) *HITLRequest {
	if id == "" {
		id = uuid.NewString()
	}
	return &HITLRequest{
		ID:          id,
		TaskID:      taskID,
		RequestType: requestType,
		Description: description,
		Options:     []Option{},
		Status:      HITLPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// IsPending reports whether a human can still answer.
func (r *HITLRequest) IsPending() bool {
	return r.Status == HITLPending
}

// Resolve records the human answer. Only pending requests can be resolved.
func (r *HITLRequest) Resolve(status HITLStatus, response string, details map[string]any, humanID string) error {
	if !r.IsPending() {
		return ErrHITLResolved
	}
	now := time.Now().UTC()
	r.Status = status
	r.Response = response
	r.ResponseDetails = cloneMap(details)
	r.HumanID = humanID
	r.CompletedAt = &now
	return nil
}

// Expired reports whether the advisory timeout has elapsed at now. Requests
// without a timeout never expire.
func (r *HITLRequest) Expired(now time.Time) bool {
	if r.TimeoutSeconds <= 0 || !r.IsPending() {
		return false
	}
	return now.After(r.CreatedAt.Add(time.Duration(r.TimeoutSeconds) * time.Second))
}

// Summary builds the task-side view of the request.
func (r *HITLRequest) Summary() HITLSummary {
	s := HITLSummary{
		RequestID:   r.ID,
		RequestType: r.RequestType,
		Description: r.Description,
		Options:     append([]Option(nil), r.Options...),
		Status:      r.Status,
		Response:    r.Response,
		CreatedAt:   r.CreatedAt,
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		s.CompletedAt = &at
	}
	return s
}

// Clone returns a deep copy.
func (r *HITLRequest) Clone() *HITLRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Options = append([]Option(nil), r.Options...)
	c.ResponseDetails = cloneMap(r.ResponseDetails)
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
