package message

import (
	"github.com/owulveryck/cauldron/internal/task"
)

// Kind identifies the payload carried by an envelope.
type Kind string

const (
	KindTaskAssignment   Kind = "task_assignment"
	KindStatusUpdate     Kind = "status_update"
	KindResult           Kind = "result"
	KindError            Kind = "error"
	KindHITLRequest      Kind = "hitl_request"
	KindHITLResponse     Kind = "hitl_response"
	KindKnowledgeSharing Kind = "knowledge_sharing"
	KindResourceRequest  Kind = "resource_request"
	KindCoordination     Kind = "coordination"
)

// Payload is implemented by the nine message kinds. Handlers switch on the
// concrete type instead of probing a map.
type Payload interface {
	Kind() Kind
}

// TaskScoped is implemented by payloads that refer to a single task.
type TaskScoped interface {
	Payload
	TaskRef() string
}

// TaskAssignment hands a task to an agent. RetryCount and PreviousError are
// set when the assignment is a retry.
type TaskAssignment struct {
	TaskID        string          `json:"task_id"`
	TaskType      string          `json:"task_type"`
	Description   string          `json:"description"`
	Priority      int             `json:"priority"`
	InputData     map[string]any  `json:"input_data"`
	ParentTaskID  string          `json:"parent_task_id,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	PreviousError *task.ErrorData `json:"previous_error,omitempty"`
}

func (*TaskAssignment) Kind() Kind        { return KindTaskAssignment }
func (p *TaskAssignment) TaskRef() string { return p.TaskID }

// IsRetry reports whether the assignment re-dispatches a failed attempt.
func (p *TaskAssignment) IsRetry() bool { return p.RetryCount > 0 }

// StatusUpdate reports a non-terminal progress change.
type StatusUpdate struct {
	TaskID   string      `json:"task_id"`
	Status   task.Status `json:"status"`
	Progress float64     `json:"progress,omitempty"`
	Message  string      `json:"message,omitempty"`
}

func (*StatusUpdate) Kind() Kind        { return KindStatusUpdate }
func (p *StatusUpdate) TaskRef() string { return p.TaskID }

// Result carries a successful outcome.
type Result struct {
	TaskID     string         `json:"task_id"`
	ResultData map[string]any `json:"result_data"`
}

func (*Result) Kind() Kind        { return KindResult }
func (p *Result) TaskRef() string { return p.TaskID }

// Error carries an agent reported failure.
type Error struct {
	TaskID       string         `json:"task_id"`
	ErrorType    string         `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
}

func (*Error) Kind() Kind        { return KindError }
func (p *Error) TaskRef() string { return p.TaskID }

// HITLRequest asks a human to decide before the task can resume.
type HITLRequest struct {
	RequestID      string        `json:"request_id"`
	TaskID         string        `json:"task_id"`
	RequestType    string        `json:"request_type"`
	Description    string        `json:"description"`
	Options        []task.Option `json:"options"`
	TimeoutSeconds int           `json:"timeout_seconds,omitempty"`
	Urgency        string        `json:"urgency,omitempty"`
}

func (*HITLRequest) Kind() Kind        { return KindHITLRequest }
func (p *HITLRequest) TaskRef() string { return p.TaskID }

// HITLResponse carries the human decision.
type HITLResponse struct {
	RequestID       string         `json:"request_id"`
	TaskID          string         `json:"task_id"`
	Response        string         `json:"response"`
	ResponseDetails map[string]any `json:"response_details,omitempty"`
	HumanID         string         `json:"human_id,omitempty"`
}

func (*HITLResponse) Kind() Kind        { return KindHITLResponse }
func (p *HITLResponse) TaskRef() string { return p.TaskID }

type KnowledgeSharing struct {
	KnowledgeType string         `json:"knowledge_type"`
	Content       map[string]any `json:"content"`
	Tags          []string       `json:"tags,omitempty"`
}

func (*KnowledgeSharing) Kind() Kind { return KindKnowledgeSharing }

type ResourceRequest struct {
	ResourceType  string `json:"resource_type"`
	Quantity      int    `json:"quantity"`
	Justification string `json:"justification,omitempty"`
}

func (*ResourceRequest) Kind() Kind { return KindResourceRequest }

type Coordination struct {
	Action  string         `json:"action"`
	TaskIDs []string       `json:"task_ids,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (*Coordination) Kind() Kind { return KindCoordination }

// newPayload returns an empty payload for kind, or nil for an unknown kind.
func newPayload(kind Kind) Payload {
	switch kind {
	case KindTaskAssignment:
		return &TaskAssignment{}
	case KindStatusUpdate:
		return &StatusUpdate{}
	case KindResult:
		return &Result{}
	case KindError:
		return &Error{}
	case KindHITLRequest:
		return &HITLRequest{}
	case KindHITLResponse:
		return &HITLResponse{}
	case KindKnowledgeSharing:
		return &KnowledgeSharing{}
	case KindResourceRequest:
		return &ResourceRequest{}
	case KindCoordination:
		return &Coordination{}
	default:
		return nil
	}
}
