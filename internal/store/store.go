// Package store persists tasks and HITL requests outside the process.
//
// The orchestrator keeps its working set in memory and mirrors every change
// through a write-behind Mirror, so a slow or failing store never delays
// message handling. Reads only reach the store when the in-memory registry
// misses, e.g. after a restart.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/owulveryck/cauldron/internal/task"
)

// ErrNotFound is returned by GetTask and GetHITLRequest on a miss.
var ErrNotFound = errors.New("store: not found")

// Filter selects tasks. Zero fields match everything.
type Filter struct {
	AgentID  string
	Status   task.Status
	ParentID string
	Type     string
	Limit    int
	Offset   int
}

// HITLFilter selects HITL requests. Zero fields match everything.
type HITLFilter struct {
	TaskID string
	Status task.HITLStatus
	Limit  int
	Offset int
}

// TaskStore handles task persistence.
type TaskStore interface {
	SaveTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	DeleteTask(ctx context.Context, id string) error
	// ListTasks returns matches ordered by created_at then id.
	ListTasks(ctx context.Context, f Filter) ([]*task.Task, error)
}

// HITLStore handles HITL request persistence.
type HITLStore interface {
	SaveHITLRequest(ctx context.Context, r *task.HITLRequest) error
	GetHITLRequest(ctx context.Context, id string) (*task.HITLRequest, error)
	// ListHITLRequests returns matches ordered by created_at then id.
	ListHITLRequests(ctx context.Context, f HITLFilter) ([]*task.HITLRequest, error)
}

// Store is the persistence contract the orchestrator depends on.
type Store interface {
	io.Closer
	TaskStore
	HITLStore
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*Mirror)(nil)
)
