// Package task holds the Task and HITLRequest entities and the transitions
// that are legal on them.
//
// A task starts RECEIVED. Agent events move it through IN_PROGRESS,
// AWAITING_HITL and RETRYING until it reaches COMPLETED or FAILED, after which
// every mutator returns ErrTerminal and leaves the task untouched:
//
//	RECEIVED -> IN_PROGRESS -> AWAITING_HITL -> IN_PROGRESS -> COMPLETED
//	                        \-> RETRYING -> IN_PROGRESS
//	                        \-> FAILED
//
// The entities are plain values. Callers that share them between goroutines
// keep them in a registry and hand out Clone copies.
package task
