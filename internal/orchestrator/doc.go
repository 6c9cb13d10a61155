// Package orchestrator tracks hierarchical tasks and human-in-the-loop
// requests exchanged with agents over a broker.
//
// Every state change travels as a message. API calls such as
// UpdateTaskResult publish an envelope on the shared agent topic and the
// service's own subscription applies it, exactly as it would for an agent.
// When the broker refuses the envelope the change is applied in-process.
//
// Task state lives in a registry with one lock per task. Handlers mutate a
// task under its lock and publish or persist only after releasing it. Parent
// aggregation is the one place that holds two locks, always parent before
// child, so sibling subtasks finishing together resolve their parent once.
//
// Duplicate deliveries are dropped by message id. When HITLSweepInterval is
// set, pending HITL requests past their timeout are expired and the task
// resumes as if a human had answered.
package orchestrator
