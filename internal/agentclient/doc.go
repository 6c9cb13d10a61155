// Package agentclient is the agent side of the hub. An Agent listens on its
// assignment topic, runs the handler registered for the task type and
// reports progress, results and errors back to the orchestrator. It can also
// raise human-in-the-loop requests and receive the forwarded decisions.
package agentclient
