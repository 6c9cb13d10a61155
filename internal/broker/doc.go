// Package broker provides the topic-based publish/subscribe transport the
// orchestrator and agents talk over.
//
// Three backends satisfy Broker:
//
//   - Memory delivers synchronously inside the process.
//   - GRPC is a client of the event hub in package hub.
//   - Postgres keeps a durable topic log and wakes consumers with
//     LISTEN/NOTIFY.
//
// Every backend delivers the envelopes of one topic to each handler in
// publish order. Handler errors and panics are logged and counted; they never
// reach the publisher. New picks a backend from Config and falls back to
// Memory when the requested one cannot be reached.
package broker
