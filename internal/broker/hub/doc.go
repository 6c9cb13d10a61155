// Package hub implements the Cauldron event hub, the gRPC service the grpc
// broker backend connects to.
//
// The service cauldron.hub.v1.EventHub is described by a hand-written
// grpc.ServiceDesc whose messages are protobuf well-known types:
//
//	rpc Publish(google.protobuf.Struct) returns (google.protobuf.Empty)
//	    request fields: topic, envelope (JSON encoded message envelope)
//	rpc Subscribe(google.protobuf.Struct) returns (stream google.protobuf.Struct)
//	    request fields: topic, subscriber, epoch, after
//	    stream fields: seq, epoch, envelope
//
// Publish validates the envelope (codes.InvalidArgument otherwise) and
// appends it to the topic log under the next sequence number. Every stream
// reads the log in order at its own pace. When an attached stream is
// BufferSize envelopes behind, Publish waits for it up to SendTimeout and
// then fails with codes.ResourceExhausted; an envelope is never accepted and
// then skipped.
//
// A client that reconnects passes the epoch and sequence of the last
// delivery it handled and gets everything after it, so delivery is at least
// once while the gap stays within HistorySize. A client without that
// position resumes from the hub's cursor for its subscriber name. The log
// lives in memory: a hub restart starts a new epoch.
//
// Server also registers grpc.health.v1 so clients can probe the hub before
// committing to it.
package hub
