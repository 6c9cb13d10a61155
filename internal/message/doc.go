// Package message defines the envelope exchanged between the orchestrator and
// agents, the nine payload kinds it can carry and the topic naming scheme.
//
// # Wire format
//
// Envelopes travel as JSON:
//
//	{
//	  "message_id": "...", "message_type": "result",
//	  "sender_id": "...", "sender_level": "...",
//	  "recipient_id": "...", "recipient_level": "...",
//	  "timestamp": "2026-01-02T15:04:05Z", "version": "1.0",
//	  "payload": {"task_id": "...", "result_data": {...}}
//	}
//
// The payload is decoded once, into the Go type matching message_type, so
// handlers type-switch on Envelope.Payload:
//
//	switch p := env.Payload.(type) {
//	case *message.Result:
//	    ...
//	case *message.Error:
//	    ...
//	}
//
// # Topics
//
// Broadcast topics follow cauldron.agent.<category>.<event>. Point-to-point
// delivery uses AssignTopic, HITLResponseTopic and NotifyTopic.
package message
