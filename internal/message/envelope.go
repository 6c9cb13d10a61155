package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is stamped on every envelope built by New.
const Version = "1.0"

var (
	ErrUnknownKind    = errors.New("unknown message type")
	ErrMissingPayload = errors.New("envelope has no payload")
)

// Party is one end of an exchange: an agent, a human gate or the orchestrator
// itself. Level is the agent's position in the hierarchy.
type Party struct {
	ID    string
	Level string
}

// Envelope wraps every message exchanged over the broker. It must not be
// modified after it has been published.
type Envelope struct {
	ID             string
	Kind           Kind
	SenderID       string
	SenderLevel    string
	RecipientID    string
	RecipientLevel string
	Timestamp      time.Time
	Version        string
	Payload        Payload
}

// New builds an envelope around payload with a fresh id and timestamp.
func New(payload Payload, from, to Party) *Envelope {
	return &Envelope{
		ID:             uuid.NewString(),
		Kind:           payload.Kind(),
		SenderID:       from.ID,
		SenderLevel:    from.Level,
		RecipientID:    to.ID,
		RecipientLevel: to.Level,
		Timestamp:      time.Now().UTC(),
		Version:        Version,
		Payload:        payload,
	}
}

// TaskID returns the task the payload refers to, if any.
func (e *Envelope) TaskID() string {
	if ts, ok := e.Payload.(TaskScoped); ok {
		return ts.TaskRef()
	}
	return ""
}

type wireEnvelope struct {
	MessageID      string          `json:"message_id"`
	MessageType    Kind            `json:"message_type"`
	SenderID       string          `json:"sender_id"`
	SenderLevel    string          `json:"sender_level"`
	RecipientID    string          `json:"recipient_id"`
	RecipientLevel string          `json:"recipient_level"`
	Timestamp      time.Time       `json:"timestamp"`
	Version        string          `json:"version,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, ErrMissingPayload
	}
	if e.Kind != "" && e.Kind != e.Payload.Kind() {
		return nil, fmt.Errorf("envelope kind %q does not match payload kind %q", e.Kind, e.Payload.Kind())
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Payload.Kind(), err)
	}
	return json.Marshal(wireEnvelope{
		MessageID:      e.ID,
		MessageType:    e.Payload.Kind(),
		SenderID:       e.SenderID,
		SenderLevel:    e.SenderLevel,
		RecipientID:    e.RecipientID,
		RecipientLevel: e.RecipientLevel,
		Timestamp:      e.Timestamp,
		Version:        e.Version,
		Payload:        body,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	payload := newPayload(w.MessageType)
	if payload == nil {
		return fmt.Errorf("%w: %q", ErrUnknownKind, w.MessageType)
	}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return ErrMissingPayload
	}
	if err := json.Unmarshal(w.Payload, payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", w.MessageType, err)
	}
	*e = Envelope{
		ID:             w.MessageID,
		Kind:           w.MessageType,
		SenderID:       w.SenderID,
		SenderLevel:    w.SenderLevel,
		RecipientID:    w.RecipientID,
		RecipientLevel: w.RecipientLevel,
		Timestamp:      w.Timestamp,
		Version:        w.Version,
		Payload:        payload,
	}
	return nil
}

// Marshal serializes env to its JSON wire form.
func Marshal(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal decodes the JSON wire form and the kind specific payload.
func Unmarshal(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, err
	}
	return env, nil
}
