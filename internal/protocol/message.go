package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload is implemented by every message variant.
type Payload interface {
	MessageType() Type
}

// Message is the decoded form of a wire envelope. Payload always holds a
// pointer to one of the variant structs in this package.
type Message struct {
	Type      Type
	Timestamp time.Time
	MessageID string
	Payload   Payload
}

// envelope is the JSON shape on the wire.
type envelope struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"messageId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

var ErrUnknownType = errors.New("unknown message type")

// DecodeError is returned by Deserialize when bytes do not form a valid
// message of a known type.
type DecodeError struct {
	Type Type
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decode message: %v", e.Err)
	}
	return fmt.Sprintf("decode %s message: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var registry = map[Type]func() Payload{
	TypeRegisterAgent:          func() Payload { return &RegisterAgent{} },
	TypeAgentRegistered:        func() Payload { return &AgentRegistered{} },
	TypeRegisterViewer:         func() Payload { return &RegisterViewer{} },
	TypeViewerRegistered:       func() Payload { return &ViewerRegistered{} },
	TypeRequestSession:         func() Payload { return &RequestSession{} },
	TypeSessionRequestReceived: func() Payload { return &SessionRequestReceived{} },
	TypeSessionDecision:        func() Payload { return &SessionDecision{} },
	TypeSessionStarted:         func() Payload { return &SessionStarted{} },
	TypeSessionEnded:           func() Payload { return &SessionEnded{} },
	TypeFrame:                  func() Payload { return &Frame{} },
	TypeInputEvent:             func() Payload { return &InputEvent{} },
	TypeKeepAlive:              func() Payload { return &KeepAlive{} },
	TypeError:                  func() Payload { return &Error{} },
	TypeSelectMonitor:          func() Payload { return &SelectMonitor{} },
	TypeUpdateQuality:          func() Payload { return &UpdateQuality{} },
}

// IsKnown reports whether t belongs to the closed set of variants.
func IsKnown(t Type) bool {
	_, ok := registry[t]
	return ok
}

// New wraps payload in a message stamped with the current time and a fresh
// message id.
func New(payload Payload) *Message {
	return &Message{
		Type:      payload.MessageType(),
		Timestamp: time.Now().UTC(),
		MessageID: uuid.New().String(),
		Payload:   payload,
	}
}

func Serialize(msg *Message) ([]byte, error) {
	if msg == nil || msg.Payload == nil {
		return nil, errors.New("serialize: message has no payload")
	}
	if msg.Type != "" && msg.Type != msg.Payload.MessageType() {
		return nil, fmt.Errorf("serialize: type %s does not match payload %s", msg.Type, msg.Payload.MessageType())
	}

	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("serialize %s payload: %w", msg.Payload.MessageType(), err)
	}

	data, err := json.Marshal(envelope{
		Type:      msg.Payload.MessageType(),
		Timestamp: msg.Timestamp,
		MessageID: msg.MessageID,
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("serialize %s envelope: %w", msg.Payload.MessageType(), err)
	}
	return data, nil
}

// Marshal is a shorthand for Serialize(New(payload)).
func Marshal(payload Payload) ([]byte, error) {
	return Serialize(New(payload))
}

func Deserialize(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}

	factory, ok := registry[env.Type]
	if !ok {
		return nil, &DecodeError{Type: env.Type, Err: ErrUnknownType}
	}

	payload := factory()
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, &DecodeError{Type: env.Type, Err: errors.New("missing payload")}
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return nil, &DecodeError{Type: env.Type, Err: err}
	}

	return &Message{
		Type:      env.Type,
		Timestamp: env.Timestamp,
		MessageID: env.MessageID,
		Payload:   payload,
	}, nil
}

// TryDeserialize never fails loudly; ok is false when data cannot be decoded.
func TryDeserialize(data []byte) (*Message, bool) {
	msg, err := Deserialize(data)
	if err != nil {
		return nil, false
	}
	return msg, true
}

// DecodePayload decodes only the payload of data into out, which must be a
// pointer to the variant matching the envelope type.
func DecodePayload(data []byte, out Payload) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &DecodeError{Err: err}
	}
	if env.Type != out.MessageType() {
		return &DecodeError{Type: env.Type, Err: fmt.Errorf("expected %s", out.MessageType())}
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return &DecodeError{Type: env.Type, Err: err}
	}
	return nil
}

// PeekType returns the discriminator of data without decoding the payload.
func PeekType(data []byte) (Type, bool) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return "", false
	}
	return head.Type, true
}

// PeekSessionID returns payload.sessionId, or "" when absent.
func PeekSessionID(data []byte) string {
	var head struct {
		Payload struct {
			SessionID *string `json:"sessionId"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Payload.SessionID == nil {
		return ""
	}
	return *head.Payload.SessionID
}

// RawPayload returns the payload object of data as received.
func RawPayload(data []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if len(env.Payload) == 0 {
		return nil, &DecodeError{Type: env.Type, Err: errors.New("missing payload")}
	}
	return env.Payload, nil
}
