package protocol

import (
    "encoding/json"
    "fmt"
    "time"
)

// Kind discriminates the three envelope shapes that cross the wire.
type Kind string

const (
    KindCommand  Kind = "command"
    KindResponse Kind = "response"
    KindEvent    Kind = "event"
)

// Envelope is the only thing exchanged with a telescope endpoint.
// ID is present for command/response pairs and absent for events.
type Envelope struct {
    Kind      Kind            `json:"kind"`
    ID        string          `json:"id,omitempty"`
    Action    string          `json:"action,omitempty"`
    Topic     string          `json:"topic,omitempty"`
    Target    string          `json:"target,omitempty"`
    Payload   json.RawMessage `json:"payload,omitempty"`
    Timestamp int64           `json:"ts"`
}

// NewCommand builds a command envelope with the given correlation id.
func NewCommand(id, action, target string, payload json.RawMessage) Envelope {
    return Envelope{
        Kind:      KindCommand,
        ID:        id,
        Action:    action,
        Target:    target,
        Payload:   payload,
        Timestamp: time.Now().UnixMilli(),
    }
}

// NewResponse builds the response paired to a command by id.
func NewResponse(id, target string, payload json.RawMessage) Envelope {
    return Envelope{
        Kind:      KindResponse,
        ID:        id,
        Target:    target,
        Payload:   payload,
        Timestamp: time.Now().UnixMilli(),
    }
}

// NewEvent builds an unsolicited event envelope for a topic.
func NewEvent(topic, target string, payload json.RawMessage) Envelope {
    return Envelope{
        Kind:      KindEvent,
        Topic:     topic,
        Target:    target,
        Payload:   payload,
        Timestamp: time.Now().UnixMilli(),
    }
}

// Validate checks the structural invariants for the envelope's kind.
// Payload schemas are the concern of the action/topic handlers, not here.
func (e *Envelope) Validate() error {
    switch e.Kind {
    case KindCommand:
        if e.ID == "" {
            return &ProtocolError{Reason: "command without id"}
        }
        if e.Action == "" {
            return &ProtocolError{Reason: "command without action"}
        }
    case KindResponse:
        if e.ID == "" {
            return &ProtocolError{Reason: "response without id"}
        }
    case KindEvent:
        if e.ID != "" {
            return &ProtocolError{Reason: "event carries an id"}
        }
        if e.Topic == "" {
            return &ProtocolError{Reason: "event without topic"}
        }
    default:
        return &ProtocolError{Reason: fmt.Sprintf("unknown kind %q", string(e.Kind))}
    }
    return nil
}

// Result is the server-reported outcome embedded in response payloads.
type Result struct {
    Success bool         `json:"success"`
    Error   *DeviceError `json:"error,omitempty"`
}

// ParseResult extracts the outcome fields from a response payload. The raw
// payload stays with the caller for decoding action-specific fields.
func ParseResult(payload json.RawMessage) (Result, error) {
    var r Result
    if len(payload) == 0 {
        return r, &ProtocolError{Reason: "response without payload"}
    }
    if err := json.Unmarshal(payload, &r); err != nil {
        return r, &ProtocolError{Reason: "malformed response payload", Err: err}
    }
    return r, nil
}
