package protocol

import (
    "errors"
    "fmt"
    "time"
)

// ErrConnectionLost rejects every request that was in flight when the link
// dropped. In-flight device commands cannot be assumed delivered, so callers
// must treat them as failed and decide themselves whether to re-issue.
var ErrConnectionLost = errors.New("connection lost")

// ErrLinkClosed is returned for sends on a link that was closed for good.
var ErrLinkClosed = errors.New("link closed")

// TransportError wraps a connection or send failure.
type TransportError struct {
    Op  string
    Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports that no response arrived within the deadline.
type TimeoutError struct {
    Action  string
    ID      string
    Timeout time.Duration
}

func (e *TimeoutError) Error() string {
    return fmt.Sprintf("command %s (id=%s) timed out after %s", e.Action, e.ID, e.Timeout)
}

// ProtocolError reports a malformed or unexpected envelope. Inbound protocol
// errors are logged and the message discarded; they never break correlation
// for unrelated in-flight requests.
type ProtocolError struct {
    Reason string
    Err    error
}

func (e *ProtocolError) Error() string {
    if e.Err != nil {
        return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
    }
    return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// DeviceError is a server-reported failure on an otherwise successful round
// trip. It doubles as the wire shape of the response error field.
type DeviceError struct {
    Code    string `json:"code"`
    Message string `json:"message"`
}

func (e *DeviceError) Error() string {
    if e.Message != "" {
        return fmt.Sprintf("device error %s: %s", e.Code, e.Message)
    }
    return "device error " + e.Code
}
