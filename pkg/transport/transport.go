package transport

import (
    "context"
    "net"
)

// Kind identifies the link type used to reach a telescope endpoint.
type Kind int

const (
    KindUnknown Kind = iota
    KindWS
    KindTCP
    KindQUIC
    KindMem
)

func (k Kind) String() string {
    switch k {
    case KindWS:
        return "ws"
    case KindTCP:
        return "tcp"
    case KindQUIC:
        return "quic"
    case KindMem:
        return "mem"
    default:
        return "unknown"
    }
}

// State tracks the lifecycle of a Link. It drives whether sends are
// transmitted, buffered, or rejected.
type State int32

const (
    StateConnecting State = iota
    StateOpen
    StateReconnecting
    StateClosed
)

func (s State) String() string {
    switch s {
    case StateConnecting:
        return "connecting"
    case StateOpen:
        return "open"
    case StateReconnecting:
        return "reconnecting"
    case StateClosed:
        return "closed"
    default:
        return "unknown"
    }
}

// Conn is one established connection exchanging opaque message frames.
// Implementations carry no protocol semantics. Exactly one reader and one
// writer goroutine are expected.
type Conn interface {
    // SendBytes sends one message frame.
    SendBytes([]byte) error
    // RecvBytes blocks for the next inbound frame.
    RecvBytes() ([]byte, error)
    LocalAddr() net.Addr
    RemoteAddr() net.Addr
    Close() error
}

// Listener accepts inbound connections. Used by the simulator and tests;
// the client side only dials.
type Listener interface {
    // Accept blocks until an inbound connection is available or ctx is done.
    Accept(ctx context.Context) (Conn, error)
    Addr() net.Addr
    Close() error
}

// Transport provides dialing and listening for a specific link kind.
type Transport interface {
    Kind() Kind
    Dial(ctx context.Context, address string) (Conn, error)
    Listen(ctx context.Context, address string) (Listener, error)
}
