package ws

import (
    "context"
    "errors"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/gorilla/websocket"

    "github.com/astrophotograph/esc-sub002/pkg/transport"
)

// Transport implements a WebSocket link. This is the production transport:
// telescope servers expose a WebSocket endpoint so browser clients can reach
// them, and this client speaks the same framing. One envelope per message.
type Transport struct {
    // Binary switches outbound frames to binary messages, required when the
    // session codec is CBOR. JSON sessions use text messages.
    Binary bool

    dialer   *websocket.Dialer
    upgrader websocket.Upgrader
}

func New() *Transport {
    return &Transport{
        dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
        upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
    }
}

func (t *Transport) Kind() transport.Kind { return transport.KindWS }

func (t *Transport) Dial(ctx context.Context, address string) (transport.Conn, error) {
    c, resp, err := t.dialer.DialContext(ctx, address, nil)
    if err != nil { return nil, err }
    if resp != nil && resp.Body != nil { _ = resp.Body.Close() }
    return newConn(c, t.messageType()), nil
}

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    nl, err := net.Listen("tcp", address)
    if err != nil { return nil, err }
    l := &listener{
        addr:    nl.Addr(),
        newCh:   make(chan *conn, 8),
        closeCh: make(chan struct{}),
    }
    mux := http.NewServeMux()
    mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
        c, err := t.upgrader.Upgrade(w, r, nil)
        if err != nil { return }
        nc := newConn(c, t.messageType())
        select {
        case l.newCh <- nc:
        case <-l.closeCh:
            _ = nc.Close()
        }
    })
    l.srv = &http.Server{Handler: mux}
    go func() { _ = l.srv.Serve(nl) }()
    go func() { <-ctx.Done(); _ = l.Close() }()
    return l, nil
}

func (t *Transport) messageType() int {
    if t.Binary {
        return websocket.BinaryMessage
    }
    return websocket.TextMessage
}

type listener struct {
    srv     *http.Server
    addr    net.Addr
    newCh   chan *conn
    closeCh chan struct{}
    once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.addr }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, errors.New("ws listener closed")
    case c := <-l.newCh:
        return c, nil
    }
}

func (l *listener) Close() error {
    l.once.Do(func() { close(l.closeCh) })
    return l.srv.Close()
}

type conn struct {
    mu      sync.Mutex
    c       *websocket.Conn
    msgType int
}

func newConn(c *websocket.Conn, msgType int) *conn {
    return &conn{c: c, msgType: msgType}
}

func (s *conn) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *conn) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *conn) Close() error         { return s.c.Close() }

func (s *conn) SendBytes(b []byte) error {
    // gorilla permits at most one concurrent writer per connection.
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.c.WriteMessage(s.msgType, b)
}

func (s *conn) RecvBytes() ([]byte, error) {
    for {
        mt, b, err := s.c.ReadMessage()
        if err != nil { return nil, err }
        if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
            return b, nil
        }
        // control frames are handled by gorilla; skip anything else
    }
}
