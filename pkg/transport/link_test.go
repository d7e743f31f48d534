package transport_test

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/astrophotograph/esc-sub002/pkg/protocol"
    "github.com/astrophotograph/esc-sub002/pkg/transport"
    "github.com/astrophotograph/esc-sub002/pkg/transport/mem"
)

// echoServer accepts connections and echoes every frame back, keeping the
// server-side conns so tests can kill them.
type echoServer struct {
    mu    sync.Mutex
    conns []transport.Conn
}

func (e *echoServer) serve(ctx context.Context, l transport.Listener) {
    for {
        conn, err := l.Accept(ctx)
        if err != nil {
            return
        }
        e.mu.Lock()
        e.conns = append(e.conns, conn)
        e.mu.Unlock()
        go func() {
            for {
                b, err := conn.RecvBytes()
                if err != nil {
                    return
                }
                if err := conn.SendBytes(b); err != nil {
                    return
                }
            }
        }()
    }
}

func (e *echoServer) dropAll() {
    e.mu.Lock()
    conns := e.conns
    e.conns = nil
    e.mu.Unlock()
    for _, c := range conns {
        _ = c.Close()
    }
}

type stateLog struct {
    mu     sync.Mutex
    states []transport.State
}

func (s *stateLog) record(st transport.State) {
    s.mu.Lock()
    s.states = append(s.states, st)
    s.mu.Unlock()
}

func (s *stateLog) seen(st transport.State) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    for _, got := range s.states {
        if got == st {
            return true
        }
    }
    return false
}

func startEcho(t *testing.T) (*mem.Transport, *echoServer) {
    t.Helper()
    tr := mem.New()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    l, err := tr.Listen(ctx, "echo")
    if err != nil {
        t.Fatalf("Listen: %v", err)
    }
    srv := &echoServer{}
    go srv.serve(ctx, l)
    return tr, srv
}

func fastOpts() transport.Options {
    return transport.Options{
        BackoffInitial: 10 * time.Millisecond,
        BackoffMax:     50 * time.Millisecond,
    }
}

func waitCond(t *testing.T, cond func() bool, msg string) {
    t.Helper()
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        if cond() {
            return
        }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", msg)
}

func TestLinkOpensAndRoundTrips(t *testing.T) {
    tr, _ := startEcho(t)
    l := transport.NewLink(tr, "echo", fastOpts())

    recv := make(chan []byte, 8)
    l.OnMessage(func(b []byte) { recv <- b })
    l.Start(context.Background())
    t.Cleanup(func() { _ = l.Close() })

    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    if err := l.WaitOpen(ctx); err != nil {
        t.Fatalf("WaitOpen: %v", err)
    }
    if st := l.State(); st != transport.StateOpen {
        t.Fatalf("state = %v", st)
    }

    if err := l.Send([]byte("ping")); err != nil {
        t.Fatalf("Send: %v", err)
    }
    select {
    case b := <-recv:
        if string(b) != "ping" {
            t.Fatalf("echo = %q", b)
        }
    case <-time.After(2 * time.Second):
        t.Fatalf("no echo")
    }
}

func TestLinkReconnectsAfterDrop(t *testing.T) {
    tr, srv := startEcho(t)
    l := transport.NewLink(tr, "echo", fastOpts())

    log := &stateLog{}
    l.OnState(log.record)
    recv := make(chan []byte, 8)
    l.OnMessage(func(b []byte) { recv <- b })
    l.Start(context.Background())
    t.Cleanup(func() { _ = l.Close() })

    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    if err := l.WaitOpen(ctx); err != nil {
        t.Fatalf("WaitOpen: %v", err)
    }

    srv.dropAll()
    waitCond(t, func() bool { return log.seen(transport.StateReconnecting) }, "reconnecting transition")
    waitCond(t, func() bool { return l.State() == transport.StateOpen }, "link to reopen")

    if err := l.Send([]byte("after")); err != nil {
        t.Fatalf("Send after reconnect: %v", err)
    }
    select {
    case b := <-recv:
        if string(b) != "after" {
            t.Fatalf("echo after reconnect = %q", b)
        }
    case <-time.After(2 * time.Second):
        t.Fatalf("no echo after reconnect")
    }
}

func TestLinkBuffersWhileConnecting(t *testing.T) {
    // No listener yet: the link stays in connecting and buffers sends.
    tr := mem.New()
    opts := fastOpts()
    opts.SendBuffer = 2
    l := transport.NewLink(tr, "echo", opts)

    recv := make(chan []byte, 8)
    l.OnMessage(func(b []byte) { recv <- b })
    l.Start(context.Background())
    t.Cleanup(func() { _ = l.Close() })

    if err := l.Send([]byte("one")); err != nil {
        t.Fatalf("buffered send 1: %v", err)
    }
    if err := l.Send([]byte("two")); err != nil {
        t.Fatalf("buffered send 2: %v", err)
    }
    // Beyond the buffer the caller must see the failure immediately.
    if err := l.Send([]byte("three")); !errors.Is(err, protocol.ErrConnectionLost) {
        t.Fatalf("overflow send returned %v", err)
    }

    // Bring the endpoint up; the buffered frames must be delivered in order.
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    lst, err := tr.Listen(ctx, "echo")
    if err != nil {
        t.Fatalf("Listen: %v", err)
    }
    srv := &echoServer{}
    go srv.serve(ctx, lst)

    for _, want := range []string{"one", "two"} {
        select {
        case b := <-recv:
            if string(b) != want {
                t.Fatalf("flushed frame = %q, want %q", b, want)
            }
        case <-time.After(2 * time.Second):
            t.Fatalf("buffered frame %q never delivered", want)
        }
    }
}

func TestLinkCloseIsTerminal(t *testing.T) {
    tr, _ := startEcho(t)
    l := transport.NewLink(tr, "echo", fastOpts())
    l.Start(context.Background())

    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    if err := l.WaitOpen(ctx); err != nil {
        t.Fatalf("WaitOpen: %v", err)
    }

    if err := l.Close(); err != nil {
        t.Fatalf("Close: %v", err)
    }
    if err := l.Close(); err != nil {
        t.Fatalf("second Close: %v", err)
    }
    if err := l.Send([]byte("x")); !errors.Is(err, protocol.ErrLinkClosed) {
        t.Fatalf("send on closed link returned %v", err)
    }
    select {
    case <-l.Done():
    case <-time.After(2 * time.Second):
        t.Fatalf("run loop never exited")
    }
    if st := l.State(); st != transport.StateClosed {
        t.Fatalf("state after close = %v", st)
    }
}

func TestCloseBeforeStartStopsRunLoop(t *testing.T) {
    tr, _ := startEcho(t)
    l := transport.NewLink(tr, "echo", fastOpts())

    if err := l.Close(); err != nil {
        t.Fatalf("Close: %v", err)
    }
    l.Start(context.Background())

    select {
    case <-l.Done():
    case <-time.After(2 * time.Second):
        t.Fatalf("run loop kept dialing after Close")
    }
    if st := l.State(); st != transport.StateClosed {
        t.Fatalf("state = %v", st)
    }
    if err := l.Send([]byte("x")); !errors.Is(err, protocol.ErrLinkClosed) {
        t.Fatalf("send after close returned %v", err)
    }
}

func TestWaitOpenHonorsContext(t *testing.T) {
    tr := mem.New() // nothing listening
    l := transport.NewLink(tr, "nowhere", fastOpts())
    l.Start(context.Background())
    t.Cleanup(func() { _ = l.Close() })

    ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
    defer cancel()
    if err := l.WaitOpen(ctx); !errors.Is(err, context.DeadlineExceeded) {
        t.Fatalf("WaitOpen returned %v", err)
    }
}
