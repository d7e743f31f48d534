package transport

import (
    "context"
    "math/rand"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/astrophotograph/esc-sub002/pkg/protocol"
)

// Options tunes the reconnect behavior of a Link.
type Options struct {
    // BackoffInitial is the first retry delay after a failed dial or a
    // dropped connection. Doubled per attempt up to BackoffMax.
    BackoffInitial time.Duration
    // BackoffMax caps the retry delay.
    BackoffMax time.Duration
    // BackoffJitter adds 0..jitter on top of each delay to avoid dial storms.
    BackoffJitter time.Duration
    // SendBuffer bounds how many frames may queue while the link is
    // connecting or reconnecting. Sends beyond it fail immediately so the
    // caller is never deceived into thinking a command was delivered.
    SendBuffer int
}

func (o Options) withDefaults() Options {
    if o.BackoffInitial <= 0 {
        o.BackoffInitial = 500 * time.Millisecond
    }
    if o.BackoffMax <= 0 {
        o.BackoffMax = 30 * time.Second
    }
    if o.SendBuffer <= 0 {
        o.SendBuffer = 8
    }
    return o
}

// Link owns one logical connection to a telescope endpoint and keeps it
// alive across outages. It re-dials with exponential backoff and surfaces
// transitions through state listeners; it carries no protocol semantics.
type Link struct {
    tr   Transport
    addr string
    opts Options
    log  *zap.Logger

    mu      sync.Mutex
    conn    Conn
    state   State
    pending [][]byte // bounded queue drained when the link reopens

    onMessage func([]byte)
    onState   []func(State)

    cancel  context.CancelFunc
    done    chan struct{}
    closeMu sync.Once
}

// NewLink prepares a link for the given transport and address. Register
// handlers before calling Start.
func NewLink(tr Transport, addr string, opts Options) *Link {
    return &Link{
        tr:    tr,
        addr:  addr,
        opts:  opts.withDefaults(),
        log:   zap.L().Named("link").With(zap.String("kind", tr.Kind().String()), zap.String("addr", addr)),
        state: StateConnecting,
        done:  make(chan struct{}),
    }
}

// OnMessage sets the inbound frame handler. Called from the read goroutine.
func (l *Link) OnMessage(fn func([]byte)) { l.onMessage = fn }

// OnState registers a state-transition listener. Listeners run on the link
// goroutine in registration order.
func (l *Link) OnState(fn func(State)) {
    l.mu.Lock()
    l.onState = append(l.onState, fn)
    l.mu.Unlock()
}

// State returns the current connection state.
func (l *Link) State() State {
    l.mu.Lock()
    defer l.mu.Unlock()
    return l.state
}

// Start begins dialing and keeps the link alive until Close or ctx done.
func (l *Link) Start(ctx context.Context) {
    ctx, cancel := context.WithCancel(ctx)
    l.mu.Lock()
    closed := l.state == StateClosed
    l.cancel = cancel
    l.mu.Unlock()
    if closed {
        // Close already ran; make sure the loop exits on its first select.
        cancel()
    }
    go l.run(ctx)
}

// Send transmits one frame. While the link is connecting or reconnecting up
// to Options.SendBuffer frames are queued; beyond that, and always once the
// link is closed, the send fails immediately.
func (l *Link) Send(b []byte) error {
    l.mu.Lock()
    switch l.state {
    case StateOpen:
        conn := l.conn
        l.mu.Unlock()
        if err := conn.SendBytes(b); err != nil {
            return &protocol.TransportError{Op: "send", Err: err}
        }
        return nil
    case StateConnecting, StateReconnecting:
        if len(l.pending) >= l.opts.SendBuffer {
            l.mu.Unlock()
            return &protocol.TransportError{Op: "send", Err: protocol.ErrConnectionLost}
        }
        l.pending = append(l.pending, b)
        l.mu.Unlock()
        return nil
    default:
        l.mu.Unlock()
        return &protocol.TransportError{Op: "send", Err: protocol.ErrLinkClosed}
    }
}

// WaitOpen blocks until the link is open, closed, or ctx expires.
func (l *Link) WaitOpen(ctx context.Context) error {
    tick := time.NewTicker(10 * time.Millisecond)
    defer tick.Stop()
    for {
        switch l.State() {
        case StateOpen:
            return nil
        case StateClosed:
            return protocol.ErrLinkClosed
        }
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-tick.C:
        }
    }
}

// Close tears the link down for good. Idempotent.
func (l *Link) Close() error {
    l.closeMu.Do(func() {
        l.setState(StateClosed)
        l.mu.Lock()
        cancel := l.cancel
        conn := l.conn
        l.conn = nil
        l.pending = nil
        l.mu.Unlock()
        if cancel != nil {
            cancel()
        }
        if conn != nil {
            _ = conn.Close()
        }
    })
    return nil
}

// Done is closed once the run loop has exited.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) run(ctx context.Context) {
    defer close(l.done)
    backoff := l.opts.BackoffInitial
    first := true
    for {
        select {
        case <-ctx.Done():
            l.setState(StateClosed)
            return
        default:
        }
        if !first {
            l.setState(StateReconnecting)
        }
        conn, err := l.tr.Dial(ctx, l.addr)
        if err != nil {
            if ctx.Err() != nil {
                l.setState(StateClosed)
                return
            }
            l.log.Warn("dial failed", zap.Error(err), zap.Duration("backoff", backoff))
            if !sleepCtx(ctx, withJitter(backoff, l.opts.BackoffJitter)) {
                l.setState(StateClosed)
                return
            }
            if backoff < l.opts.BackoffMax {
                backoff *= 2
                if backoff > l.opts.BackoffMax {
                    backoff = l.opts.BackoffMax
                }
            }
            continue
        }
        backoff = l.opts.BackoffInitial
        first = false

        l.mu.Lock()
        l.conn = conn
        queued := l.pending
        l.pending = nil
        l.mu.Unlock()

        // Drain the reconnect buffer before anyone observes the open state,
        // so frames sent from state listeners cannot overtake buffered ones.
        for _, b := range queued {
            if err := conn.SendBytes(b); err != nil {
                l.log.Warn("flush of buffered frame failed", zap.Error(err))
                break
            }
        }
        l.setState(StateOpen)
        l.log.Info("link open", zap.String("remote", conn.RemoteAddr().String()))

        l.readPump(ctx, conn)

        l.mu.Lock()
        l.conn = nil
        l.mu.Unlock()
        _ = conn.Close()
        if ctx.Err() != nil {
            l.setState(StateClosed)
            return
        }
        l.log.Warn("link lost, reconnecting")
        l.setState(StateReconnecting)
        if !sleepCtx(ctx, withJitter(backoff, l.opts.BackoffJitter)) {
            l.setState(StateClosed)
            return
        }
    }
}

func (l *Link) readPump(ctx context.Context, conn Conn) {
    for {
        b, err := conn.RecvBytes()
        if err != nil {
            return
        }
        if fn := l.onMessage; fn != nil {
            fn(b)
        }
        if ctx.Err() != nil {
            return
        }
    }
}

func (l *Link) setState(s State) {
    l.mu.Lock()
    if l.state == s || l.state == StateClosed && s != StateClosed {
        l.mu.Unlock()
        return
    }
    l.state = s
    listeners := make([]func(State), len(l.onState))
    copy(listeners, l.onState)
    l.mu.Unlock()
    for _, fn := range listeners {
        fn(s)
    }
}

func withJitter(d, jitter time.Duration) time.Duration {
    if jitter <= 0 {
        return d
    }
    return d + time.Duration(rand.Int63n(int64(jitter)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}
