// Package simulator implements a scriptable telescope endpoint speaking the
// session protocol. It backs the test suite and scopelink-sim; it is not a
// real mount driver.
package simulator

import (
    "context"
    "encoding/json"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/astrophotograph/esc-sub002/pkg/protocol"
    "github.com/astrophotograph/esc-sub002/pkg/transport"
)

// Options configures the simulated telescope.
type Options struct {
    // Target is the telescope identifier stamped on every envelope.
    Target string
    // StatusInterval is the period of unsolicited STATUS events per
    // connection. Zero disables the stream.
    StatusInterval time.Duration
    // SolveDelay is how long a plate solve "runs" before its result event.
    SolveDelay time.Duration
    // ResponseDelay delays every response, for timeout testing.
    ResponseDelay time.Duration
}

// Simulator serves the telescope session protocol over any transport
// listener. Device state is shared across connections, like a real mount.
type Simulator struct {
    opts Options
    log  *zap.Logger

    mu     sync.Mutex
    status protocol.StatusPayload
    counts map[string]int
    drop   map[string]bool
    conns  map[transport.Conn]struct{}
}

func New(opts Options) *Simulator {
    if opts.Target == "" {
        opts.Target = "default"
    }
    if opts.SolveDelay <= 0 {
        opts.SolveDelay = 50 * time.Millisecond
    }
    return &Simulator{
        opts: opts,
        log:  zap.L().Named("simulator").With(zap.String("target", opts.Target)),
        status: protocol.StatusPayload{
            RA: 83.82, Dec: -5.39, Alt: 45, Az: 180,
            Focus: 1000, Tracking: true,
        },
        counts: make(map[string]int),
        drop:   make(map[string]bool),
        conns:  make(map[transport.Conn]struct{}),
    }
}

// DropAction makes the simulator swallow commands for an action without
// responding, emulating a lossy link. Used to exercise client timeouts.
func (s *Simulator) DropAction(action string, drop bool) {
    s.mu.Lock()
    s.drop[action] = drop
    s.mu.Unlock()
}

// Counts returns how many commands were received per action.
func (s *Simulator) Counts() map[string]int {
    s.mu.Lock()
    defer s.mu.Unlock()
    out := make(map[string]int, len(s.counts))
    for k, v := range s.counts {
        out[k] = v
    }
    return out
}

// Count returns the number of commands received for one action.
func (s *Simulator) Count(action string) int {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.counts[action]
}

// Status returns the current device state.
func (s *Simulator) Status() protocol.StatusPayload {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.status
}

// SetFocus overrides the focuser position, emulating device-side drift that
// the STATUS stream must win over optimistic client state.
func (s *Simulator) SetFocus(pos int) {
    s.mu.Lock()
    s.status.Focus = pos
    s.mu.Unlock()
}

// CloseConns drops every live connection, emulating an outage.
func (s *Simulator) CloseConns() {
    s.mu.Lock()
    conns := make([]transport.Conn, 0, len(s.conns))
    for c := range s.conns {
        conns = append(conns, c)
    }
    s.mu.Unlock()
    for _, c := range conns {
        _ = c.Close()
    }
}

// Serve accepts connections until ctx is done or the listener fails.
func (s *Simulator) Serve(ctx context.Context, l transport.Listener) error {
    for {
        conn, err := l.Accept(ctx)
        if err != nil {
            return err
        }
        s.mu.Lock()
        s.conns[conn] = struct{}{}
        s.mu.Unlock()
        go s.serveConn(ctx, conn)
    }
}

func (s *Simulator) serveConn(ctx context.Context, conn transport.Conn) {
    defer func() {
        s.mu.Lock()
        delete(s.conns, conn)
        s.mu.Unlock()
        _ = conn.Close()
    }()

    stop := make(chan struct{})
    defer close(stop)
    if s.opts.StatusInterval > 0 {
        go s.statusLoop(conn, stop)
    }

    for {
        b, err := conn.RecvBytes()
        if err != nil {
            return
        }
        var env protocol.Envelope
        if err := json.Unmarshal(b, &env); err != nil {
            s.log.Warn("undecodable frame", zap.Error(err))
            continue
        }
        if env.Kind != protocol.KindCommand || env.Validate() != nil {
            continue
        }
        s.handleCommand(ctx, conn, env)
    }
}

func (s *Simulator) statusLoop(conn transport.Conn, stop <-chan struct{}) {
    t := time.NewTicker(s.opts.StatusInterval)
    defer t.Stop()
    for {
        select {
        case <-stop:
            return
        case <-t.C:
            if err := s.sendEvent(conn, protocol.TopicStatus, s.Status()); err != nil {
                return
            }
        }
    }
}

func (s *Simulator) handleCommand(ctx context.Context, conn transport.Conn, env protocol.Envelope) {
    s.mu.Lock()
    s.counts[env.Action]++
    dropped := s.drop[env.Action]
    s.mu.Unlock()
    if dropped {
        s.log.Debug("dropping command by script", zap.String("action", env.Action))
        return
    }
    if s.opts.ResponseDelay > 0 {
        select {
        case <-ctx.Done():
            return
        case <-time.After(s.opts.ResponseDelay):
        }
    }

    switch env.Action {
    case protocol.ActionMove:
        var p protocol.MovePayload
        if err := json.Unmarshal(env.Payload, &p); err != nil {
            s.respondErr(conn, env, "BAD_PAYLOAD", "malformed move payload")
            return
        }
        s.applyMove(p)
        s.respondOK(conn, env, nil)
    case protocol.ActionStopMove:
        s.mu.Lock()
        s.status.Slewing = false
        s.mu.Unlock()
        s.respondOK(conn, env, nil)
    case protocol.ActionFocus:
        var p protocol.FocusPayload
        if err := json.Unmarshal(env.Payload, &p); err != nil {
            s.respondErr(conn, env, "BAD_PAYLOAD", "malformed focus payload")
            return
        }
        s.mu.Lock()
        s.status.Focus += p.Step
        pos := s.status.Focus
        s.mu.Unlock()
        s.respondOK(conn, env, map[string]any{"position": pos})
    case protocol.ActionPark:
        s.mu.Lock()
        s.status.Parked = true
        s.status.Tracking = false
        s.status.Slewing = false
        s.mu.Unlock()
        s.respondOK(conn, env, nil)
    case protocol.ActionGetStatus:
        st := s.Status()
        s.respondOK(conn, env, statusFields(st))
    case protocol.ActionPlateSolve:
        s.respondOK(conn, env, map[string]any{"accepted": true})
        go s.solve(ctx, conn)
    case protocol.ActionReboot:
        s.respondOK(conn, env, nil)
        // A rebooting controller drops the link; the client reconnects.
        _ = conn.Close()
    default:
        s.respondErr(conn, env, "UNSUPPORTED", "unknown action "+env.Action)
    }
}

func (s *Simulator) applyMove(p protocol.MovePayload) {
    step := p.RateDeg
    if step == 0 {
        step = 0.25
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    s.status.Slewing = true
    s.status.Parked = false
    switch p.Direction {
    case protocol.DirNorth:
        s.status.Dec += step
    case protocol.DirSouth:
        s.status.Dec -= step
    case protocol.DirEast:
        s.status.RA += step
    case protocol.DirWest:
        s.status.RA -= step
    }
}

func (s *Simulator) solve(ctx context.Context, conn transport.Conn) {
    select {
    case <-ctx.Done():
        return
    case <-time.After(s.opts.SolveDelay):
    }
    st := s.Status()
    res := protocol.PlateSolveResult{
        Solved: true, RA: st.RA, Dec: st.Dec,
        RotationDeg: 1.7, PixelScale: 1.21,
    }
    _ = s.sendEvent(conn, protocol.TopicPlateSolveResult, res)
}

func (s *Simulator) respondOK(conn transport.Conn, env protocol.Envelope, extra map[string]any) {
    fields := map[string]any{"success": true}
    for k, v := range extra {
        fields[k] = v
    }
    s.respond(conn, env, fields)
}

func (s *Simulator) respondErr(conn transport.Conn, env protocol.Envelope, code, msg string) {
    s.respond(conn, env, map[string]any{
        "success": false,
        "error":   protocol.DeviceError{Code: code, Message: msg},
    })
}

func (s *Simulator) respond(conn transport.Conn, env protocol.Envelope, fields map[string]any) {
    payload, err := json.Marshal(fields)
    if err != nil {
        return
    }
    resp := protocol.NewResponse(env.ID, s.opts.Target, payload)
    b, err := json.Marshal(resp)
    if err != nil {
        return
    }
    if err := conn.SendBytes(b); err != nil {
        s.log.Debug("response send failed", zap.Error(err))
    }
}

func (s *Simulator) sendEvent(conn transport.Conn, topic string, payload any) error {
    raw, err := json.Marshal(payload)
    if err != nil {
        return err
    }
    env := protocol.NewEvent(topic, s.opts.Target, raw)
    b, err := json.Marshal(env)
    if err != nil {
        return err
    }
    return conn.SendBytes(b)
}

func statusFields(st protocol.StatusPayload) map[string]any {
    return map[string]any{
        "ra": st.RA, "dec": st.Dec, "alt": st.Alt, "az": st.Az,
        "focus": st.Focus, "tracking": st.Tracking,
        "parked": st.Parked, "slewing": st.Slewing,
    }
}
