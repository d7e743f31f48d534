// Package session implements the telescope session protocol client: command
// correlation, event fan-out, continuous-command safety, and optimistic
// state reconciliation on top of a reconnecting transport link.
package session

import (
    "context"
    "encoding/json"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/astrophotograph/esc-sub002/pkg/protocol"
    "github.com/astrophotograph/esc-sub002/pkg/protocol/codec"
    "github.com/astrophotograph/esc-sub002/pkg/transport"
)

// Config tunes one session. Zero values fall back to defaults.
type Config struct {
    // Target is the telescope identifier carried in every envelope. Servers
    // hosting several mounts use it to route commands and fan events out.
    Target string
    // DefaultTimeout bounds simple commands (move, focus, park).
    DefaultTimeout time.Duration
    // LongTimeout bounds plate-solve-class operations, whose final result
    // may additionally arrive as an event.
    LongTimeout time.Duration
    // ContinuousInterval is the repeat period for held-gesture slews.
    ContinuousInterval time.Duration
    // Codec encodes envelopes on the wire. Nil means JSON.
    Codec codec.Codec
    // Link tunes reconnect backoff and the reconnect send buffer.
    Link transport.Options
}

func (c Config) withDefaults() Config {
    if c.Target == "" {
        c.Target = "default"
    }
    if c.DefaultTimeout <= 0 {
        c.DefaultTimeout = 5 * time.Second
    }
    if c.LongTimeout <= 0 {
        c.LongTimeout = 60 * time.Second
    }
    if c.ContinuousInterval <= 0 {
        c.ContinuousInterval = 500 * time.Millisecond
    }
    if c.Codec == nil {
        c.Codec = codec.JSON()
    }
    return c
}

// Session is the public object consumers import: one telescope target over
// one reconnecting link. Construct with New, start with Connect, and always
// Close. Teardown is the mandatory cleanup that prevents runaway motion.
type Session struct {
    cfg    Config
    codec  codec.Codec
    link   *transport.Link
    corr   *Correlator
    router *Router
    cont   *Continuous
    state  *StateStore
    log    *zap.Logger

    startOnce sync.Once
}

// New composes a session for the telescope at addr reachable via tr.
// Nothing is dialed until Connect.
func New(tr transport.Transport, addr string, cfg Config) *Session {
    cfg = cfg.withDefaults()
    log := zap.L().Named("session").With(zap.String("target", cfg.Target))
    s := &Session{
        cfg:   cfg,
        codec: cfg.Codec,
        link:  transport.NewLink(tr, addr, cfg.Link),
        log:   log,
    }
    s.corr = newCorrelator(s.sendEnvelope, cfg.Target, cfg.DefaultTimeout, log.Named("correlator"))
    s.router = newRouter(log.Named("router"))
    s.cont = newContinuous(s.corr, cfg.ContinuousInterval, log.Named("continuous"))
    s.state = newStateStore()

    s.link.OnMessage(s.handleFrame)
    s.link.OnState(s.handleLinkState)
    return s
}

// Connect starts the link and waits until it is open or ctx expires. ctx
// only bounds the wait: the link keeps reconnecting on its own until Close.
func (s *Session) Connect(ctx context.Context) error {
    s.startOnce.Do(func() { s.link.Start(context.WithoutCancel(ctx)) })
    return s.link.WaitOpen(ctx)
}

// ConnState returns the current link state.
func (s *Session) ConnState() transport.State { return s.link.State() }

// State exposes the reconciled telescope state.
func (s *Session) State() *StateStore { return s.state }

// SendCommand sends one command and waits for its paired response payload.
// payload may be any JSON-marshalable value or nil.
func (s *Session) SendCommand(ctx context.Context, action string, payload any) (json.RawMessage, error) {
    return s.call(ctx, action, payload, 0)
}

// On subscribes a handler to a topic and returns the handle that cancels it.
func (s *Session) On(topic string, h Handler) *Subscription {
    return s.router.Subscribe(topic, h)
}

// Off cancels a subscription obtained from On. Kept for consumers written
// against an on/off-shaped API; Cancel on the handle is equivalent.
func (s *Session) Off(sub *Subscription) {
    if sub != nil {
        sub.Cancel()
    }
}

// LastEvent returns the most recent event received on a topic, letting a
// consumer that attaches mid-stream catch up without waiting a full period.
func (s *Session) LastEvent(topic string) (protocol.Envelope, bool) {
    return s.router.Last(topic)
}

// Move issues a single slew step in the given direction.
func (s *Session) Move(ctx context.Context, direction string, rateDeg float64) error {
    _, err := s.call(ctx, protocol.ActionMove, protocol.MovePayload{Direction: direction, RateDeg: rateDeg}, 0)
    return err
}

// StopMove halts any mount motion.
func (s *Session) StopMove(ctx context.Context) error {
    _, err := s.call(ctx, protocol.ActionStopMove, nil, 0)
    return err
}

// Focus steps the focuser and returns the reported position. The new
// position is recorded as provisional until the next STATUS confirms it.
func (s *Session) Focus(ctx context.Context, step int) (int, error) {
    raw, err := s.call(ctx, protocol.ActionFocus, protocol.FocusPayload{Step: step}, 0)
    if err != nil {
        return 0, err
    }
    var res protocol.FocusResult
    if err := json.Unmarshal(raw, &res); err != nil {
        return 0, &protocol.ProtocolError{Reason: "malformed focus result", Err: err}
    }
    s.state.SetProvisional(FieldFocus, res.Position)
    return res.Position, nil
}

// Park slews the mount to its park position.
func (s *Session) Park(ctx context.Context) error {
    _, err := s.call(ctx, protocol.ActionPark, nil, 0)
    return err
}

// Reboot restarts the telescope controller. The link will drop and
// reconnect; in-flight commands are rejected when it does.
func (s *Session) Reboot(ctx context.Context) error {
    _, err := s.call(ctx, protocol.ActionReboot, nil, 0)
    return err
}

// Status requests an immediate snapshot and applies it to the state store.
func (s *Session) Status(ctx context.Context) (protocol.StatusPayload, error) {
    raw, err := s.call(ctx, protocol.ActionGetStatus, nil, 0)
    if err != nil {
        return protocol.StatusPayload{}, err
    }
    var st protocol.StatusPayload
    if err := json.Unmarshal(raw, &st); err != nil {
        return protocol.StatusPayload{}, &protocol.ProtocolError{Reason: "malformed status payload", Err: err}
    }
    s.state.ApplyStatus(st)
    return st, nil
}

// PlateSolve starts an astrometric solve. The direct response acknowledges
// the operation; servers report the final result on PLATE_SOLVE_RESULT.
func (s *Session) PlateSolve(ctx context.Context, p protocol.PlateSolvePayload) (json.RawMessage, error) {
    return s.call(ctx, protocol.ActionPlateSolve, p, s.cfg.LongTimeout)
}

// StartContinuous begins a held-gesture slew in the given direction,
// replacing any active one.
func (s *Session) StartContinuous(direction string) error {
    return s.cont.Start(direction)
}

// StopContinuous ends the held-gesture slew. Safe to call with nothing
// active; exactly one stop command is sent regardless.
func (s *Session) StopContinuous() error {
    return s.cont.Stop()
}

// Continuous exposes the controller for rate tuning and inspection.
func (s *Session) Continuous() *Continuous { return s.cont }

// Close tears the session down: stops any continuous slew, rejects whatever
// is still in flight, drops subscriptions, and closes the link.
func (s *Session) Close() error {
    if _, active := s.cont.Active(); active {
        if err := s.cont.Stop(); err != nil {
            s.log.Warn("stop on close failed", zap.Error(err))
        }
    }
    err := s.link.Close()
    s.corr.FailAll(protocol.ErrLinkClosed)
    s.router.CancelAll()
    return err
}

func (s *Session) call(ctx context.Context, action string, payload any, timeout time.Duration) (json.RawMessage, error) {
    var raw json.RawMessage
    if payload != nil {
        b, err := json.Marshal(payload)
        if err != nil {
            return nil, err
        }
        raw = b
    }
    return s.corr.Call(ctx, action, raw, timeout)
}

func (s *Session) sendEnvelope(env protocol.Envelope) error {
    b, err := s.codec.Marshal(env)
    if err != nil {
        return err
    }
    return s.link.Send(b)
}

// handleFrame runs on the link's read goroutine for every inbound frame.
// Malformed input is logged and dropped; it never breaks correlation for
// unrelated in-flight requests.
func (s *Session) handleFrame(b []byte) {
    var env protocol.Envelope
    if err := s.codec.Unmarshal(b, &env); err != nil {
        s.log.Warn("dropping undecodable frame", zap.Error(err))
        return
    }
    if err := env.Validate(); err != nil {
        s.log.Warn("dropping invalid envelope", zap.Error(err))
        return
    }
    if env.Target != "" && env.Target != s.cfg.Target {
        // Multi-telescope servers fan everything out; only our target's
        // traffic is ours to consume.
        return
    }
    switch env.Kind {
    case protocol.KindResponse:
        s.corr.HandleResponse(env)
    case protocol.KindEvent:
        if env.Topic == protocol.TopicStatus {
            var st protocol.StatusPayload
            if err := json.Unmarshal(env.Payload, &st); err != nil {
                s.log.Warn("dropping malformed status event", zap.Error(err))
                return
            }
            s.state.ApplyStatus(st)
        }
        s.router.Dispatch(env)
    default:
        s.log.Warn("dropping unexpected inbound kind", zap.String("kind", string(env.Kind)))
    }
}

func (s *Session) handleLinkState(st transport.State) {
    switch st {
    case transport.StateOpen:
        s.cont.HandleLinkState(true)
    case transport.StateReconnecting, transport.StateClosed:
        s.corr.FailAll(protocol.ErrConnectionLost)
        s.cont.HandleLinkState(false)
    }
}
