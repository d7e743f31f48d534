package session

import (
    "encoding/json"
    "sync"
    "testing"
    "time"

    "go.uber.org/zap"

    "github.com/astrophotograph/esc-sub002/pkg/protocol"
)

// recordingPoster captures posted commands in order.
type recordingPoster struct {
    mu   sync.Mutex
    cmds []postedCmd
    err  error
}

type postedCmd struct {
    action    string
    direction string
    rate      float64
}

func (p *recordingPoster) Post(action string, payload json.RawMessage) error {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.err != nil {
        return p.err
    }
    cmd := postedCmd{action: action}
    if action == protocol.ActionMove && len(payload) > 0 {
        var mv protocol.MovePayload
        if err := json.Unmarshal(payload, &mv); err == nil {
            cmd.direction = mv.Direction
            cmd.rate = mv.RateDeg
        }
    }
    p.cmds = append(p.cmds, cmd)
    return nil
}

func (p *recordingPoster) posted() []postedCmd {
    p.mu.Lock()
    defer p.mu.Unlock()
    out := make([]postedCmd, len(p.cmds))
    copy(out, p.cmds)
    return out
}

func (p *recordingPoster) waitCount(t *testing.T, n int) []postedCmd {
    t.Helper()
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        if got := p.posted(); len(got) >= n {
            return got
        }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %d posted commands, have %v", n, p.posted())
    return nil
}

func TestStartSendsImmediateMoveThenRepeats(t *testing.T) {
    p := &recordingPoster{}
    c := newContinuous(p, 20*time.Millisecond, zap.NewNop())

    if err := c.Start(protocol.DirNorth); err != nil {
        t.Fatalf("Start: %v", err)
    }
    defer c.Stop()

    cmds := p.waitCount(t, 3)
    for i, cmd := range cmds[:3] {
        if cmd.action != protocol.ActionMove || cmd.direction != protocol.DirNorth {
            t.Fatalf("command %d = %+v, want move north", i, cmd)
        }
    }
    if dir, ok := c.Active(); !ok || dir != protocol.DirNorth {
        t.Fatalf("Active() = %q, %v", dir, ok)
    }
}

func TestRedirectSendsExactlyOneStopBetweenStreams(t *testing.T) {
    p := &recordingPoster{}
    c := newContinuous(p, 20*time.Millisecond, zap.NewNop())

    if err := c.Start(protocol.DirNorth); err != nil {
        t.Fatalf("Start north: %v", err)
    }
    if err := c.Start(protocol.DirEast); err != nil {
        t.Fatalf("Start east: %v", err)
    }
    defer c.Stop()

    // Wait for a couple of east repeats past the redirect.
    cmds := p.waitCount(t, 5)

    stopIdx := -1
    stops := 0
    for i, cmd := range cmds {
        if cmd.action == protocol.ActionStopMove {
            stopIdx = i
            stops++
        }
    }
    if stops != 1 {
        t.Fatalf("stop count = %d, commands %v", stops, cmds)
    }
    for i, cmd := range cmds {
        if cmd.action != protocol.ActionMove {
            continue
        }
        switch {
        case i < stopIdx && cmd.direction != protocol.DirNorth:
            t.Fatalf("command %d before the stop moves %q", i, cmd.direction)
        case i > stopIdx && cmd.direction != protocol.DirEast:
            t.Fatalf("command %d after the stop moves %q", i, cmd.direction)
        }
    }
    if dir, _ := c.Active(); dir != protocol.DirEast {
        t.Fatalf("active direction = %q", dir)
    }
}

func TestStopHaltsRepeatsAndSendsOneStop(t *testing.T) {
    p := &recordingPoster{}
    c := newContinuous(p, 20*time.Millisecond, zap.NewNop())

    if err := c.Start(protocol.DirSouth); err != nil {
        t.Fatalf("Start: %v", err)
    }
    p.waitCount(t, 2)
    if err := c.Stop(); err != nil {
        t.Fatalf("Stop: %v", err)
    }
    if _, ok := c.Active(); ok {
        t.Fatalf("stream still active after Stop")
    }

    n := len(p.posted())
    time.Sleep(80 * time.Millisecond)
    cmds := p.posted()
    if len(cmds) != n {
        t.Fatalf("commands kept flowing after Stop: %v", cmds[n:])
    }
    if last := cmds[len(cmds)-1]; last.action != protocol.ActionStopMove {
        t.Fatalf("last command = %+v, want stop", last)
    }
}

func TestStopWithNothingActiveStillSendsStop(t *testing.T) {
    p := &recordingPoster{}
    c := newContinuous(p, 20*time.Millisecond, zap.NewNop())

    if err := c.Stop(); err != nil {
        t.Fatalf("Stop: %v", err)
    }
    cmds := p.posted()
    if len(cmds) != 1 || cmds[0].action != protocol.ActionStopMove {
        t.Fatalf("idempotent stop posted %v", cmds)
    }
}

func TestLinkLossForcesStopAndOwesSafetyStop(t *testing.T) {
    p := &recordingPoster{}
    c := newContinuous(p, 20*time.Millisecond, zap.NewNop())

    if err := c.Start(protocol.DirWest); err != nil {
        t.Fatalf("Start: %v", err)
    }
    p.waitCount(t, 2)

    c.HandleLinkState(false)
    if _, ok := c.Active(); ok {
        t.Fatalf("stream survived link loss")
    }
    n := len(p.posted())
    time.Sleep(80 * time.Millisecond)
    if len(p.posted()) != n {
        t.Fatalf("repeats kept flowing on a dead link")
    }

    // The device may still be moving on the last delivered command, so the
    // reopened link owes it exactly one stop.
    c.HandleLinkState(true)
    cmds := p.posted()
    if last := cmds[len(cmds)-1]; last.action != protocol.ActionStopMove {
        t.Fatalf("no safety stop after reconnect, tail = %+v", last)
    }

    // A clean reopen with no interrupted stream owes nothing.
    n = len(p.posted())
    c.HandleLinkState(true)
    if len(p.posted()) != n {
        t.Fatalf("safety stop sent twice")
    }
}

// gatedPoster stalls the second MOVE inside Post so tests can interleave a
// stop with a repeat that is already past the active check. Commands are
// recorded when Post returns, so the slice is wire order.
type gatedPoster struct {
    mu      sync.Mutex
    cmds    []postedCmd
    moves   int
    entered chan struct{}
    release chan struct{}
}

func (p *gatedPoster) Post(action string, payload json.RawMessage) error {
    gate := false
    p.mu.Lock()
    if action == protocol.ActionMove {
        p.moves++
        gate = p.moves == 2
    }
    p.mu.Unlock()
    if gate {
        p.entered <- struct{}{}
        <-p.release
    }
    p.mu.Lock()
    p.cmds = append(p.cmds, postedCmd{action: action})
    p.mu.Unlock()
    return nil
}

func (p *gatedPoster) posted() []postedCmd {
    p.mu.Lock()
    defer p.mu.Unlock()
    out := make([]postedCmd, len(p.cmds))
    copy(out, p.cmds)
    return out
}

func TestStopWaitsOutInFlightRepeat(t *testing.T) {
    p := &gatedPoster{entered: make(chan struct{}), release: make(chan struct{})}
    c := newContinuous(p, 20*time.Millisecond, zap.NewNop())

    if err := c.Start(protocol.DirNorth); err != nil {
        t.Fatalf("Start: %v", err)
    }
    // A repeat tick is now stalled inside Post, past the active check.
    select {
    case <-p.entered:
    case <-time.After(2 * time.Second):
        t.Fatalf("no repeat reached the wire")
    }

    stopDone := make(chan error, 1)
    go func() { stopDone <- c.Stop() }()

    // Stop must not emit its STOP_MOVE while a MOVE is still in flight.
    time.Sleep(50 * time.Millisecond)
    for _, cmd := range p.posted() {
        if cmd.action == protocol.ActionStopMove {
            t.Fatalf("stop overtook an in-flight move: %v", p.posted())
        }
    }

    close(p.release)
    if err := <-stopDone; err != nil {
        t.Fatalf("Stop: %v", err)
    }
    cmds := p.posted()
    if last := cmds[len(cmds)-1]; last.action != protocol.ActionStopMove {
        t.Fatalf("a command landed after the final stop: %v", cmds)
    }
}

func TestStartFailureClearsStream(t *testing.T) {
    p := &recordingPoster{err: protocol.ErrConnectionLost}
    c := newContinuous(p, 20*time.Millisecond, zap.NewNop())

    if err := c.Start(protocol.DirNorth); err == nil {
        t.Fatalf("Start succeeded with a dead wire")
    }
    if _, ok := c.Active(); ok {
        t.Fatalf("failed start left a stream active")
    }
}

func TestMoveCarriesConfiguredRate(t *testing.T) {
    p := &recordingPoster{}
    c := newContinuous(p, 20*time.Millisecond, zap.NewNop())
    c.SetRate(2.5)

    if err := c.Start(protocol.DirNorth); err != nil {
        t.Fatalf("Start: %v", err)
    }
    defer c.Stop()

    cmds := p.waitCount(t, 1)
    if cmds[0].rate != 2.5 {
        t.Fatalf("move rate = %v, want 2.5", cmds[0].rate)
    }
}
