package session

import (
    "encoding/json"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/astrophotograph/esc-sub002/pkg/protocol"
)

// poster is the piece of the correlator the controller needs: fire-and-forget
// command delivery.
type poster interface {
    Post(action string, payload json.RawMessage) error
}

// continuousRun is one active repeated-command stream. Closing cancel stops
// its ticker goroutine; done is closed once that goroutine has fully exited,
// so no repeat can still be in flight past it.
type continuousRun struct {
    direction string
    cancel    chan struct{}
    done      chan struct{}
}

// Continuous converts a held user intent ("move north") into a bounded
// stream of repeated MOVE commands and guarantees a terminating STOP_MOVE is
// always eventually sent. Repetition exists because a single dropped command
// must not leave the mount moving forever without acknowledgment.
//
// At most one stream is active per controller; starting a new direction
// atomically replaces the old one. The controller's lifetime is tied to the
// owning session's Close, never to garbage collection.
type Continuous struct {
    mu       sync.Mutex
    active   *continuousRun
    needStop bool // safety stop owed after a disconnect cut a stream short

    post     poster
    interval time.Duration
    rateDeg  float64
    log      *zap.Logger
}

func newContinuous(post poster, interval time.Duration, log *zap.Logger) *Continuous {
    if interval <= 0 {
        interval = 500 * time.Millisecond
    }
    return &Continuous{post: post, interval: interval, log: log}
}

// SetRate sets the slew rate carried by MOVE commands. Zero lets the mount
// use its configured default.
func (c *Continuous) SetRate(deg float64) {
    c.mu.Lock()
    c.rateDeg = deg
    c.mu.Unlock()
}

// detach clears the active stream and returns it; the caller that receives a
// non-nil run owns its shutdown. Taking ownership under the lock is what
// keeps concurrent Stop/Start/link-loss from double-closing one run.
func (c *Continuous) detach() *continuousRun {
    c.mu.Lock()
    run := c.active
    c.active = nil
    c.mu.Unlock()
    return run
}

// halt cancels a detached run and waits for its repeat goroutine to exit, so
// a MOVE that was already past the active check cannot land on the wire
// after the stop that follows.
func (c *Continuous) halt(run *continuousRun) {
    close(run.cancel)
    <-run.done
}

// Start begins (or redirects) a continuous slew. If another direction is
// active it is drained and its stop is sent first, so exactly one STOP_MOVE
// separates the old stream from the first repeat of the new one.
func (c *Continuous) Start(direction string) error {
    if old := c.detach(); old != nil {
        c.halt(old)
        if err := c.sendStop(); err != nil {
            c.log.Warn("stop for replaced direction failed", zap.Error(err))
        }
    }
    run := &continuousRun{
        direction: direction,
        cancel:    make(chan struct{}),
        done:      make(chan struct{}),
    }
    c.mu.Lock()
    c.active = run
    rate := c.rateDeg
    c.mu.Unlock()

    if err := c.sendMove(direction, rate); err != nil {
        c.mu.Lock()
        if c.active == run {
            c.active = nil
            close(run.cancel)
        }
        c.mu.Unlock()
        // The repeat goroutine never started; release anything draining us.
        close(run.done)
        return err
    }
    go c.repeat(run, rate)
    return nil
}

// Stop clears any active stream, waits out an in-flight repeat, and sends
// exactly one STOP_MOVE, unconditionally. Calling it with nothing active is
// the idempotent safety stop the UI issues on unmount.
func (c *Continuous) Stop() error {
    c.mu.Lock()
    run := c.active
    c.active = nil
    c.needStop = false
    c.mu.Unlock()
    if run != nil {
        c.halt(run)
    }
    return c.sendStop()
}

// Active reports the direction currently being repeated, if any.
func (c *Continuous) Active() (string, bool) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.active == nil {
        return "", false
    }
    return c.active.direction, true
}

// HandleLinkState is wired to the link's state listener. A detected
// disconnect force-stops the repeat stream (unattended motion safety); a
// reopened link then owes the device one safety stop, since a command
// delivered before the outage may still have it moving.
func (c *Continuous) HandleLinkState(open bool) {
    if !open {
        c.mu.Lock()
        run := c.active
        if run != nil {
            c.active = nil
            c.needStop = true
        }
        c.mu.Unlock()
        if run != nil {
            c.log.Warn("link lost with continuous slew active, forcing stop",
                zap.String("direction", run.direction))
            c.halt(run)
        }
        return
    }
    c.mu.Lock()
    owed := c.needStop
    c.needStop = false
    c.mu.Unlock()
    if owed {
        if err := c.sendStop(); err != nil {
            c.log.Warn("safety stop after reconnect failed", zap.Error(err))
        }
    }
}

func (c *Continuous) repeat(run *continuousRun, rate float64) {
    defer close(run.done)
    t := time.NewTicker(c.interval)
    defer t.Stop()
    for {
        select {
        case <-run.cancel:
            return
        case <-t.C:
            c.mu.Lock()
            current := c.active == run
            c.mu.Unlock()
            if !current {
                return
            }
            if err := c.sendMove(run.direction, rate); err != nil {
                c.log.Debug("continuous move send failed", zap.String("direction", run.direction), zap.Error(err))
            }
        }
    }
}

func (c *Continuous) sendMove(direction string, rate float64) error {
    b, err := json.Marshal(protocol.MovePayload{Direction: direction, RateDeg: rate})
    if err != nil {
        return err
    }
    return c.post.Post(protocol.ActionMove, b)
}

func (c *Continuous) sendStop() error {
    return c.post.Post(protocol.ActionStopMove, nil)
}
