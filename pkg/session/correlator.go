package session

import (
    "context"
    "encoding/json"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "github.com/astrophotograph/esc-sub002/pkg/protocol"
)

// outcome is delivered exactly once per pending request.
type outcome struct {
    payload json.RawMessage
    err     error
}

// pendingRequest tracks one in-flight command until its response, timeout,
// or connection loss settles it.
type pendingRequest struct {
    id        string
    action    string
    createdAt time.Time
    timer     *time.Timer
    done      chan outcome
}

// Correlator assigns command ids, tracks in-flight requests, and pairs them
// with responses purely by id regardless of arrival order.
type Correlator struct {
    mu      sync.Mutex
    pending map[string]*pendingRequest

    send           func(protocol.Envelope) error
    target         string
    defaultTimeout time.Duration
    log            *zap.Logger
}

func newCorrelator(send func(protocol.Envelope) error, target string, defaultTimeout time.Duration, log *zap.Logger) *Correlator {
    return &Correlator{
        pending:        make(map[string]*pendingRequest),
        send:           send,
        target:         target,
        defaultTimeout: defaultTimeout,
        log:            log,
    }
}

// Call sends a command and blocks until its response arrives, the timeout
// expires, the connection drops, or ctx is done. A zero timeout uses the
// correlator default. Concurrent calls are tracked independently; the server
// is responsible for serializing physically conflicting actions.
func (c *Correlator) Call(ctx context.Context, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
    if timeout <= 0 {
        timeout = c.defaultTimeout
    }
    id := uuid.NewString()
    p := &pendingRequest{
        id:        id,
        action:    action,
        createdAt: time.Now(),
        done:      make(chan outcome, 1),
    }
    c.mu.Lock()
    c.pending[id] = p
    c.mu.Unlock()

    env := protocol.NewCommand(id, action, c.target, payload)
    if err := c.send(env); err != nil {
        // Transmit failed synchronously: reject immediately, nothing in flight.
        c.settle(id, outcome{err: err})
        o := <-p.done
        return nil, o.err
    }

    // Arm the timer under the lock, and only if the response did not already
    // settle the request during send. settle and FailAll read p.timer after
    // taking the same lock, so the write is ordered before any reader.
    c.mu.Lock()
    if _, ok := c.pending[id]; ok {
        p.timer = time.AfterFunc(timeout, func() {
            if c.settle(id, outcome{err: &protocol.TimeoutError{Action: action, ID: id, Timeout: timeout}}) {
                c.log.Debug("command timed out", zap.String("action", action), zap.String("id", id))
            }
        })
    }
    c.mu.Unlock()

    select {
    case o := <-p.done:
        return o.payload, o.err
    case <-ctx.Done():
        // Cancellation is advisory: the server may already have acted on the
        // command, so we only stop waiting for the result.
        c.settle(id, outcome{err: ctx.Err()})
        o := <-p.done
        return nil, o.err
    }
}

// Post sends a command without registering a pending request. Used for
// repeated motion commands where only delivery matters; any response the
// server pairs to it is dropped as unknown.
func (c *Correlator) Post(action string, payload json.RawMessage) error {
    return c.send(protocol.NewCommand(uuid.NewString(), action, c.target, payload))
}

// HandleResponse settles the pending request matching the envelope id.
// A response for an unknown or already-settled id is logged and dropped.
func (c *Correlator) HandleResponse(env protocol.Envelope) {
    c.mu.Lock()
    _, ok := c.pending[env.ID]
    c.mu.Unlock()
    if !ok {
        c.log.Debug("dropping late or unknown response", zap.String("id", env.ID))
        return
    }
    res, err := protocol.ParseResult(env.Payload)
    if err != nil {
        // Malformed response: discard it and let the request time out rather
        // than guessing at the outcome.
        c.log.Warn("discarding malformed response", zap.String("id", env.ID), zap.Error(err))
        return
    }
    if res.Success {
        c.settle(env.ID, outcome{payload: env.Payload})
        return
    }
    devErr := res.Error
    if devErr == nil {
        devErr = &protocol.DeviceError{Code: "UNKNOWN", Message: "command failed without error detail"}
    }
    c.settle(env.ID, outcome{err: devErr})
}

// FailAll rejects every in-flight request with the given error. Called on
// connection loss: an in-flight device command cannot be assumed delivered.
func (c *Correlator) FailAll(err error) {
    c.mu.Lock()
    all := make([]*pendingRequest, 0, len(c.pending))
    for _, p := range c.pending {
        all = append(all, p)
    }
    c.pending = make(map[string]*pendingRequest)
    c.mu.Unlock()

    for _, p := range all {
        if p.timer != nil {
            p.timer.Stop()
        }
        p.done <- outcome{err: err}
    }
    if len(all) > 0 {
        c.log.Warn("rejected in-flight commands", zap.Int("count", len(all)), zap.Error(err))
    }
}

// PendingCount reports how many requests are currently in flight.
func (c *Correlator) PendingCount() int {
    c.mu.Lock()
    defer c.mu.Unlock()
    return len(c.pending)
}

// settle removes the request from the table and delivers its outcome.
// Removal under the lock is what makes settlement exactly-once: whichever of
// response, timeout, cancellation, or FailAll wins the delete delivers; the
// rest find the entry gone and do nothing.
func (c *Correlator) settle(id string, o outcome) bool {
    c.mu.Lock()
    p, ok := c.pending[id]
    if !ok {
        c.mu.Unlock()
        return false
    }
    delete(c.pending, id)
    c.mu.Unlock()
    if p.timer != nil {
        p.timer.Stop()
    }
    p.done <- o
    return true
}
