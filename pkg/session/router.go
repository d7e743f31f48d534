package session

import (
    "sync"

    "go.uber.org/zap"

    "github.com/astrophotograph/esc-sub002/pkg/protocol"
)

// Handler receives one event envelope. Handlers run synchronously on the
// link's read goroutine; heavy work belongs in the subscriber's own goroutine.
type Handler func(env protocol.Envelope)

// Subscription is the handle returned by Subscribe. Cancel is the only way
// to unsubscribe, so cleanup is structurally enforced instead of relying on
// callers remembering a symmetric off() call.
type Subscription struct {
    topic   string
    handler Handler
    r       *Router
    once    sync.Once
}

// Topic returns the topic this subscription listens on.
func (s *Subscription) Topic() string { return s.topic }

// Cancel removes the subscription. Idempotent.
func (s *Subscription) Cancel() {
    s.once.Do(func() { s.r.remove(s) })
}

// Router fans incoming event envelopes out to registered handlers, keyed by
// topic. Dispatch order is registration order. The last envelope per topic
// is retained so a subscriber attaching between events can read it.
type Router struct {
    mu   sync.Mutex
    subs map[string][]*Subscription
    last map[string]protocol.Envelope
    log  *zap.Logger
}

func newRouter(log *zap.Logger) *Router {
    return &Router{
        subs: make(map[string][]*Subscription),
        last: make(map[string]protocol.Envelope),
        log:  log,
    }
}

// Subscribe registers a handler for a topic. One handler may be registered
// for several topics; a topic may have many handlers.
func (r *Router) Subscribe(topic string, h Handler) *Subscription {
    s := &Subscription{topic: topic, handler: h, r: r}
    r.mu.Lock()
    r.subs[topic] = append(r.subs[topic], s)
    r.mu.Unlock()
    return s
}

// Dispatch delivers an event to all current handlers for its topic, in
// registration order. A panicking handler is recovered and logged so one
// faulty subscriber cannot block delivery to the others.
func (r *Router) Dispatch(env protocol.Envelope) {
    r.mu.Lock()
    r.last[env.Topic] = env
    list := make([]*Subscription, len(r.subs[env.Topic]))
    copy(list, r.subs[env.Topic])
    r.mu.Unlock()

    for _, s := range list {
        r.deliver(s, env)
    }
}

func (r *Router) deliver(s *Subscription, env protocol.Envelope) {
    defer func() {
        if rec := recover(); rec != nil {
            r.log.Error("event handler panicked",
                zap.String("topic", env.Topic), zap.Any("panic", rec))
        }
    }()
    s.handler(env)
}

// Last returns the most recent envelope dispatched on a topic, if any.
func (r *Router) Last(topic string) (protocol.Envelope, bool) {
    r.mu.Lock()
    defer r.mu.Unlock()
    env, ok := r.last[topic]
    return env, ok
}

// CancelAll drops every subscription. Called on session teardown.
func (r *Router) CancelAll() {
    r.mu.Lock()
    r.subs = make(map[string][]*Subscription)
    r.mu.Unlock()
}

func (r *Router) remove(s *Subscription) {
    r.mu.Lock()
    defer r.mu.Unlock()
    list := r.subs[s.topic]
    for i, cur := range list {
        if cur == s {
            r.subs[s.topic] = append(list[:i], list[i+1:]...)
            return
        }
    }
}
