// Package netstack wires configuration to concrete transports, codecs, and
// sessions.
package netstack

import (
    "fmt"
    "strings"

    "github.com/astrophotograph/esc-sub002/pkg/config"
    "github.com/astrophotograph/esc-sub002/pkg/protocol/codec"
    "github.com/astrophotograph/esc-sub002/pkg/session"
    "github.com/astrophotograph/esc-sub002/pkg/transport"
    "github.com/astrophotograph/esc-sub002/pkg/transport/quic"
    "github.com/astrophotograph/esc-sub002/pkg/transport/tcp"
    "github.com/astrophotograph/esc-sub002/pkg/transport/ws"
)

// NewByKind returns a transport for a link kind name. The mem transport is
// in-process only and must be constructed and shared directly.
func NewByKind(kind string) (transport.Transport, error) {
    switch strings.ToLower(kind) {
    case "", "ws":
        return ws.New(), nil
    case "tcp":
        return tcp.New(), nil
    case "quic":
        return quic.New(), nil
    default:
        return nil, fmt.Errorf("unknown link kind %q", kind)
    }
}

var codecs = codec.NewRegistry()

// CodecByName returns a wire codec by config name.
func CodecByName(name string) (codec.Codec, error) {
    if name == "" {
        name = "json"
    }
    c := codecs.ByName(strings.ToLower(name))
    if c == nil {
        return nil, fmt.Errorf("unknown codec %q", name)
    }
    return c, nil
}

// SessionConfig assembles a session.Config for one configured telescope.
func SessionConfig(cfg *config.Config, t config.TelescopeConfig) (session.Config, error) {
    c, err := CodecByName(t.Codec)
    if err != nil {
        return session.Config{}, err
    }
    return session.Config{
        Target:             t.ID,
        DefaultTimeout:     cfg.Command.DefaultTimeout(),
        LongTimeout:        cfg.Command.LongTimeout(),
        ContinuousInterval: cfg.Command.ContinuousInterval(),
        Codec:              c,
        Link: transport.Options{
            BackoffInitial: cfg.Net.DialBackoffInitial(),
            BackoffMax:     cfg.Net.DialBackoffMax(),
            BackoffJitter:  cfg.Net.DialBackoffJitter(),
            SendBuffer:     cfg.Net.SendBuffer,
        },
    }, nil
}

// OpenSession builds (but does not connect) a session for one configured
// telescope. Transports are per-session: a CBOR telescope needs binary
// WebSocket frames.
func OpenSession(cfg *config.Config, t config.TelescopeConfig) (*session.Session, error) {
    tr, err := NewByKind(t.Kind)
    if err != nil {
        return nil, err
    }
    if w, ok := tr.(*ws.Transport); ok && strings.EqualFold(t.Codec, "cbor") {
        w.Binary = true
    }
    sc, err := SessionConfig(cfg, t)
    if err != nil {
        return nil, err
    }
    return session.New(tr, t.Address, sc), nil
}
