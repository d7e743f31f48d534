package main

import (
    "context"
    "encoding/json"
    "flag"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"

    "github.com/astrophotograph/esc-sub002/pkg/config"
    "github.com/astrophotograph/esc-sub002/pkg/netstack"
    "github.com/astrophotograph/esc-sub002/pkg/observability"
    "github.com/astrophotograph/esc-sub002/pkg/protocol"
    "github.com/astrophotograph/esc-sub002/pkg/session"
)

func main() {
    cfgPath := flag.String("config", "", "path to config file")
    kind := flag.String("kind", "ws", "link kind: ws|tcp|quic")
    addr := flag.String("addr", "ws://127.0.0.1:8480/", "telescope endpoint address")
    target := flag.String("target", "default", "telescope target id")
    action := flag.String("action", "", "one-shot command action (e.g. GET_STATUS, FOCUS)")
    payload := flag.String("payload", "", "JSON payload for the command")
    follow := flag.String("follow", "", "follow a topic (e.g. STATUS) until interrupted")
    timeout := flag.Duration("timeout", 10*time.Second, "connect/command timeout")
    flag.Parse()

    cfg, err := config.Load(*cfgPath)
    if err != nil {
        fatalf("load config: %v", err)
    }
    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        fatalf("setup logger: %v", err)
    }
    defer logger.Sync()

    tcfg := config.TelescopeConfig{ID: *target, Kind: *kind, Address: *addr}
    sess, err := netstack.OpenSession(cfg, tcfg)
    if err != nil {
        fatalf("open session: %v", err)
    }
    defer sess.Close()

    ctx, cancel := context.WithTimeout(context.Background(), *timeout)
    if err := sess.Connect(ctx); err != nil {
        cancel()
        fatalf("connect: %v", err)
    }
    cancel()

    switch {
    case *action != "":
        runCommand(sess, *action, *payload, *timeout)
    case *follow != "":
        followTopic(sess, *follow)
    default:
        fmt.Fprintln(os.Stderr, "nothing to do: pass -action or -follow")
        os.Exit(2)
    }
}

func runCommand(sess *session.Session, action, payload string, timeout time.Duration) {
    var raw any
    if payload != "" {
        var m map[string]any
        if err := json.Unmarshal([]byte(payload), &m); err != nil {
            fatalf("parse payload: %v", err)
        }
        raw = m
    }
    ctx, cancel := context.WithTimeout(context.Background(), timeout)
    defer cancel()
    resp, err := sess.SendCommand(ctx, action, raw)
    if err != nil {
        fatalf("%s: %v", action, err)
    }
    fmt.Println(string(resp))
}

func followTopic(sess *session.Session, topic string) {
    sub := sess.On(topic, func(env protocol.Envelope) {
        fmt.Printf("%s %s %s\n", time.UnixMilli(env.Timestamp).Format(time.RFC3339), env.Topic, string(env.Payload))
    })
    defer sub.Cancel()

    zap.L().Info("following topic", zap.String("topic", topic))
    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
    <-sigCh
}

func fatalf(format string, args ...any) {
    fmt.Fprintf(os.Stderr, format+"\n", args...)
    os.Exit(1)
}
