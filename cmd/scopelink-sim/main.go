package main

import (
    "context"
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
    "github.com/astrophotograph/esc-sub002/pkg/simulator"
)

func main() {
    cfgPath := flag.String("config", "", "path to config file")
    kind := flag.String("kind", "ws", "link kind to serve: ws|tcp|quic")
    addr := flag.String("addr", "127.0.0.1:8480", "listen address")
    target := flag.String("target", "default", "telescope target id")
    statusEvery := flag.Duration("status-every", time.Second, "STATUS event period (0 disables)")
    solveDelay := flag.Duration("solve-delay", 3*time.Second, "plate solve duration")
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

    tr, err := netstack.NewByKind(*kind)
    if err != nil {
        fatalf("transport: %v", err)
    }

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    go func() {
        sigCh := make(chan os.Signal, 1)
        signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
        <-sigCh
        cancel()
    }()

    l, err := tr.Listen(ctx, *addr)
    if err != nil {
        fatalf("listen: %v", err)
    }
    defer l.Close()
    zap.L().Info("simulator listening",
        zap.String("kind", *kind), zap.String("addr", l.Addr().String()), zap.String("target", *target))

    sim := simulator.New(simulator.Options{
        Target:         *target,
        StatusInterval: *statusEvery,
        SolveDelay:     *solveDelay,
    })
    if err := sim.Serve(ctx, l); err != nil && ctx.Err() == nil {
        fatalf("serve: %v", err)
    }
}

func fatalf(format string, args ...any) {
    fmt.Fprintf(os.Stderr, format+"\n", args...)
    os.Exit(1)
}
