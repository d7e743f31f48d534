package simulator

import (
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/astrophotograph/esc-sub002/pkg/protocol"
    "github.com/astrophotograph/esc-sub002/pkg/transport"
    "github.com/astrophotograph/esc-sub002/pkg/transport/mem"
)

func dialSim(t *testing.T, opts Options) (*Simulator, transport.Conn) {
    t.Helper()
    tr := mem.New()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    l, err := tr.Listen(ctx, "sim")
    if err != nil {
        t.Fatalf("Listen: %v", err)
    }
    sim := New(opts)
    go func() { _ = sim.Serve(ctx, l) }()
    conn, err := tr.Dial(ctx, "sim")
    if err != nil {
        t.Fatalf("Dial: %v", err)
    }
    return sim, conn
}

func sendCommand(t *testing.T, conn transport.Conn, id, action string, payload any) {
    t.Helper()
    var raw json.RawMessage
    if payload != nil {
        b, err := json.Marshal(payload)
        if err != nil {
            t.Fatalf("marshal payload: %v", err)
        }
        raw = b
    }
    b, err := json.Marshal(protocol.NewCommand(id, action, "scope-a", raw))
    if err != nil {
        t.Fatalf("marshal envelope: %v", err)
    }
    if err := conn.SendBytes(b); err != nil {
        t.Fatalf("send: %v", err)
    }
}

func recvEnvelope(t *testing.T, conn transport.Conn) protocol.Envelope {
    t.Helper()
    b, err := conn.RecvBytes()
    if err != nil {
        t.Fatalf("recv: %v", err)
    }
    var env protocol.Envelope
    if err := json.Unmarshal(b, &env); err != nil {
        t.Fatalf("decode envelope: %v", err)
    }
    return env
}

func TestFocusAdjustsSharedState(t *testing.T) {
    sim, conn := dialSim(t, Options{Target: "scope-a"})

    sendCommand(t, conn, "c1", protocol.ActionFocus, protocol.FocusPayload{Step: -25})
    env := recvEnvelope(t, conn)
    if env.Kind != protocol.KindResponse || env.ID != "c1" {
        t.Fatalf("response = %+v", env)
    }
    var res struct {
        Success  bool `json:"success"`
        Position int  `json:"position"`
    }
    if err := json.Unmarshal(env.Payload, &res); err != nil || !res.Success {
        t.Fatalf("payload = %s, %v", env.Payload, err)
    }
    if res.Position != 975 {
        t.Fatalf("position = %d, want 975", res.Position)
    }
    if sim.Status().Focus != 975 {
        t.Fatalf("device state = %d", sim.Status().Focus)
    }
}

func TestUnknownActionIsRejected(t *testing.T) {
    _, conn := dialSim(t, Options{Target: "scope-a"})

    sendCommand(t, conn, "c1", "CALIBRATE_FLUX", nil)
    env := recvEnvelope(t, conn)
    res, err := protocol.ParseResult(env.Payload)
    if err != nil {
        t.Fatalf("ParseResult: %v", err)
    }
    if res.Success || res.Error == nil || res.Error.Code != "UNSUPPORTED" {
        t.Fatalf("result = %+v", res)
    }
}

func TestPlateSolveEmitsDeferredEvent(t *testing.T) {
    _, conn := dialSim(t, Options{Target: "scope-a", SolveDelay: 20 * time.Millisecond})

    sendCommand(t, conn, "c1", protocol.ActionPlateSolve, nil)
    ack := recvEnvelope(t, conn)
    if ack.Kind != protocol.KindResponse || ack.ID != "c1" {
        t.Fatalf("ack = %+v", ack)
    }
    evt := recvEnvelope(t, conn)
    if evt.Kind != protocol.KindEvent || evt.Topic != protocol.TopicPlateSolveResult {
        t.Fatalf("event = %+v", evt)
    }
    var res protocol.PlateSolveResult
    if err := json.Unmarshal(evt.Payload, &res); err != nil || !res.Solved {
        t.Fatalf("solve result = %s, %v", evt.Payload, err)
    }
}

func TestRebootClosesConnection(t *testing.T) {
    _, conn := dialSim(t, Options{Target: "scope-a"})

    sendCommand(t, conn, "c1", protocol.ActionReboot, nil)
    env := recvEnvelope(t, conn)
    if env.ID != "c1" {
        t.Fatalf("response = %+v", env)
    }
    if _, err := conn.RecvBytes(); err == nil {
        t.Fatalf("connection survived a reboot")
    }
}

func TestDroppedActionsAreCountedNotAnswered(t *testing.T) {
    sim, conn := dialSim(t, Options{Target: "scope-a"})
    sim.DropAction(protocol.ActionPark, true)

    sendCommand(t, conn, "c1", protocol.ActionPark, nil)
    sendCommand(t, conn, "c2", protocol.ActionGetStatus, nil)
    env := recvEnvelope(t, conn)
    if env.ID != "c2" {
        t.Fatalf("first reply = %+v, want the status response", env)
    }
    if sim.Count(protocol.ActionPark) != 1 {
        t.Fatalf("park count = %d", sim.Count(protocol.ActionPark))
    }
}
