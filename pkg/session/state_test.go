package session

import (
    "testing"

    "github.com/astrophotograph/esc-sub002/pkg/protocol"
)

func TestStateEmptyUntilFirstStatus(t *testing.T) {
    s := newStateStore()
    if _, ok := s.Status(); ok {
        t.Fatalf("fresh store claims to have status")
    }
    if _, _, ok := s.Field(FieldRA); ok {
        t.Fatalf("fresh store resolved a field")
    }
}

func TestProvisionalWinsUntilStatusArrives(t *testing.T) {
    s := newStateStore()
    s.ApplyStatus(protocol.StatusPayload{Focus: 1000})

    s.SetProvisional(FieldFocus, 1050)
    if v, prov := s.Focus(); v != 1050 || !prov {
        t.Fatalf("Focus() = %d, provisional %v; want provisional 1050", v, prov)
    }

    // The device landed short of the prediction: the stream always wins.
    s.ApplyStatus(protocol.StatusPayload{Focus: 1040})
    if v, prov := s.Focus(); v != 1040 || prov {
        t.Fatalf("Focus() = %d, provisional %v; want authoritative 1040", v, prov)
    }
}

func TestStatusClearsAllProvisionalFields(t *testing.T) {
    s := newStateStore()
    s.SetProvisional(FieldRA, 12.5)
    s.SetProvisional(FieldDec, -30.0)

    s.ApplyStatus(protocol.StatusPayload{RA: 12.4, Dec: -29.9})
    if v, prov, ok := s.Field(FieldRA); !ok || prov || v.(float64) != 12.4 {
        t.Fatalf("ra = %v provisional=%v ok=%v", v, prov, ok)
    }
    if v, prov, ok := s.Field(FieldDec); !ok || prov || v.(float64) != -29.9 {
        t.Fatalf("dec = %v provisional=%v ok=%v", v, prov, ok)
    }
}

func TestFieldResolvesEverySnapshotField(t *testing.T) {
    s := newStateStore()
    s.ApplyStatus(protocol.StatusPayload{RA: 1, Dec: 2, Alt: 3, Az: 4, Focus: 5})

    checks := []struct {
        name string
        want any
    }{
        {FieldRA, 1.0},
        {FieldDec, 2.0},
        {FieldAlt, 3.0},
        {FieldAz, 4.0},
        {FieldFocus, 5},
    }
    for _, c := range checks {
        v, prov, ok := s.Field(c.name)
        if !ok || prov || v != c.want {
            t.Fatalf("Field(%s) = %v provisional=%v ok=%v, want %v", c.name, v, prov, ok, c.want)
        }
    }
    if _, _, ok := s.Field("tracking-rate"); ok {
        t.Fatalf("unknown field resolved")
    }
}
