package session

import (
    "sync"

    "github.com/astrophotograph/esc-sub002/pkg/protocol"
)

// Named state fields used for optimistic updates.
const (
    FieldRA    = "ra"
    FieldDec   = "dec"
    FieldAlt   = "alt"
    FieldAz    = "az"
    FieldFocus = "focus"
)

// StateStore reconciles optimistic local predictions with the authoritative
// STATUS stream. A UI may record a provisional value the moment a control is
// touched; the next STATUS event overwrites it. The event stream always
// wins over locally predicted state.
type StateStore struct {
    mu          sync.RWMutex
    status      protocol.StatusPayload
    haveStatus  bool
    provisional map[string]any
}

func newStateStore() *StateStore {
    return &StateStore{provisional: make(map[string]any)}
}

// SetProvisional records a locally predicted value for a field, annotated as
// provisional until the next authoritative STATUS.
func (s *StateStore) SetProvisional(field string, v any) {
    s.mu.Lock()
    s.provisional[field] = v
    s.mu.Unlock()
}

// ApplyStatus installs an authoritative snapshot and discards every
// provisional prediction.
func (s *StateStore) ApplyStatus(p protocol.StatusPayload) {
    s.mu.Lock()
    s.status = p
    s.haveStatus = true
    if len(s.provisional) > 0 {
        s.provisional = make(map[string]any)
    }
    s.mu.Unlock()
}

// Status returns the last authoritative snapshot, if one has arrived.
func (s *StateStore) Status() (protocol.StatusPayload, bool) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.status, s.haveStatus
}

// Field returns the effective value for a field: the provisional prediction
// when one is outstanding, otherwise the authoritative value. The second
// return reports whether the value is provisional.
func (s *StateStore) Field(name string) (any, bool, bool) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if v, ok := s.provisional[name]; ok {
        return v, true, true
    }
    if !s.haveStatus {
        return nil, false, false
    }
    switch name {
    case FieldRA:
        return s.status.RA, false, true
    case FieldDec:
        return s.status.Dec, false, true
    case FieldAlt:
        return s.status.Alt, false, true
    case FieldAz:
        return s.status.Az, false, true
    case FieldFocus:
        return s.status.Focus, false, true
    default:
        return nil, false, false
    }
}

// Focus returns the effective focuser position and whether it is
// provisional. The focus slider is the canonical optimistic-update consumer.
func (s *StateStore) Focus() (int, bool) {
    v, prov, ok := s.Field(FieldFocus)
    if !ok {
        return 0, false
    }
    n, isInt := v.(int)
    if !isInt {
        return 0, false
    }
    return n, prov
}
