package lockdown

import (
	"context"
	"sync"
	"time"
)

const (
	ActionActivate = "activate"
	ActionLift     = "lift"
)

// Event is one lockdown transition.
type Event struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Level     Level     `json:"level"`
	Reason    string    `json:"reason,omitempty"`
	Initiator string    `json:"initiator"`
	Scope     []string  `json:"scope,omitempty"`
	At        time.Time `json:"at"`
}

// State reconstructs the gate state this event leaves behind.
func (e Event) State() State {
	if e.Action == ActionLift {
		return State{Level: LevelInactive}
	}
	return State{
		Level:       e.Level,
		Reason:      e.Reason,
		Initiator:   e.Initiator,
		ActivatedAt: e.At,
		Scope:       append([]string(nil), e.Scope...),
	}
}

// AuditLog is an append-only trail of lockdown transitions.
type AuditLog interface {
	Append(ctx context.Context, e Event) error
	// Latest returns the most recent event; ok is false when the log is empty.
	Latest(ctx context.Context) (Event, bool, error)
	// List returns up to limit events, newest first.
	List(ctx context.Context, limit int) ([]Event, error)
}

// MemoryAuditLog keeps the trail in process memory.
type MemoryAuditLog struct {
	mu     sync.RWMutex
	events []Event
}

var _ AuditLog = (*MemoryAuditLog)(nil)

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (m *MemoryAuditLog) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryAuditLog) Latest(_ context.Context) (Event, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return Event{}, false, nil
	}
	return m.events[len(m.events)-1], true, nil
}

func (m *MemoryAuditLog) List(_ context.Context, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}
