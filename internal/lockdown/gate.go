// Package lockdown implements the emergency control gate: a platform-wide
// switch consulted before any ledger work is admitted.
package lockdown

import (
	"NexLedger/internal/auth"
	"NexLedger/internal/lock"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrLockdownActive = errors.New("lockdown: active")
	ErrInvalidCommand = errors.New("lockdown: invalid command")
)

// ActiveError is returned when the gate refuses work.
type ActiveError struct {
	Level  Level
	Reason string
}

func (e *ActiveError) Error() string {
	return fmt.Sprintf("lockdown: %s lockdown active: %s", e.Level, e.Reason)
}

func (e *ActiveError) Is(target error) bool {
	return target == ErrLockdownActive
}

// State is the current lockdown. An empty Scope means platform-wide.
type State struct {
	Level       Level     `json:"level"`
	Reason      string    `json:"reason,omitempty"`
	Initiator   string    `json:"initiator,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	Scope       []string  `json:"scope,omitempty"`
}

// Active reports whether any lockdown is in force.
func (s State) Active() bool { return s.Level != LevelInactive }

func (s State) covers(accountIDs []string) bool {
	if len(s.Scope) == 0 {
		return true
	}
	for _, id := range accountIDs {
		for _, scoped := range s.Scope {
			if id == scoped {
				return true
			}
		}
	}
	return false
}

func (s State) refuse() error {
	return &ActiveError{Level: s.Level, Reason: s.Reason}
}

// Gate holds the lockdown state. Checks are a single atomic load; only
// transitions take the mutex.
type Gate struct {
	state    atomic.Pointer[State]
	verifier auth.Verifier
	audit    AuditLog
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.Mutex
	subscribers []func(State)
	lastEvent   string
}

var _ lock.Admitter = (*Gate)(nil)

// NewGate creates an inactive gate. audit may be nil for an in-memory trail.
func NewGate(verifier auth.Verifier, audit AuditLog, logger zerolog.Logger) *Gate {
	if audit == nil {
		audit = NewMemoryAuditLog()
	}
	g := &Gate{
		verifier: verifier,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
	g.state.Store(&State{Level: LevelInactive})
	return g
}

// SetClock overrides the time source.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Restore loads the last persisted transition so a restart does not
// silently lift a lockdown.
func (g *Gate) Restore(ctx context.Context) error {
	g.mu.Lock()
	last, ok, err := g.audit.Latest(ctx)
	if err != nil {
		g.mu.Unlock()
		return fmt.Errorf("lockdown: restore: %w", err)
	}
	if !ok {
		g.mu.Unlock()
		return nil
	}
	s := g.apply(last)
	g.mu.Unlock()

	if s.Active() {
		g.logger.Warn().Str("level", s.Level.String()).Str("reason", s.Reason).Msg("lockdown restored from audit trail")
	}
	g.notify(s)
	return nil
}

// Refresh adopts the latest transition in the audit log when it was
// recorded by another gate sharing the log. It reports whether the state
// changed.
func (g *Gate) Refresh(ctx context.Context) (bool, error) {
	g.mu.Lock()
	last, ok, err := g.audit.Latest(ctx)
	if err != nil {
		g.mu.Unlock()
		return false, fmt.Errorf("lockdown: refresh: %w", err)
	}
	if !ok || last.ID == g.lastEvent {
		g.mu.Unlock()
		return false, nil
	}
	s := g.apply(last)
	g.mu.Unlock()

	g.logger.Warn().
		Str("action", last.Action).
		Str("level", s.Level.String()).
		Str("initiator", last.Initiator).
		Msg("lockdown transition adopted from audit trail")
	g.notify(s)
	return true, nil
}

// Watch calls Refresh every interval until ctx is done.
func (g *Gate) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := g.Refresh(ctx); err != nil && ctx.Err() == nil {
				g.logger.Error().Err(err).Msg("lockdown refresh failed")
			}
		}
	}
}

// apply installs the state e leaves behind. g.mu must be held.
func (g *Gate) apply(e Event) State {
	s := e.State()
	g.state.Store(&s)
	g.lastEvent = e.ID
	return s
}

// State returns the current lockdown state.
func (g *Gate) State() State {
	return *g.state.Load()
}

// Audit exposes the transition trail.
func (g *Gate) Audit() AuditLog { return g.audit }

// Admit is consulted before any lock is taken for a new operation touching
// accountIDs.
func (g *Gate) Admit(class Class, accountIDs ...string) error {
	s := g.state.Load()
	if s.Level == LevelInactive || !s.covers(accountIDs) {
		return nil
	}
	switch s.Level {
	case LevelPartial:
		if class == ClassSpeculative {
			return s.refuse()
		}
		return nil
	default:
		return s.refuse()
	}
}

// AdmitCommit is consulted inside the lock right before an admitted
// operation writes. Only a critical lockdown stops work already in flight,
// and only outflows.
func (g *Gate) AdmitCommit(class Class, accountIDs ...string) error {
	s := g.state.Load()
	if s.Level == LevelCritical && class == ClassOutflow && s.covers(accountIDs) {
		return s.refuse()
	}
	return nil
}

// AdmitLock implements lock.Admitter: full and critical lockdowns refuse
// new acquisitions on covered accounts.
func (g *Gate) AdmitLock(key, _ string) error {
	s := g.state.Load()
	if s.Level < LevelFull {
		return nil
	}
	if len(s.Scope) == 0 {
		return s.refuse()
	}
	for _, id := range s.Scope {
		if key == lock.AccountKey(id) {
			return s.refuse()
		}
	}
	return nil
}

// Subscribe registers fn to run after every transition.
func (g *Gate) Subscribe(fn func(State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers = append(g.subscribers, fn)
}

// Activate engages a lockdown. token must verify to the founder tier.
func (g *Gate) Activate(ctx context.Context, token string, level Level, reason string, scope []string) (State, error) {
	id, err := g.authorize(token)
	if err != nil {
		return State{}, err
	}
	if level <= LevelInactive || level > LevelCritical {
		return State{}, fmt.Errorf("%w: cannot activate level %s", ErrInvalidCommand, level)
	}
	if strings.TrimSpace(reason) == "" {
		return State{}, fmt.Errorf("%w: reason is required", ErrInvalidCommand)
	}

	now := g.now()
	event := Event{
		ID:        uuid.NewString(),
		Action:    ActionActivate,
		Level:     level,
		Reason:    reason,
		Initiator: id.Subject,
		Scope:     append([]string(nil), scope...),
		At:        now,
	}
	return g.transition(ctx, event)
}

// Lift clears the lockdown. token must verify to the founder tier.
func (g *Gate) Lift(ctx context.Context, token string) (State, error) {
	id, err := g.authorize(token)
	if err != nil {
		return State{}, err
	}
	if _, err := g.Refresh(ctx); err != nil {
		return State{}, err
	}
	if !g.State().Active() {
		return g.State(), nil
	}

	event := Event{
		ID:        uuid.NewString(),
		Action:    ActionLift,
		Level:     LevelInactive,
		Initiator: id.Subject,
		At:        g.now(),
	}
	return g.transition(ctx, event)
}

func (g *Gate) authorize(token string) (auth.Identity, error) {
	if g.verifier == nil {
		return auth.Identity{}, auth.ErrUnauthorized
	}
	id, err := g.verifier.Verify(token)
	if err != nil {
		return auth.Identity{}, err
	}
	if err := id.Require(auth.TierFounder); err != nil {
		g.logger.Warn().Str("subject", id.Subject).Str("tier", id.Tier.String()).Msg("lockdown command refused")
		return auth.Identity{}, err
	}
	return id, nil
}

// The audit append happens first: a transition that cannot be recorded
// does not take effect.
func (g *Gate) transition(ctx context.Context, e Event) (State, error) {
	g.mu.Lock()
	if err := g.audit.Append(ctx, e); err != nil {
		g.mu.Unlock()
		return State{}, fmt.Errorf("lockdown: record %s: %w", e.Action, err)
	}
	s := g.apply(e)
	g.mu.Unlock()

	g.logger.Warn().
		Str("action", e.Action).
		Str("level", s.Level.String()).
		Str("reason", e.Reason).
		Str("initiator", e.Initiator).
		Strs("scope", e.Scope).
		Msg("lockdown transition")

	g.notify(s)
	return s, nil
}

func (g *Gate) notify(s State) {
	g.mu.Lock()
	subs := append(([]func(State))(nil), g.subscribers...)
	g.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}
