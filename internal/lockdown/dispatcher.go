package lockdown

import (
	"NexLedger/internal/auth"
	"context"
	"errors"
	"fmt"
)

// Command names accepted by Dispatcher.
const (
	CommandActivate = "lockdown.activate"
	CommandLift     = "lockdown.lift"
	CommandStatus   = "lockdown.status"
	CommandHistory  = "lockdown.history"
)

var ErrUnknownCommand = errors.New("lockdown: unknown command")

// Command is an administrative request, as received from the API or bus.
type Command struct {
	Name   string   `json:"command"`
	Level  string   `json:"level,omitempty"`
	Reason string   `json:"reason,omitempty"`
	Scope  []string `json:"scope,omitempty"`
	Limit  int      `json:"limit,omitempty"`
	Token  string   `json:"token,omitempty"`
}

// Result is the outcome of a dispatched command.
type Result struct {
	State   State   `json:"state"`
	History []Event `json:"history,omitempty"`
}

// Dispatcher routes permission-checked commands to the gate. Read commands
// need the operator tier; transitions are checked by the gate itself.
type Dispatcher struct {
	gate     *Gate
	verifier auth.Verifier
}

func NewDispatcher(gate *Gate, verifier auth.Verifier) *Dispatcher {
	return &Dispatcher{gate: gate, verifier: verifier}
}

func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	switch cmd.Name {
	case CommandActivate:
		level, err := ParseLevel(cmd.Level)
		if err != nil {
			return Result{}, err
		}
		s, err := d.gate.Activate(ctx, cmd.Token, level, cmd.Reason, cmd.Scope)
		return Result{State: s}, err

	case CommandLift:
		s, err := d.gate.Lift(ctx, cmd.Token)
		return Result{State: s}, err

	case CommandStatus:
		if err := d.require(cmd.Token, auth.TierOperator); err != nil {
			return Result{}, err
		}
		return Result{State: d.gate.State()}, nil

	case CommandHistory:
		if err := d.require(cmd.Token, auth.TierAdmin); err != nil {
			return Result{}, err
		}
		events, err := d.gate.Audit().List(ctx, cmd.Limit)
		if err != nil {
			return Result{}, err
		}
		return Result{State: d.gate.State(), History: events}, nil

	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
}

func (d *Dispatcher) require(token string, tier auth.Tier) error {
	if d.verifier == nil {
		return auth.ErrUnauthorized
	}
	id, err := d.verifier.Verify(token)
	if err != nil {
		return err
	}
	return id.Require(tier)
}
