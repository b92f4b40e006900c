// Package split divides an amount among named beneficiaries by percentage.
package split

import (
	nexmath "NexLedger/internal/math"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSplit   = errors.New("split: invalid configuration")
	ErrUnknownSplit   = errors.New("split: unknown configuration")
	ErrNegativeAmount = errors.New("split: negative amount")
)

var (
	hundred   = decimal.NewFromInt(100)
	tolerance = decimal.RequireFromString("0.01")
)

// Share is one beneficiary and its percentage of the amount.
type Share struct {
	Name    string          `json:"name"`
	Percent decimal.Decimal `json:"percent"`
}

// Config is a validated split configuration. The zero value is not usable;
// build one with NewConfig.
type Config struct {
	name      string
	shares    []Share
	recipient string
}

// NewConfig validates shares once. Percentages must be non-negative and sum
// to 100 within 0.01. recipient names the share credited to a tip's
// recipient; empty means the first share.
func NewConfig(name, recipient string, shares ...Share) (*Config, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares", ErrInvalidSplit)
	}

	seen := make(map[string]struct{}, len(shares))
	total := decimal.Zero
	for _, s := range shares {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("%w: empty share name", ErrInvalidSplit)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate share %q", ErrInvalidSplit, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Percent.Sign() < 0 {
			return nil, fmt.Errorf("%w: share %q is negative", ErrInvalidSplit, s.Name)
		}
		total = total.Add(s.Percent)
	}

	if total.Sub(hundred).Abs().GreaterThan(tolerance) {
		return nil, fmt.Errorf("%w: shares sum to %s, want 100", ErrInvalidSplit, total.String())
	}

	if recipient == "" {
		recipient = shares[0].Name
	}
	if _, ok := seen[recipient]; !ok {
		return nil, fmt.Errorf("%w: recipient share %q not configured", ErrInvalidSplit, recipient)
	}

	return &Config{
		name:      name,
		shares:    append([]Share(nil), shares...),
		recipient: recipient,
	}, nil
}

// MustConfig is NewConfig that panics; for static configuration and tests.
func MustConfig(name, recipient string, shares ...Share) *Config {
	c, err := NewConfig(name, recipient, shares...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Config) Name() string      { return c.name }
func (c *Config) Recipient() string { return c.recipient }

// Shares returns a copy of the configured shares in order.
func (c *Config) Shares() []Share {
	return append([]Share(nil), c.shares...)
}

// Allocation is one computed share in minor units.
type Allocation struct {
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

// Split is the result of Compute, in configuration order.
type Split struct {
	Amount      int64        `json:"amount"`
	Allocations []Allocation `json:"allocations"`
}

// Get returns the allocation for name, or 0.
func (s Split) Get(name string) int64 {
	for _, a := range s.Allocations {
		if a.Name == name {
			return a.Amount
		}
	}
	return 0
}

// Total sums the allocations. It always equals Amount.
func (s Split) Total() int64 {
	var total int64
	for _, a := range s.Allocations {
		total += a.Amount
	}
	return total
}

// Compute divides amount by the configuration. Each share but the last is
// amount*percent/100 rounded half-up; the last share absorbs the residual.
// A share never exceeds what is left, so all shares are non-negative and
// sum exactly to amount.
func Compute(amount int64, c *Config) (Split, error) {
	if amount < 0 {
		return Split{}, ErrNegativeAmount
	}
	if c == nil {
		return Split{}, fmt.Errorf("%w: nil configuration", ErrInvalidSplit)
	}

	out := Split{Amount: amount, Allocations: make([]Allocation, len(c.shares))}
	var distributed int64

	for i, s := range c.shares {
		out.Allocations[i].Name = s.Name
		if i == len(c.shares)-1 {
			out.Allocations[i].Amount = amount - distributed
			break
		}

		share, err := nexmath.PercentOf(amount, s.Percent, nexmath.RoundHalfUp)
		if err != nil {
			return Split{}, fmt.Errorf("split: share %q: %w", s.Name, err)
		}
		if remaining := amount - distributed; share > remaining {
			share = remaining
		}
		out.Allocations[i].Amount = share
		distributed += share
	}

	return out, nil
}

// Registry holds named configurations.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]*Config)}
}

// Register adds or replaces a configuration.
func (r *Registry) Register(c *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[c.name] = c
}

// Get returns the named configuration or ErrUnknownSplit.
func (r *Registry) Get(name string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSplit, name)
	}
	return c, nil
}

// Names lists registered configurations in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.configs))
	for n := range r.configs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Parse reads "name:share=pct,share=pct[;name:...]" into configurations.
// The first share of each configuration is the recipient share.
func Parse(spec string) ([]*Config, error) {
	var out []*Config
	for _, block := range strings.Split(spec, ";") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		name, body, ok := strings.Cut(block, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q missing name", ErrInvalidSplit, block)
		}

		var shares []Share
		for _, part := range strings.Split(body, ",") {
			shareName, pct, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok {
				return nil, fmt.Errorf("%w: %q missing percent", ErrInvalidSplit, part)
			}
			p, err := decimal.NewFromString(pct)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSplit, part, err)
			}
			shares = append(shares, Share{Name: shareName, Percent: p})
		}

		c, err := NewConfig(strings.TrimSpace(name), "", shares...)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
