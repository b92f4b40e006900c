// Package auth issues and verifies signed caller tokens carrying a
// privilege tier. Privileged ledger commands accept only verified tokens,
// never bare role labels.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrUnauthorized = errors.New("auth: invalid or missing token")
	ErrForbidden    = errors.New("auth: insufficient privilege")
	ErrWeakSecret   = errors.New("auth: signing secret must be at least 32 bytes")
	ErrUnknownTier  = errors.New("auth: unknown tier")
)

// Tier is a privilege level. Higher values include lower ones.
type Tier int

const (
	TierPlayer Tier = iota + 1
	TierOperator
	TierAdmin
	TierFounder
)

func (t Tier) String() string {
	switch t {
	case TierPlayer:
		return "player"
	case TierOperator:
		return "operator"
	case TierAdmin:
		return "admin"
	case TierFounder:
		return "founder"
	default:
		return "unknown"
	}
}

// ParseTier maps a tier name to its Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "player":
		return TierPlayer, nil
	case "operator":
		return TierOperator, nil
	case "admin":
		return TierAdmin, nil
	case "founder":
		return TierFounder, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
}

// Claims is the token payload.
type Claims struct {
	Tier string `json:"tier"`
	jwt.RegisteredClaims
}

// Identity is a verified caller.
type Identity struct {
	Subject string
	Tier    Tier
	TokenID string
}

// Require returns ErrForbidden unless the identity holds at least min.
func (i Identity) Require(min Tier) error {
	if i.Tier < min {
		return fmt.Errorf("%w: %s requires %s, have %s", ErrForbidden, i.Subject, min, i.Tier)
	}
	return nil
}

// Verifier turns a raw token into an Identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Authority signs and verifies HS256 tokens with a shared secret.
type Authority struct {
	secret []byte
	issuer string
	now    func() time.Time
}

var _ Verifier = (*Authority)(nil)

// NewAuthority creates an authority. issuer is stamped into and required on
// every token.
func NewAuthority(secret []byte, issuer string) (*Authority, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	return &Authority{
		secret: append([]byte(nil), secret...),
		issuer: issuer,
		now:    time.Now,
	}, nil
}

// SetClock overrides the time source.
func (a *Authority) SetClock(now func() time.Time) { a.now = now }

// Issue signs a token for subject at tier valid for ttl.
func (a *Authority) Issue(subject string, tier Tier, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("auth: empty subject")
	}
	if tier < TierPlayer || tier > TierFounder {
		return "", ErrUnknownTier
	}

	now := a.now()
	claims := Claims{
		Tier: tier.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify checks signature, algorithm, issuer and expiry.
func (a *Authority) Verify(raw string) (Identity, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return Identity{}, ErrUnauthorized
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	tier, err := ParseTier(claims.Tier)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	return Identity{
		Subject: claims.Subject,
		Tier:    tier,
		TokenID: claims.ID,
	}, nil
}
