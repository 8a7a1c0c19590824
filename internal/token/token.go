// Package token mints and parses signed lease tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is stamped into every token unless overridden
const DefaultIssuer = "swarm-lease-coordinator"

var (
	// ErrMalformed covers unparsable tokens and bad signatures
	ErrMalformed = errors.New("malformed lease token")
	ErrNoSecret  = errors.New("lease token secret not configured")
)

// Claims is the payload of a lease token. The JWT ID is the lease ID.
type Claims struct {
	TaskID string `json:"task_id"`
	PeerID string `json:"peer_id"`
	jwt.RegisteredClaims
}

// LeaseID returns the lease the token was minted for
func (c *Claims) LeaseID() string { return c.ID }

// IssuedTime returns the iat claim or the zero time
func (c *Claims) IssuedTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// ExpiresTime returns the exp claim or the zero time
func (c *Claims) ExpiresTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Signer creates and verifies HS256 lease tokens
type Signer struct {
	secret []byte
	issuer string
}

// NewSigner creates a signer. The secret must be non-empty.
func NewSigner(secret, issuer string) (*Signer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Signer{secret: []byte(secret), issuer: issuer}, nil
}

// Mint signs a token for the given lease
func (s *Signer) Mint(leaseID, taskID, peerID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := Claims{
		TaskID: taskID,
		PeerID: peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        leaseID,
			Issuer:    s.issuer,
			Subject:   peerID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign lease token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and issuer and returns the claims.
//
// Time-based claims are not checked here: expiry is judged against the
// submission time by the caller, with a grace period.
func (s *Signer) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !tok.Valid {
		return nil, ErrMalformed
	}
	if claims.Issuer != s.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrMalformed, claims.Issuer)
	}
	if claims.ID == "" || claims.TaskID == "" || claims.PeerID == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing required claims", ErrMalformed)
	}
	return claims, nil
}

// Inspect decodes a token without verifying its signature. Used by
// operator tooling only.
func Inspect(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return claims, nil
}
