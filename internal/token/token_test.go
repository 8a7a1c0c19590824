package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndParse(t *testing.T) {
	s, err := NewSigner("secret", "")
	require.NoError(t, err)

	issued := time.Now().Truncate(time.Second)
	expires := issued.Add(10 * time.Minute)
	raw, err := s.Mint("lease-1", "task-1", "peer-1", issued, expires)
	require.NoError(t, err)

	claims, err := s.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "lease-1", claims.LeaseID())
	assert.Equal(t, "task-1", claims.TaskID)
	assert.Equal(t, "peer-1", claims.PeerID)
	assert.True(t, claims.ExpiresTime().Equal(expires))
	assert.True(t, claims.IssuedTime().Equal(issued))
}

func TestParse_ExpiredTokenStillParses(t *testing.T) {
	s, _ := NewSigner("secret", "")
	past := time.Now().Add(-time.Hour)
	raw, err := s.Mint("l", "t", "p", past, past.Add(time.Minute))
	require.NoError(t, err)

	claims, err := s.Parse(raw)
	require.NoError(t, err)
	assert.True(t, claims.ExpiresTime().Before(time.Now()))
}

func TestParse_Rejects(t *testing.T) {
	s, _ := NewSigner("secret", "")
	other, _ := NewSigner("other-secret", "")
	foreign, _ := NewSigner("secret", "someone-else")
	now := time.Now()

	good, _ := s.Mint("l", "t", "p", now, now.Add(time.Minute))
	wrongKey, _ := other.Mint("l", "t", "p", now, now.Add(time.Minute))
	wrongIssuer, _ := foreign.Mint("l", "t", "p", now, now.Add(time.Minute))
	noLease, _ := s.Mint("", "t", "p", now, now.Add(time.Minute))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"jti": "l", "task_id": "t", "peer_id": "p"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	parts := strings.Split(good, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	tests := map[string]string{
		"garbage":         "not-a-token",
		"empty":           "",
		"wrong key":       wrongKey,
		"wrong issuer":    wrongIssuer,
		"missing lease":   noLease,
		"alg none":        unsigned,
		"tampered claims": tampered,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.Parse(raw)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestNewSigner_RequiresSecret(t *testing.T) {
	_, err := NewSigner("", "")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestInspect(t *testing.T) {
	s, _ := NewSigner("secret", "")
	raw, _ := s.Mint("lease-9", "task-9", "peer-9", time.Now(), time.Now().Add(time.Minute))

	claims, err := Inspect(raw)
	require.NoError(t, err)
	assert.Equal(t, "lease-9", claims.ID)
}
