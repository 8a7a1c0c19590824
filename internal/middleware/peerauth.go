package middleware

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Peer request headers
const (
	PeerIDHeader        = "X-Peer-ID"
	PeerTimestampHeader = "X-Peer-Timestamp"
	PeerSignatureHeader = "X-Peer-Signature"

	// PeerIDKey is the gin context key holding the authenticated peer
	PeerIDKey = "peer_id"
)

// maxSignedBody bounds how much of a peer request is read for signing
const maxSignedBody = 4 << 20

var (
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrClockSkew        = errors.New("timestamp outside allowed skew")
	ErrMissingSignature = errors.New("missing peer signature headers")
)

// Verifier checks Ed25519 signatures made by registered peers
type Verifier struct {
	keys    map[string]ed25519.PublicKey
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier decodes base64 public keys per peer id
func NewVerifier(keys map[string]string, maxSkew time.Duration) (*Verifier, error) {
	v := &Verifier{
		keys:    make(map[string]ed25519.PublicKey, len(keys)),
		maxSkew: maxSkew,
		now:     time.Now,
	}
	if v.maxSkew <= 0 {
		v.maxSkew = 30 * time.Second
	}
	for peer, encoded := range keys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("peer %s: invalid public key encoding: %w", peer, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("peer %s: public key is %d bytes, want %d", peer, len(raw), ed25519.PublicKeySize)
		}
		v.keys[peer] = ed25519.PublicKey(raw)
	}
	return v, nil
}

// Enabled reports whether any peer key is configured
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.keys) > 0
}

// SigningString is the message a peer signs: peer id, unix timestamp and the
// hex SHA-256 of the request body, newline separated
func SigningString(peerID string, timestamp time.Time, payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return []byte(peerID + "\n" + strconv.FormatInt(timestamp.Unix(), 10) + "\n" + hex.EncodeToString(sum[:]))
}

// Verify checks that signature is peerID's signature over payload at timestamp
func (v *Verifier) Verify(peerID string, payload []byte, signature string, timestamp time.Time) error {
	key, ok := v.keys[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	skew := v.now().Sub(timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return fmt.Errorf("%w: %s", ErrClockSkew, skew.Truncate(time.Second))
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: bad encoding", ErrBadSignature)
	}
	if !ed25519.Verify(key, SigningString(peerID, timestamp, payload), sig) {
		return ErrBadSignature
	}
	return nil
}

// PeerAuthMiddleware authenticates peer requests. With no keys configured
// requests pass through and the X-Peer-ID header is trusted as is.
func PeerAuthMiddleware(v *Verifier, logger *zerolog.Logger) gin.HandlerFunc {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return func(c *gin.Context) {
		peerID := strings.TrimSpace(c.GetHeader(PeerIDHeader))
		if !v.Enabled() {
			if peerID != "" {
				c.Set(PeerIDKey, peerID)
			}
			c.Next()
			return
		}

		ts := c.GetHeader(PeerTimestampHeader)
		sig := c.GetHeader(PeerSignatureHeader)
		if peerID == "" || ts == "" || sig == "" {
			abortPeer(c, ErrMissingSignature)
			return
		}
		secs, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			abortPeer(c, fmt.Errorf("%w: bad timestamp", ErrBadSignature))
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBody))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read body", "code": "BAD_REQUEST"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if err := v.Verify(peerID, body, sig, time.Unix(secs, 0)); err != nil {
			logger.Warn().Err(err).Str("peer_id", peerID).Str("path", c.FullPath()).Msg("Peer signature rejected")
			abortPeer(c, err)
			return
		}
		c.Set(PeerIDKey, peerID)
		c.Next()
	}
}

func abortPeer(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": err.Error(),
		"code":  "PEER_UNAUTHORIZED",
	})
}
