// Package token mints and validates the signed single-use magic-link
// tokens that let a resource respond to a status-check alert without
// signing in. The plaintext token exists only in the URL sent to the
// recipient; the store holds only its SHA-256 hash.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tracky-pm/engine/internal/apperrors"
)

const tokenType = "magic_link"

// Claims is the JWT payload minted for a magic link.
type Claims struct {
	WorkItemID string `json:"work_item_id"`
	AlertID    string `json:"alert_id,omitempty"`
	Type       string `json:"typ"`
	jwt.RegisteredClaims
}

// Signer mints and verifies magic-link tokens with a single HMAC secret.
type Signer struct {
	secret []byte
}

// NewSigner builds a Signer from the configured JWT secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Mint issues a new signed token for resourceID/workItemID, expiring at
// end-of-day UTC the day after deadline (24h grace beyond the deadline
// date). alertID is optional and recorded in the claims when present.
func (s *Signer) Mint(resourceID, workItemID string, deadline time.Time, alertID string) (plaintext string, jti string, expiresAt time.Time, err error) {
	jti = uuid.NewString()
	expiresAt = endOfDayUTC(deadline.AddDate(0, 0, 1))

	claims := Claims{
		WorkItemID: workItemID,
		AlertID:    alertID,
		Type:       tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   resourceID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ID:        jti,
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, jti, expiresAt, nil
}

func endOfDayUTC(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, 23, 59, 59, 0, time.UTC)
}

// Hash returns the SHA-256 hex digest of a plaintext token, the only form
// that should ever be persisted.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Parse verifies the signature and expiry of a plaintext token and
// returns its claims. It does not consult the store — callers combine
// this with a store lookup by Hash(plaintext) to enforce
// revocation.
func (s *Signer) Parse(plaintext string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(plaintext, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.Wrap(apperrors.TokenExpired, "token expired", err)
		}
		return nil, apperrors.Wrap(apperrors.TokenInvalid, "token signature invalid", err)
	}
	if !parsed.Valid {
		return nil, apperrors.New(apperrors.TokenInvalid, "token failed validation", nil)
	}
	return claims, nil
}
