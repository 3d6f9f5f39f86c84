// Package token issues and verifies short-lived HS256 tokens whose use is
// fixed by an enumerated Purpose shared between signer and verifier.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apierrors "github.com/themegpt/themegpt/internal/errors"
)

// Issuer is the iss claim stamped on every token this service signs.
const Issuer = "themegpt"

// Purpose binds a token to the one operation allowed to accept it.
type Purpose string

const (
	PurposeLicenseLink Purpose = "license-link"
	PurposeSession     Purpose = "session"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeLicenseLink, PurposeSession:
		return true
	}
	return false
}

var (
	ErrSecretMissing  = errors.New("signing secret is required")
	ErrUnknownPurpose = errors.New("unknown token purpose")
)

// Claims is the signed payload.
type Claims struct {
	UserID  string  `json:"userId"`
	Email   string  `json:"email"`
	Purpose Purpose `json:"purpose"`
	jwt.RegisteredClaims
}

// Signer signs and verifies purpose-tagged tokens with one shared secret.
type Signer struct {
	key   []byte
	clock quartz.Clock
}

// NewSigner returns a Signer for secret. A nil clock uses the real clock.
func NewSigner(secret string, clock quartz.Clock) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrSecretMissing
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Signer{key: []byte(secret), clock: clock}, nil
}

// Sign issues a token for purpose that expires ttl after now.
func (s *Signer) Sign(purpose Purpose, userID, email string, ttl time.Duration) (string, time.Time, error) {
	if !purpose.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrUnknownPurpose, purpose)
	}
	now := s.clock.Now("token", "sign")
	expiresAt := now.Add(ttl)

	claims := Claims{
		UserID:  userID,
		Email:   email,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", purpose, err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, expiry and purpose. Malformed, forged and expired
// tokens all produce the same auth error; a valid token minted for another
// purpose is rejected separately.
func (s *Signer) Verify(raw string, want Purpose) (*Claims, error) {
	const op = "token.verify"

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		strings.TrimSpace(raw),
		claims,
		func(t *jwt.Token) (any, error) {
			return s.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.clock.Now("token", "verify") }),
	)
	if err != nil || !parsed.Valid {
		return nil, apierrors.Wrap(apierrors.KindAuth, op, "invalid_token", "Invalid or expired token", err)
	}
	if claims.Purpose != want {
		return nil, apierrors.Auth(op, "invalid_token_purpose", "Invalid token purpose")
	}
	if claims.UserID == "" {
		return nil, apierrors.Auth(op, "invalid_token", "Invalid or expired token")
	}
	return claims, nil
}
