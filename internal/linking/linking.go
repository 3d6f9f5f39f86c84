// Package linking binds anonymously purchased licenses to user accounts
// through short-lived signed tokens.
package linking

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/coder/quartz"

	"github.com/themegpt/themegpt/internal/entitlement"
	apierrors "github.com/themegpt/themegpt/internal/errors"
	"github.com/themegpt/themegpt/internal/logging"
	"github.com/themegpt/themegpt/internal/metrics"
	"github.com/themegpt/themegpt/internal/store"
	"github.com/themegpt/themegpt/internal/token"
)

const (
	// TokenTTL is the absolute lifetime of a link token.
	TokenTTL = 10 * time.Minute

	MaxTokenLength      = 2000
	MaxLicenseKeyLength = 100
)

// Grant is the response to Generate.
type Grant struct {
	Token     string `json:"token"`
	ShortCode string `json:"shortCode"`
	ExpiresIn int    `json:"expiresIn"`
}

// Confirmation is the response to a successful Confirm.
type Confirmation struct {
	UserID   string    `json:"userId"`
	Email    string    `json:"email"`
	LinkedAt time.Time `json:"-"`
}

// Status is the link state of a license.
type Status struct {
	Linked   bool       `json:"linked"`
	LinkedAt *time.Time `json:"linkedAt"`
}

// Protocol issues and confirms link tokens.
type Protocol struct {
	signer       *token.Signer
	store        store.EntitlementStore
	clock        quartz.Clock
	storeTimeout time.Duration
}

// New returns a Protocol.
func New(signer *token.Signer, s store.EntitlementStore, clock quartz.Clock, storeTimeout time.Duration) *Protocol {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Protocol{signer: signer, store: s, clock: clock, storeTimeout: storeTimeout}
}

// Generate issues a link token for an already authenticated user.
func (p *Protocol) Generate(userID, email string) (*Grant, error) {
	const op = "link.generate"
	if strings.TrimSpace(userID) == "" {
		return nil, apierrors.Auth(op, "unauthenticated", "Unauthorized")
	}
	raw, _, err := p.signer.Sign(token.PurposeLicenseLink, userID, email, TokenTTL)
	if err != nil {
		return nil, apierrors.Internal(op, err)
	}
	return &Grant{
		Token:     raw,
		ShortCode: ShortCode(raw),
		ExpiresIn: int(TokenTTL / time.Second),
	}, nil
}

// ShortCode derives a display-only code from the token's last 6 bytes. It
// is not verifiable and is never accepted in place of the token.
func ShortCode(raw string) string {
	tail := raw
	if len(tail) > shortCodeBytes {
		tail = tail[len(tail)-shortCodeBytes:]
	}
	return strings.ToUpper(base64.StdEncoding.EncodeToString([]byte(tail)))
}

// shortCodeBytes encodes to exactly 8 base64 characters.
const shortCodeBytes = 6

// Confirm binds licenseKey to the user named in rawToken. Every failure is
// terminal for the token; callers must Generate again.
func (p *Protocol) Confirm(ctx context.Context, rawToken, licenseKey string) (*Confirmation, error) {
	const op = "link.confirm"
	logger := logging.FromContext(ctx)

	if rawToken == "" || licenseKey == "" {
		return nil, p.fail("malformed", apierrors.Validation(op, "bad_request", "Valid token and license key are required"))
	}
	if len(rawToken) > MaxTokenLength || len(licenseKey) > MaxLicenseKeyLength {
		return nil, p.fail("malformed", apierrors.Validation(op, "input_too_long", "Input exceeds maximum length"))
	}

	claims, err := p.signer.Verify(rawToken, token.PurposeLicenseLink)
	if err != nil {
		return nil, p.fail("invalid_token", err)
	}

	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	license, err := p.store.GetLicense(sctx, licenseKey)
	cancel()
	if err != nil {
		return nil, p.fail("error", apierrors.Internal(op, err))
	}
	if license == nil {
		return nil, p.fail("not_found", apierrors.NotFound(op, "license_not_found", "License key not found"))
	}

	sctx, cancel = context.WithTimeout(ctx, p.storeTimeout)
	existing, err := p.store.GetLicenseLink(sctx, licenseKey)
	cancel()
	if err != nil {
		return nil, p.fail("error", apierrors.Internal(op, err))
	}
	if existing != nil {
		logger.Warn().
			Str("license", logging.RedactKey(licenseKey)).
			Str("user_id", claims.UserID).
			Bool("same_user", existing.UserID == claims.UserID).
			Msg("License link rejected: already linked")
		return nil, p.fail("conflict", alreadyLinked(op))
	}

	linkedAt := p.clock.Now("link", "confirm").UTC()
	sctx, cancel = context.WithTimeout(ctx, p.storeTimeout)
	claimed, err := p.store.ClaimLicenseLink(sctx, entitlement.LicenseLink{
		LicenseKey: licenseKey,
		UserID:     claims.UserID,
		Email:      claims.Email,
		LinkedAt:   linkedAt,
	})
	cancel()
	if err != nil {
		return nil, p.fail("error", apierrors.Internal(op, err))
	}
	if !claimed {
		logger.Warn().
			Str("license", logging.RedactKey(licenseKey)).
			Str("user_id", claims.UserID).
			Msg("License link rejected: lost concurrent claim")
		return nil, p.fail("conflict", alreadyLinked(op))
	}

	metrics.LinkConfirmTotal.WithLabelValues("linked").Inc()
	logger.Info().
		Str("license", logging.RedactKey(licenseKey)).
		Str("user_id", claims.UserID).
		Msg("License linked to account")
	return &Confirmation{UserID: claims.UserID, Email: claims.Email, LinkedAt: linkedAt}, nil
}

func alreadyLinked(op string) error {
	return apierrors.Conflict(op, "already_linked", "License already linked to an account")
}

func (p *Protocol) fail(outcome string, err error) error {
	metrics.LinkConfirmTotal.WithLabelValues(outcome).Inc()
	return err
}

// Status reports whether licenseKey has been linked. It has no side effects.
func (p *Protocol) Status(ctx context.Context, licenseKey string) (*Status, error) {
	const op = "link.status"
	if licenseKey == "" {
		return nil, apierrors.Validation(op, "missing_license_key", "License key required")
	}
	if len(licenseKey) > MaxLicenseKeyLength {
		return nil, apierrors.Validation(op, "input_too_long", "Input exceeds maximum length")
	}

	sctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	license, err := p.store.GetLicense(sctx, licenseKey)
	if err != nil {
		return nil, apierrors.Internal(op, err)
	}
	if license == nil {
		return nil, apierrors.NotFound(op, "license_not_found", "License key not found")
	}
	link, err := p.store.GetLicenseLink(sctx, licenseKey)
	if err != nil {
		return nil, apierrors.Internal(op, err)
	}
	if link == nil {
		return &Status{}, nil
	}
	linkedAt := link.LinkedAt
	return &Status{Linked: true, LinkedAt: &linkedAt}, nil
}
