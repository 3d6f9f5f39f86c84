// Package store persists licenses, subscriptions, license links and the
// download audit log.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/themegpt/themegpt/internal/entitlement"
)

var (
	// ErrLicenseExists is returned when creating a license whose key is taken.
	ErrLicenseExists = errors.New("license key already exists")
	// ErrSlotGuard is returned when a slot replacement would exceed the
	// stored maxSlots or targets a non-subscription license.
	ErrSlotGuard = errors.New("slot write rejected by license guard")
)

// EntitlementStore is the durable owner of every entitlement record.
// Lookups return (nil, nil) when the record does not exist.
type EntitlementStore interface {
	GetLicense(ctx context.Context, key string) (*entitlement.License, error)
	CreateLicense(ctx context.Context, l *entitlement.License) error
	// CompareAndSwapPlan writes l.Plan only if the stored version still equals
	// l.Version. On success l.Version is advanced.
	CompareAndSwapPlan(ctx context.Context, l *entitlement.License) (bool, error)
	// ReplaceSlotThemes overwrites activeSlotThemes in one conditional write
	// that re-checks maxSlots against the stored row.
	ReplaceSlotThemes(ctx context.Context, key string, themes []string) error
	SetLicensesActiveBySubscription(ctx context.Context, stripeSubscriptionID string, active bool) (int64, error)

	GetSubscriptionByUser(ctx context.Context, userID string) (*entitlement.Subscription, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*entitlement.Subscription, error)
	// PutSubscription inserts or replaces the user's single subscription.
	PutSubscription(ctx context.Context, sub *entitlement.Subscription) error

	GetLicenseLink(ctx context.Context, key string) (*entitlement.LicenseLink, error)
	// ClaimLicenseLink records link only if the license has never been
	// linked. It reports false when another claim already holds the key.
	ClaimLicenseLink(ctx context.Context, link entitlement.LicenseLink) (bool, error)
	// LinkedLicenseForUser returns the user's preferred active linked license.
	LinkedLicenseForUser(ctx context.Context, userID string) (*entitlement.License, error)

	RecordDownload(ctx context.Context, d entitlement.Download) error
	ListDownloads(ctx context.Context, userID string, limit int) ([]entitlement.Download, error)
	HasDownloaded(ctx context.Context, userID, themeID string) (bool, error)

	// MarkWebhookEvent records eventID and reports whether it was new.
	MarkWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error)
	// ReleaseWebhookEvent forgets eventID so a redelivery is processed again.
	ReleaseWebhookEvent(ctx context.Context, eventID string) error

	Ping(ctx context.Context) error
	Close() error
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateLicenseKey returns a key of the form "KEY-" followed by 8 random
// Crockford base32 characters.
func GenerateLicenseKey() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate license key: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("KEY-")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}
