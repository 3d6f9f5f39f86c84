// Package credits gates premium theme unlocks on a user's entitlement and
// license capacity.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/coder/retry"
	"github.com/google/uuid"

	"github.com/themegpt/themegpt/internal/entitlement"
	apierrors "github.com/themegpt/themegpt/internal/errors"
	"github.com/themegpt/themegpt/internal/logging"
	"github.com/themegpt/themegpt/internal/metrics"
	"github.com/themegpt/themegpt/internal/store"
)

const (
	ReasonNoAccess       = "no_access"
	ReasonSlotsExceeded  = "slots_exceeded"
	ReasonThemeNotFound  = "theme_not_found"
	ReasonNotPremium     = "not_premium"
	ReasonLicenseUnknown = "license_not_found"
	ReasonLicenseOff     = "license_inactive"

	// casAttempts bounds optimistic retries when concurrent unlocks race on
	// the same license.
	casAttempts = 5
	// syncAttempts bounds retries of the idempotent slot replacement.
	syncAttempts = 3

	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// Result describes a successful unlock. SlotsUsed and MaxSlots are only set
// for subscription licenses.
type Result struct {
	ThemeID         string `json:"themeId"`
	AlreadyUnlocked bool   `json:"alreadyUnlocked"`
	SlotsUsed       int    `json:"slotsUsed,omitempty"`
	MaxSlots        int    `json:"maxSlots,omitempty"`
}

// Manager enforces per-plan consumption rules.
type Manager struct {
	store        store.EntitlementStore
	clock        quartz.Clock
	storeTimeout time.Duration
	retryFloor   time.Duration
}

// NewManager returns a Manager. Every store call is bounded by storeTimeout.
func NewManager(s store.EntitlementStore, clock quartz.Clock, storeTimeout time.Duration) *Manager {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Manager{
		store:        s,
		clock:        clock,
		storeTimeout: storeTimeout,
		retryFloor:   25 * time.Millisecond,
	}
}

func (m *Manager) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.storeTimeout)
}

// ConsumeCredit unlocks a premium theme for userID. access must be the
// read-boundary decision for the user's subscription.
//
// A theme that is already unlocked succeeds without consuming capacity.
// Subscription licenses append to activeSlotThemes up to maxSlots; single
// licenses add to permanentlyUnlocked without limit. A user with access but
// no linked license is only audited.
func (m *Manager) ConsumeCredit(ctx context.Context, userID, themeID string, access entitlement.Decision) (*Result, error) {
	const op = "credits.consume"
	logger := logging.FromContext(ctx)

	if !access.FullAccess {
		metrics.CreditsConsumedTotal.WithLabelValues("none", ReasonNoAccess).Inc()
		return nil, apierrors.Forbidden(op, ReasonNoAccess, "An active subscription is required to download premium themes")
	}
	theme, ok := LookupTheme(themeID)
	if !ok {
		return nil, apierrors.NotFound(op, ReasonThemeNotFound, "Theme not found")
	}
	if !theme.Premium {
		return nil, apierrors.Validation(op, ReasonNotPremium, "Theme does not require a credit")
	}

	sctx, cancel := m.bounded(ctx)
	license, err := m.store.LinkedLicenseForUser(sctx, userID)
	cancel()
	if err != nil {
		return nil, apierrors.Internal(op, err)
	}

	result := &Result{ThemeID: themeID}
	plan := "unlinked"
	if license != nil {
		plan = string(license.Type())
		result, err = m.unlock(ctx, license, themeID)
		if err != nil {
			metrics.CreditsConsumedTotal.WithLabelValues(plan, string(apierrors.KindOf(err))).Inc()
			return nil, err
		}
	}

	if err := m.audit(ctx, userID, theme, license, access); err != nil {
		return nil, apierrors.Internal(op, err)
	}

	outcome := "unlocked"
	if result.AlreadyUnlocked {
		outcome = "already_unlocked"
	}
	metrics.CreditsConsumedTotal.WithLabelValues(plan, outcome).Inc()
	logger.Info().
		Str("user_id", userID).
		Str("theme_id", themeID).
		Str("plan", plan).
		Str("outcome", outcome).
		Msg("Premium theme unlocked")
	return result, nil
}

func (m *Manager) unlock(ctx context.Context, license *entitlement.License, themeID string) (*Result, error) {
	const op = "credits.consume"

	for attempt := 0; attempt < casAttempts; attempt++ {
		if attempt > 0 {
			sctx, cancel := m.bounded(ctx)
			fresh, err := m.store.GetLicense(sctx, license.Key)
			cancel()
			if err != nil {
				return nil, apierrors.Internal(op, err)
			}
			if fresh == nil {
				return nil, apierrors.NotFound(op, ReasonLicenseUnknown, "License not found")
			}
			license = fresh
		}

		result := &Result{ThemeID: themeID}
		slots, isSlots := license.Slots()
		if isSlots {
			result.MaxSlots = slots.MaxSlots
			result.SlotsUsed = len(slots.ActiveSlotThemes)
		}
		if license.Unlocked(themeID) {
			result.AlreadyUnlocked = true
			return result, nil
		}

		if isSlots {
			if len(slots.ActiveSlotThemes)+1 > slots.MaxSlots {
				return nil, apierrors.Validation(op, ReasonSlotsExceeded, "Exceeded max slots")
			}
			next := make([]string, 0, len(slots.ActiveSlotThemes)+1)
			next = append(next, slots.ActiveSlotThemes...)
			license.Plan = entitlement.SlotPlan{MaxSlots: slots.MaxSlots, ActiveSlotThemes: append(next, themeID)}
			result.SlotsUsed++
		} else if purchase, ok := license.Purchase(); ok {
			next := make([]string, 0, len(purchase.PermanentlyUnlocked)+1)
			next = append(next, purchase.PermanentlyUnlocked...)
			license.Plan = entitlement.SinglePurchase{PermanentlyUnlocked: append(next, themeID)}
		} else {
			return nil, apierrors.Internal(op, errors.New("license has no plan"))
		}

		sctx, cancel := m.bounded(ctx)
		swapped, err := m.store.CompareAndSwapPlan(sctx, license)
		cancel()
		if err != nil {
			return nil, apierrors.Internal(op, err)
		}
		if swapped {
			return result, nil
		}
	}
	return nil, apierrors.Conflict(op, "concurrent_update", "License was modified concurrently, please retry")
}

func (m *Manager) audit(ctx context.Context, userID string, theme Theme, license *entitlement.License, access entitlement.Decision) error {
	now := m.clock.Now("credits", "audit")
	d := entitlement.Download{
		ID:            uuid.NewString(),
		UserID:        userID,
		ThemeID:       theme.ID,
		ThemeName:     theme.Name,
		DownloadedAt:  now,
		BillingPeriod: entitlement.BillingPeriod(now),
	}
	if access.Subscription != nil {
		d.SubscriptionID = access.Subscription.ID
	}
	if license != nil {
		d.LicenseKey = license.Key
	}
	sctx, cancel := m.bounded(ctx)
	defer cancel()
	return m.store.RecordDownload(sctx, d)
}

// SyncSlots replaces a subscription license's active slot set with the
// deduplicated requestedThemes. Oversized requests and theme IDs missing from
// the catalogue are rejected before any write; the write itself is a full replace and is retried on store failure.
// Single-purchase licenses are accepted unchanged.
func (m *Manager) SyncSlots(ctx context.Context, licenseKey string, requestedThemes []string) error {
	const op = "credits.sync"
	logger := logging.FromContext(ctx)

	if licenseKey == "" {
		return apierrors.Validation(op, "missing_license_key", "License key required")
	}
	themes := entitlement.Dedupe(requestedThemes)

	sctx, cancel := m.bounded(ctx)
	license, err := m.store.GetLicense(sctx, licenseKey)
	cancel()
	if err != nil {
		metrics.SlotSyncTotal.WithLabelValues("error").Inc()
		return apierrors.Internal(op, err)
	}
	if license == nil {
		metrics.SlotSyncTotal.WithLabelValues("unknown_license").Inc()
		return apierrors.NotFound(op, ReasonLicenseUnknown, "Invalid license key")
	}
	if !license.Active {
		metrics.SlotSyncTotal.WithLabelValues("inactive_license").Inc()
		return apierrors.Forbidden(op, ReasonLicenseOff, "License expired or inactive")
	}
	slots, ok := license.Slots()
	if !ok {
		metrics.SlotSyncTotal.WithLabelValues("not_subscription").Inc()
		return nil
	}
	if len(themes) > slots.MaxSlots {
		metrics.SlotSyncTotal.WithLabelValues(ReasonSlotsExceeded).Inc()
		return apierrors.Validation(op, ReasonSlotsExceeded, "Exceeded max slots")
	}
	for _, id := range themes {
		if _, known := LookupTheme(id); !known {
			metrics.SlotSyncTotal.WithLabelValues(ReasonThemeNotFound).Inc()
			return apierrors.Validation(op, ReasonThemeNotFound, fmt.Sprintf("Unknown theme %q", id))
		}
	}

	attempt := 0
	for r := retry.New(m.retryFloor, time.Second); r.Wait(ctx); {
		attempt++
		sctx, cancel := m.bounded(ctx)
		err = m.store.ReplaceSlotThemes(sctx, licenseKey, themes)
		cancel()
		switch {
		case err == nil:
			metrics.SlotSyncTotal.WithLabelValues("ok").Inc()
			return nil
		case errors.Is(err, store.ErrSlotGuard):
			// maxSlots shrank or the license changed type since the read.
			metrics.SlotSyncTotal.WithLabelValues(ReasonSlotsExceeded).Inc()
			return apierrors.Validation(op, ReasonSlotsExceeded, "Exceeded max slots")
		}
		if attempt >= syncAttempts {
			break
		}
		logger.Warn().Err(err).Int("attempt", attempt).
			Str("license", logging.RedactKey(licenseKey)).
			Msg("Retrying slot sync after store failure")
	}
	if err == nil {
		err = ctx.Err()
	}
	metrics.SlotSyncTotal.WithLabelValues("error").Inc()
	return apierrors.Internal(op, err)
}

// Redownload checks that a user may fetch a theme they already unlocked
// without consuming capacity.
func (m *Manager) Redownload(ctx context.Context, userID, themeID string, access entitlement.Decision) (Theme, error) {
	const op = "credits.redownload"

	theme, ok := LookupTheme(themeID)
	if !ok {
		return Theme{}, apierrors.NotFound(op, ReasonThemeNotFound, "Theme not found")
	}
	if !m.periodOpen(access) {
		return Theme{}, apierrors.Forbidden(op, ReasonNoAccess, "Subscription has expired")
	}

	sctx, cancel := m.bounded(ctx)
	downloaded, err := m.store.HasDownloaded(sctx, userID, themeID)
	cancel()
	if err != nil {
		return Theme{}, apierrors.Internal(op, err)
	}
	if !downloaded {
		return Theme{}, apierrors.Forbidden(op, "not_previously_downloaded", "Theme was not previously downloaded")
	}
	return theme, nil
}

func (m *Manager) periodOpen(access entitlement.Decision) bool {
	if access.IsLifetime || access.Source == entitlement.SourceOperatorOverride {
		return true
	}
	sub := access.Subscription
	if sub == nil || sub.Status == entitlement.StatusExpired {
		return false
	}
	return !m.clock.Now("credits", "redownload").After(sub.CurrentPeriodEnd)
}

// History returns the user's most recent downloads. limit is clamped to
// [1, MaxHistoryLimit]; zero selects DefaultHistoryLimit.
func (m *Manager) History(ctx context.Context, userID string, limit int) ([]entitlement.Download, error) {
	switch {
	case limit == 0:
		limit = DefaultHistoryLimit
	case limit < 1:
		limit = 1
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	sctx, cancel := m.bounded(ctx)
	defer cancel()
	downloads, err := m.store.ListDownloads(sctx, userID, limit)
	if err != nil {
		return nil, apierrors.Internal("credits.history", err)
	}
	return downloads, nil
}

// AccessibleThemes lists the premium themes available under access.
func AccessibleThemes(access entitlement.Decision) []string {
	if !access.FullAccess {
		return []string{}
	}
	return PremiumThemeIDs()
}
