package entitlement

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// LicenseType discriminates the two license variants.
type LicenseType string

const (
	TypeSubscription LicenseType = "subscription"
	TypeSingle       LicenseType = "single"
)

// Plan is the variant-specific part of a License. Only SlotPlan and
// SinglePurchase implement it, so slot fields are unreachable on a
// single-purchase license.
type Plan interface {
	Type() LicenseType
	isPlan()
}

// SlotPlan is the subscription variant: a bounded set of rotating active themes.
type SlotPlan struct {
	MaxSlots         int
	ActiveSlotThemes []string
}

func (SlotPlan) Type() LicenseType { return TypeSubscription }
func (SlotPlan) isPlan()           {}

// Holds reports whether themeID occupies a slot.
func (p SlotPlan) Holds(themeID string) bool {
	return slices.Contains(p.ActiveSlotThemes, themeID)
}

// SinglePurchase is the one-off variant: themes unlocked forever.
type SinglePurchase struct {
	PermanentlyUnlocked []string
}

func (SinglePurchase) Type() LicenseType { return TypeSingle }
func (SinglePurchase) isPlan()           {}

// Holds reports whether themeID is permanently unlocked.
func (p SinglePurchase) Holds(themeID string) bool {
	return slices.Contains(p.PermanentlyUnlocked, themeID)
}

// License is a purchase identified by an opaque bearer key.
type License struct {
	Key    string
	Active bool
	Plan   Plan

	// StripeSubscriptionID ties a subscription license to the billing record
	// that created it, so cancellation can deactivate it.
	StripeSubscriptionID string
	CreatedAt            time.Time

	// Version is bumped on every slot write and used for compare-and-swap.
	Version int64
}

// Type returns the license variant.
func (l *License) Type() LicenseType {
	if l.Plan == nil {
		return ""
	}
	return l.Plan.Type()
}

// Slots returns the subscription plan, if this is a subscription license.
func (l *License) Slots() (SlotPlan, bool) {
	p, ok := l.Plan.(SlotPlan)
	return p, ok
}

// Purchase returns the single-purchase plan, if this is a single license.
func (l *License) Purchase() (SinglePurchase, bool) {
	p, ok := l.Plan.(SinglePurchase)
	return p, ok
}

// Unlocked reports whether themeID is already available under this license
// without consuming further capacity.
func (l *License) Unlocked(themeID string) bool {
	switch p := l.Plan.(type) {
	case SlotPlan:
		return p.Holds(themeID)
	case SinglePurchase:
		return p.Holds(themeID)
	}
	return false
}

type licenseJSON struct {
	Type                LicenseType `json:"type"`
	Active              bool        `json:"active"`
	MaxSlots            *int        `json:"maxSlots,omitempty"`
	ActiveSlotThemes    []string    `json:"activeSlotThemes,omitempty"`
	PermanentlyUnlocked []string    `json:"permanentlyUnlocked,omitempty"`
}

// MarshalJSON renders the license the way the extension expects it. The
// license key itself is never echoed.
func (l License) MarshalJSON() ([]byte, error) {
	out := licenseJSON{Type: l.Type(), Active: l.Active}
	switch p := l.Plan.(type) {
	case SlotPlan:
		maxSlots := p.MaxSlots
		out.MaxSlots = &maxSlots
		out.ActiveSlotThemes = nonNil(p.ActiveSlotThemes)
	case SinglePurchase:
		out.PermanentlyUnlocked = nonNil(p.PermanentlyUnlocked)
	default:
		return nil, fmt.Errorf("license has no plan")
	}
	return json.Marshal(out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Dedupe returns themes with duplicates and blanks removed, keeping first occurrence order.
func Dedupe(themes []string) []string {
	out := make([]string, 0, len(themes))
	seen := make(map[string]struct{}, len(themes))
	for _, t := range themes {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// LicenseLink records the one-time binding of a license to a user.
type LicenseLink struct {
	LicenseKey string
	UserID     string
	Email      string
	LinkedAt   time.Time
}

// Download is an audit record of a premium theme unlock.
type Download struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	LicenseKey     string    `json:"-"`
	ThemeID        string    `json:"themeId"`
	ThemeName      string    `json:"themeName"`
	DownloadedAt   time.Time `json:"downloadedAt"`
	BillingPeriod  string    `json:"billingPeriod"` // YYYY-MM
}

// BillingPeriod formats t as the YYYY-MM period a download is counted in.
func BillingPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}
