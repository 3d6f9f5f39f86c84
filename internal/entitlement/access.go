package entitlement

import (
	"context"
	"strings"
	"time"

	"github.com/coder/quartz"

	"github.com/themegpt/themegpt/internal/logging"
)

// HasFullAccess reports whether sub grants full premium access at now.
//
// Lifetime and active subscriptions always do. Canceled and past-due
// subscriptions keep access until the end of the paid period. A trial grants
// access only while its own trial end has not passed; everything else denies.
func HasFullAccess(sub Subscription, now time.Time) bool {
	if sub.IsLifetime {
		return true
	}
	switch sub.Status {
	case StatusActive:
		return true
	case StatusCanceled, StatusPastDue:
		return !now.After(sub.CurrentPeriodEnd)
	case StatusTrialing:
		return sub.TrialEndsAt != nil && !now.After(*sub.TrialEndsAt)
	default:
		return false
	}
}

// Source names what produced an access decision.
type Source string

const (
	SourceSubscription     Source = "subscription"
	SourceOperatorOverride Source = "operator_override"
	SourceNone             Source = "none"
)

// Identity is the authenticated caller an access decision is made for.
type Identity struct {
	UserID string
	Email  string
}

// Decision is the read-side entitlement outcome for one request.
type Decision struct {
	FullAccess bool
	IsLifetime bool
	Source     Source
	// Subscription is the stored record the decision was derived from, nil
	// when the user has none. Never a synthesised record.
	Subscription *Subscription
}

// Resolver applies HasFullAccess at the read boundary, including the
// operator e-mail-domain override.
type Resolver struct {
	operatorDomain string
	clock          quartz.Clock
}

// NewResolver returns a Resolver. An empty operatorDomain disables the override.
func NewResolver(operatorDomain string, clock quartz.Clock) *Resolver {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Resolver{
		operatorDomain: strings.ToLower(strings.TrimPrefix(strings.TrimSpace(operatorDomain), "@")),
		clock:          clock,
	}
}

// Now returns the resolver's notion of the current time.
func (r *Resolver) Now() time.Time {
	return r.clock.Now("entitlement")
}

// IsOperator reports whether email belongs to the privileged operator domain.
func (r *Resolver) IsOperator(email string) bool {
	if r.operatorDomain == "" {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	return strings.EqualFold(email[at+1:], r.operatorDomain)
}

// Resolve decides access for id given its stored subscription (nil when none).
// The override is logged and reflected only in the returned Decision.
func (r *Resolver) Resolve(ctx context.Context, id Identity, sub *Subscription) Decision {
	if r.IsOperator(id.Email) {
		logger := logging.FromContext(ctx)
		logger.Info().
			Str("user_id", id.UserID).
			Str("source", string(SourceOperatorOverride)).
			Bool("has_subscription", sub != nil).
			Msg("Operator access override applied")
		return Decision{FullAccess: true, IsLifetime: true, Source: SourceOperatorOverride, Subscription: sub}
	}
	if sub == nil {
		return Decision{Source: SourceNone}
	}
	return Decision{
		FullAccess:   HasFullAccess(*sub, r.Now()),
		IsLifetime:   sub.IsLifetime,
		Source:       SourceSubscription,
		Subscription: sub,
	}
}
