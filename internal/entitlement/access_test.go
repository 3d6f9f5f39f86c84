package entitlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2030, time.June, 1, 12, 0, 0, 0, time.UTC)

func TestHasFullAccessGrid(t *testing.T) {
	statuses := []Status{StatusTrialing, StatusActive, StatusCanceled, StatusExpired}
	periodEnds := []time.Duration{-30 * 24 * time.Hour, -time.Second, 0, time.Second, 30 * 24 * time.Hour}

	for _, status := range statuses {
		for _, offset := range periodEnds {
			for _, lifetime := range []bool{false, true} {
				sub := Subscription{
					Status:           status,
					CurrentPeriodEnd: now.Add(offset),
					IsLifetime:       lifetime,
				}
				want := lifetime ||
					status == StatusActive ||
					(status == StatusCanceled && !now.After(sub.CurrentPeriodEnd))

				name := fmt.Sprintf("%s/%s/lifetime=%t", status, offset, lifetime)
				assert.Equal(t, want, HasFullAccess(sub, now), name)
			}
		}
	}
}

func TestHasFullAccessTrialWindow(t *testing.T) {
	trialEnd := now.Add(time.Hour)
	sub := Subscription{Status: StatusTrialing, TrialEndsAt: &trialEnd}

	assert.True(t, HasFullAccess(sub, now))
	assert.True(t, HasFullAccess(sub, trialEnd))
	assert.False(t, HasFullAccess(sub, trialEnd.Add(time.Second)))
}

func TestHasFullAccessPastDueGrace(t *testing.T) {
	sub := Subscription{Status: StatusPastDue, CurrentPeriodEnd: now.Add(time.Hour)}
	assert.True(t, HasFullAccess(sub, now))
	assert.False(t, HasFullAccess(sub, now.Add(2*time.Hour)))
}

func TestParseStripeStatus(t *testing.T) {
	cases := map[string]Status{
		"active":             StatusActive,
		" Trialing ":         StatusTrialing,
		"past_due":           StatusPastDue,
		"unpaid":             StatusPastDue,
		"canceled":           StatusCanceled,
		"incomplete_expired": StatusExpired,
		"paused":             StatusExpired,
		"":                   StatusExpired,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseStripeStatus(in), in)
	}
}

func TestResolverOperatorOverride(t *testing.T) {
	clock := quartz.NewMock(t)
	clock.Set(now)
	r := NewResolver("@themegpt.ai", clock)

	expired := &Subscription{Status: StatusExpired, CurrentPeriodEnd: now.Add(-time.Hour)}
	d := r.Resolve(context.Background(), Identity{UserID: "u1", Email: "Ops@ThemeGPT.ai"}, expired)

	assert.True(t, d.FullAccess)
	assert.True(t, d.IsLifetime)
	assert.Equal(t, SourceOperatorOverride, d.Source)
	// the stored record is passed through untouched
	require.NotNil(t, d.Subscription)
	assert.Equal(t, StatusExpired, d.Subscription.Status)
	assert.False(t, d.Subscription.IsLifetime)
}

func TestResolverWithoutOverride(t *testing.T) {
	clock := quartz.NewMock(t)
	clock.Set(now)
	r := NewResolver("", clock)

	assert.False(t, r.IsOperator("ops@themegpt.ai"))

	d := r.Resolve(context.Background(), Identity{UserID: "u1", Email: "a@example.com"}, nil)
	assert.Equal(t, Decision{Source: SourceNone}, d)

	canceled := &Subscription{Status: StatusCanceled, CurrentPeriodEnd: now.Add(time.Minute)}
	d = r.Resolve(context.Background(), Identity{UserID: "u1"}, canceled)
	assert.True(t, d.FullAccess)
	assert.Equal(t, SourceSubscription, d.Source)

	clock.Advance(2 * time.Minute)
	d = r.Resolve(context.Background(), Identity{UserID: "u1"}, canceled)
	assert.False(t, d.FullAccess)
}

func TestIsOperatorRequiresExactDomain(t *testing.T) {
	r := NewResolver("themegpt.ai", nil)
	assert.True(t, r.IsOperator("a@themegpt.ai"))
	assert.False(t, r.IsOperator("a@evil-themegpt.ai"))
	assert.False(t, r.IsOperator("a@themegpt.ai.evil.com"))
	assert.False(t, r.IsOperator("themegpt.ai"))
}
