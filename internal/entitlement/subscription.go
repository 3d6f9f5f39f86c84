package entitlement

import (
	"strings"
	"time"
)

// Status is the stored subscription status.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
	// StatusPastDue covers a failed renewal that the payment provider is
	// still retrying. Access continues until the paid period ends.
	StatusPastDue Status = "past_due"
)

// PlanType is the billing cadence.
type PlanType string

const (
	PlanMonthly  PlanType = "monthly"
	PlanYearly   PlanType = "yearly"
	PlanLifetime PlanType = "lifetime"
)

// Subscription is a user's billing state as last reported by the payment provider.
type Subscription struct {
	ID                   string
	UserID               string
	Status               Status
	PlanType             PlanType
	CurrentPeriodEnd     time.Time
	TrialEndsAt          *time.Time
	CommitmentEndsAt     *time.Time
	IsLifetime           bool
	StripeCustomerID     string
	StripeSubscriptionID string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ParseStripeStatus maps a payment-provider subscription status onto Status.
func ParseStripeStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled":
		return StatusCanceled
	default:
		// Fail closed: unknown status should not grant access.
		return StatusExpired
	}
}

// ParsePlanType normalises a plan name, defaulting to monthly.
func ParsePlanType(plan string) PlanType {
	switch PlanType(strings.ToLower(strings.TrimSpace(plan))) {
	case PlanYearly, "annual":
		return PlanYearly
	case PlanLifetime:
		return PlanLifetime
	default:
		return PlanMonthly
	}
}
