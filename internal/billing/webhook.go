// Package billing ingests Stripe webhooks into licenses and subscriptions.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/themegpt/themegpt/internal/credits"
	"github.com/themegpt/themegpt/internal/entitlement"
	"github.com/themegpt/themegpt/internal/logging"
	"github.com/themegpt/themegpt/internal/metrics"
	"github.com/themegpt/themegpt/internal/store"
	"github.com/themegpt/themegpt/internal/utils"
)

const (
	webhookBodyLimit = 1024 * 1024 // 1 MiB

	// DefaultMaxSlots applies when checkout metadata does not name a slot count.
	DefaultMaxSlots = 3

	keyAttempts = 3
)

// WebhookHandler verifies Stripe webhook deliveries and applies them to the
// entitlement store.
type WebhookHandler struct {
	secret       string
	store        store.EntitlementStore
	clock        quartz.Clock
	storeTimeout time.Duration
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler. An empty secret
// makes every delivery answer 503.
func NewWebhookHandler(secret string, s store.EntitlementStore, clock quartz.Clock, storeTimeout time.Duration) *WebhookHandler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &WebhookHandler{secret: secret, store: s, clock: clock, storeTimeout: storeTimeout}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	}()
	logger := logging.FromContext(r.Context())

	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		utils.WriteErrorResponse(w, status, "webhook_unavailable", "Webhook secret not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		utils.WriteErrorResponse(w, status, "invalid_request", "Failed to read request body")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		utils.WriteErrorResponse(w, status, "missing_signature", "Missing Stripe signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Stripe webhook signature verification failed")
		status = http.StatusBadRequest
		utils.WriteErrorResponse(w, status, "invalid_signature", "Invalid Stripe signature")
		return
	}
	eventType = string(event.Type)

	ctx, cancel := h.bounded(r.Context())
	fresh, err := h.store.MarkWebhookEvent(ctx, event.ID, eventType)
	cancel()
	if err != nil {
		logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to record Stripe webhook event")
		status = http.StatusInternalServerError
		utils.WriteErrorResponse(w, status, "processing_failed", "Webhook processing failed")
		return
	}
	if !fresh {
		logger.Info().Str("event_id", event.ID).Str("type", eventType).Msg("Skipping already-processed Stripe event")
		_ = utils.WriteJSONResponse(w, webhookReceivedResponse{Received: true})
		return
	}

	if err := h.handleEvent(r.Context(), &event); err != nil {
		logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		// A released event is processed again when Stripe redelivers it.
		releaseCtx, releaseCancel := h.bounded(context.WithoutCancel(r.Context()))
		if releaseErr := h.store.ReleaseWebhookEvent(releaseCtx, event.ID); releaseErr != nil {
			logger.Error().Err(releaseErr).Str("event_id", event.ID).Msg("Failed to release Stripe webhook event")
		}
		releaseCancel()
		status = http.StatusInternalServerError
		utils.WriteErrorResponse(w, status, "processing_failed", "Webhook processing failed")
		return
	}

	_ = utils.WriteJSONResponse(w, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.storeTimeout)
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.HandleCheckout(ctx, session)

	case "customer.subscription.updated":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.HandleSubscriptionUpdated(ctx, sub)

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.HandleSubscriptionDeleted(ctx, sub)

	case "invoice.payment_failed":
		var invoice struct {
			Subscription string `json:"subscription"`
		}
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.HandlePaymentFailed(ctx, invoice.Subscription)

	default:
		logger := logging.FromContext(ctx)
		logger.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

// HandleCheckout issues a license for a completed checkout. Subscription
// checkouts also record the buyer's Subscription when the session names a
// signed-in user.
func (h *WebhookHandler) HandleCheckout(ctx context.Context, session CheckoutSession) error {
	logger := logging.FromContext(ctx)
	now := h.clock.Now("billing", "checkout")

	license := &entitlement.License{Active: true, CreatedAt: now}
	if isSubscriptionCheckout(session) {
		license.Plan = entitlement.SlotPlan{MaxSlots: maxSlotsFromMetadata(session.Metadata)}
		license.StripeSubscriptionID = session.Subscription
	} else {
		var unlocked []string
		if themeID := strings.TrimSpace(session.Metadata["themeId"]); themeID != "" {
			if _, ok := credits.LookupTheme(themeID); ok {
				unlocked = []string{themeID}
			} else {
				logger.Warn().Str("theme_id", themeID).Str("session_id", session.ID).Msg("Checkout names unknown theme")
			}
		}
		license.Plan = entitlement.SinglePurchase{PermanentlyUnlocked: unlocked}
	}

	if err := h.createLicense(ctx, license); err != nil {
		return err
	}
	logger.Info().
		Str("session_id", session.ID).
		Str("license", logging.RedactKey(license.Key)).
		Str("type", string(license.Type())).
		Msg("License created from checkout")

	userID := strings.TrimSpace(session.Metadata["userId"])
	if license.Type() != entitlement.TypeSubscription || userID == "" || session.Subscription == "" {
		return nil
	}

	planType := entitlement.ParsePlanType(session.Metadata["planType"])
	sub := &entitlement.Subscription{
		ID:                   uuid.NewString(),
		UserID:               userID,
		Status:               entitlement.StatusActive,
		PlanType:             planType,
		CurrentPeriodEnd:     provisionalPeriodEnd(now, planType),
		StripeCustomerID:     session.Customer,
		StripeSubscriptionID: session.Subscription,
	}
	if planType == entitlement.PlanYearly {
		commitment := now.AddDate(1, 0, 0)
		sub.CommitmentEndsAt = &commitment
	}

	storeCtx, cancel := h.bounded(ctx)
	defer cancel()
	if err := h.store.PutSubscription(storeCtx, sub); err != nil {
		return fmt.Errorf("record subscription for checkout %s: %w", session.ID, err)
	}
	return nil
}

func (h *WebhookHandler) createLicense(ctx context.Context, license *entitlement.License) error {
	for attempt := 0; attempt < keyAttempts; attempt++ {
		key, err := store.GenerateLicenseKey()
		if err != nil {
			return err
		}
		license.Key = key

		storeCtx, cancel := h.bounded(ctx)
		err = h.store.CreateLicense(storeCtx, license)
		cancel()
		if errors.Is(err, store.ErrLicenseExists) {
			continue
		}
		return err
	}
	return fmt.Errorf("create license: %w after %d attempts", store.ErrLicenseExists, keyAttempts)
}

// HandleSubscriptionUpdated mirrors status, period end and lifetime flag
// onto the stored Subscription. Unknown subscriptions are ignored.
func (h *WebhookHandler) HandleSubscriptionUpdated(ctx context.Context, update Subscription) error {
	logger := logging.FromContext(ctx)
	if !IsSafeStripeID(update.ID) {
		return fmt.Errorf("invalid subscription id %q", update.ID)
	}

	storeCtx, cancel := h.bounded(ctx)
	defer cancel()

	sub, err := h.store.GetSubscriptionByStripeID(storeCtx, update.ID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if sub == nil {
		logger.Info().Str("subscription_id", update.ID).Msg("No subscription record for Stripe update")
		return nil
	}

	previous := sub.Status
	sub.Status = entitlement.ParseStripeStatus(update.Status)
	if update.CancelAtPeriodEnd && sub.Status == entitlement.StatusActive {
		sub.Status = entitlement.StatusCanceled
	}
	if end := update.PeriodEnd(); !end.IsZero() {
		sub.CurrentPeriodEnd = end
	}
	if update.TrialEnd > 0 {
		trialEnd := time.Unix(update.TrialEnd, 0).UTC()
		sub.TrialEndsAt = &trialEnd
	}
	if metadataBool(update.Metadata, "isLifetime") {
		sub.IsLifetime = true
		sub.PlanType = entitlement.PlanLifetime
	}
	if update.Customer != "" {
		sub.StripeCustomerID = update.Customer
	}

	if err := h.store.PutSubscription(storeCtx, sub); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	active := sub.IsLifetime || sub.Status != entitlement.StatusExpired
	if _, err := h.store.SetLicensesActiveBySubscription(storeCtx, update.ID, active); err != nil {
		return fmt.Errorf("update licenses for subscription: %w", err)
	}

	if previous != sub.Status {
		logger.Info().
			Str("subscription_id", update.ID).
			Str("from", string(previous)).
			Str("to", string(sub.Status)).
			Msg("Subscription status changed")
	}
	return nil
}

// HandleSubscriptionDeleted expires the Subscription and deactivates the
// licenses it created. Lifetime subscriptions keep their access.
func (h *WebhookHandler) HandleSubscriptionDeleted(ctx context.Context, deleted Subscription) error {
	logger := logging.FromContext(ctx)
	if !IsSafeStripeID(deleted.ID) {
		return fmt.Errorf("invalid subscription id %q", deleted.ID)
	}

	storeCtx, cancel := h.bounded(ctx)
	defer cancel()

	sub, err := h.store.GetSubscriptionByStripeID(storeCtx, deleted.ID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if sub != nil && sub.IsLifetime {
		logger.Info().Str("subscription_id", deleted.ID).Msg("Ignoring deletion of lifetime subscription")
		return nil
	}
	if sub != nil {
		sub.Status = entitlement.StatusExpired
		if err := h.store.PutSubscription(storeCtx, sub); err != nil {
			return fmt.Errorf("expire subscription: %w", err)
		}
	}

	n, err := h.store.SetLicensesActiveBySubscription(storeCtx, deleted.ID, false)
	if err != nil {
		return fmt.Errorf("deactivate licenses: %w", err)
	}
	logger.Info().Str("subscription_id", deleted.ID).Int64("licenses", n).Msg("Subscription deleted, licenses deactivated")
	return nil
}

// HandlePaymentFailed marks the subscription past_due.
func (h *WebhookHandler) HandlePaymentFailed(ctx context.Context, stripeSubscriptionID string) error {
	if stripeSubscriptionID == "" {
		return nil
	}
	storeCtx, cancel := h.bounded(ctx)
	defer cancel()

	sub, err := h.store.GetSubscriptionByStripeID(storeCtx, stripeSubscriptionID)
	if err != nil {
		return fmt.Errorf("lookup subscription: %w", err)
	}
	if sub == nil || sub.IsLifetime || sub.Status == entitlement.StatusPastDue {
		return nil
	}
	sub.Status = entitlement.StatusPastDue
	if err := h.store.PutSubscription(storeCtx, sub); err != nil {
		return fmt.Errorf("mark subscription past_due: %w", err)
	}
	return nil
}

func isSubscriptionCheckout(session CheckoutSession) bool {
	if session.Mode == "subscription" {
		return true
	}
	switch session.Metadata["type"] {
	case "monthly", "yearly", "subscription":
		return true
	}
	return false
}

func maxSlotsFromMetadata(metadata map[string]string) int {
	if n, err := strconv.Atoi(strings.TrimSpace(metadata["maxSlots"])); err == nil && n >= 0 {
		return n
	}
	return DefaultMaxSlots
}

// provisionalPeriodEnd covers the gap until the first subscription update
// reports the real period end.
func provisionalPeriodEnd(now time.Time, plan entitlement.PlanType) time.Time {
	if plan == entitlement.PlanYearly {
		return now.AddDate(1, 0, 0)
	}
	return now.AddDate(0, 1, 0)
}
