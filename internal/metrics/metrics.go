// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "themegpt"

var (
	// RateLimitRejections counts requests refused by the rate limiter.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_rejections_total",
		Help:      "Requests rejected by the fixed-window rate limiter.",
	}, []string{"route_class"})

	// LinkConfirmTotal counts license link confirmations by outcome.
	LinkConfirmTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "link",
		Name:      "confirm_total",
		Help:      "License link confirmations by outcome.",
	}, []string{"outcome"})

	// CreditsConsumedTotal counts consumeCredit calls by plan and outcome.
	CreditsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "credits",
		Name:      "consumed_total",
		Help:      "Premium theme unlock attempts by license plan and outcome.",
	}, []string{"plan", "outcome"})

	// SlotSyncTotal counts slot reconciliation requests by outcome.
	SlotSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "slot",
		Name:      "sync_total",
		Help:      "Slot sync requests by outcome.",
	}, []string{"outcome"})

	// CarrierCookieWrites counts carrier cookie emissions.
	CarrierCookieWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "carrier_cookie",
		Name:      "writes_total",
		Help:      "Carrier cookie writes by action (set or delete).",
	}, []string{"action"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// HTTPRequestDuration tracks handler latency per route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})
)

// InstrumentHandler records HTTPRequestDuration for every request under route.
func InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		HTTPRequestDuration.
			WithLabelValues(route, strconv.Itoa(m.Code)).
			Observe(m.Duration.Seconds())
	})
}
