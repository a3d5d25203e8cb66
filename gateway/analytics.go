package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Analytics records payment attempt metrics per endpoint and tier.
// A nil *Analytics is a no-op so tests can skip it.
type Analytics struct {
	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	revenue  *prometheus.CounterVec
}

// NewAnalytics builds the metric set and registers it. Pass
// prometheus.DefaultRegisterer in production.
func NewAnalytics(reg prometheus.Registerer) *Analytics {
	a := &Analytics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "payment_attempts_total",
			Help:      "Payment authorization attempts by endpoint, tier, and outcome.",
		}, []string{"endpoint", "tier", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      "payment_verification_seconds",
			Help:      "Payment verification latency by tier.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tier"}),
		revenue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "payment_revenue_usdc_total",
			Help:      "Accepted payment volume in USDC by tier.",
		}, []string{"tier"}),
	}
	if reg != nil {
		reg.MustRegister(a.attempts, a.latency, a.revenue)
	}
	return a
}

// RecordAttempt records one authorization attempt.
func (a *Analytics) RecordAttempt(endpoint, tier string, success bool, elapsed time.Duration, amount decimal.Decimal) {
	if a == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	a.attempts.WithLabelValues(endpoint, tier, outcome).Inc()
	a.latency.WithLabelValues(tier).Observe(elapsed.Seconds())
	if success && amount.Sign() > 0 {
		v, _ := amount.Float64()
		a.revenue.WithLabelValues(tier).Add(v)
	}
}
