package handlers

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/adboardhq/bursar/pkg/monitoring"
)

// Metrics are the billing-specific counters, on top of the standard HTTP
// metrics the collector middleware already records.
type Metrics struct {
	WebhooksReceived *prometheus.CounterVec
	WalletCredits    *prometheus.CounterVec
	CreditedCents    *prometheus.CounterVec
	BankReviews      *prometheus.CounterVec
}

func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		WebhooksReceived: mc.NewCounter(
			"webhooks_received_total",
			"Webhook deliveries by provider and outcome",
			[]string{"provider", "outcome"},
		),
		WalletCredits: mc.NewCounter(
			"wallet_credits_total",
			"Wallet credits by payment method and dedupe outcome",
			[]string{"payment_method", "outcome"},
		),
		CreditedCents: mc.NewCounter(
			"wallet_credited_cents_total",
			"Total cents credited to wallets by payment method",
			[]string{"payment_method"},
		),
		BankReviews: mc.NewCounter(
			"bank_transfer_reviews_total",
			"Bank transfer reviews by decision",
			[]string{"decision"},
		),
	}
}

func (m *Metrics) webhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.WebhooksReceived.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) credit(paymentMethod string, amountCents int64, alreadyProcessed bool) {
	if m == nil {
		return
	}
	outcome := "credited"
	if alreadyProcessed {
		outcome = "duplicate"
	} else {
		m.CreditedCents.WithLabelValues(paymentMethod).Add(float64(amountCents))
	}
	m.WalletCredits.WithLabelValues(paymentMethod, outcome).Inc()
}

func (m *Metrics) bankReview(decision string) {
	if m == nil {
		return
	}
	m.BankReviews.WithLabelValues(decision).Inc()
}
