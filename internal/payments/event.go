package payments

import (
	"errors"
	"time"
)

// Provider identifies a payment channel
type Provider string

const (
	// ProviderCard is the hosted card processor (Stripe-compatible events)
	ProviderCard Provider = "card"
	// ProviderCryptoPay is the cryptocurrency payment processor
	ProviderCryptoPay Provider = "cryptopay"
	// ProviderBank is the bank/crypto transfer notification channel
	ProviderBank Provider = "bank"
)

// Canonical event types produced by the normalizer
const (
	EventDepositConfirmed        = "deposit.confirmed"
	EventCheckoutCompleted       = "checkout.completed"
	EventSubscriptionCreated     = "subscription.created"
	EventSubscriptionUpdated     = "subscription.updated"
	EventSubscriptionDeleted     = "subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// ErrUnroutableEvent is returned when a provider event carries no
// organization id. The event was mis-produced at payment-initiation time;
// redelivery cannot fix it, so callers log and drop instead of failing.
var ErrUnroutableEvent = errors.New("event carries no organization id")

// EventKind tags the normalized event union
type EventKind string

const (
	KindPayment      EventKind = "payment"
	KindSubscription EventKind = "subscription"
	KindIgnored      EventKind = "ignored"
)

// PaymentEvent is the canonical wallet-affecting event shape
type PaymentEvent struct {
	Provider              Provider
	ExternalTransactionID string
	OrganizationID        string
	AmountUSD             float64
	Currency              string
	EventType             string
	PaymentMethod         string
	Metadata              map[string]string
}

// SubscriptionEvent is the canonical plan-lifecycle event shape. A
// checkout.completed event may additionally carry a wallet credit, which the
// synchronizer delegates to the ledger under the checkout session id.
type SubscriptionEvent struct {
	Provider               Provider
	OrganizationID         string
	EventType              string
	PlanID                 string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	Status                 string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	TrialEnd               *time.Time
	CancelAtPeriodEnd      bool
	CheckoutSessionID      string
	WalletCreditUSD        float64
	Currency               string
}

// NormalizedEvent is the tagged union handed downstream. EventID is the
// provider's delivery id used by the handler-level replay guard.
type NormalizedEvent struct {
	Kind         EventKind
	EventID      string
	Payment      *PaymentEvent
	Subscription *SubscriptionEvent
}

// CanonicalType returns the normalized event type, empty for ignored events.
func (e *NormalizedEvent) CanonicalType() string {
	switch {
	case e.Payment != nil:
		return e.Payment.EventType
	case e.Subscription != nil:
		return e.Subscription.EventType
	default:
		return ""
	}
}
