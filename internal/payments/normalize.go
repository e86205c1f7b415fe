package payments

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// Provider payload shapes, validated at this boundary so nothing downstream
// reads loosely-typed JSON.

type cardCheckoutSession struct {
	ID           string `json:"id"`
	CustomerID   string `json:"customer"`
	Subscription string `json:"subscription"`
	Mode         string `json:"mode"`
	AmountTotal  int64  `json:"amount_total"`
	Currency     string `json:"currency"`
	Metadata     struct {
		Purpose        string `json:"purpose"`
		OrganizationID string `json:"organization_id"`
		PlanID         string `json:"plan_id"`
	} `json:"metadata"`
}

type cardSubscription struct {
	ID                 string `json:"id"`
	CustomerID         string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	TrialEnd           int64  `json:"trial_end"`
	Metadata           struct {
		OrganizationID string `json:"organization_id"`
		PlanID         string `json:"plan_id"`
	} `json:"metadata"`
}

type cardInvoice struct {
	ID           string `json:"id"`
	CustomerID   string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
	Metadata     struct {
		OrganizationID string `json:"organization_id"`
	} `json:"metadata"`
}

type cryptoPayPayload struct {
	EventType string  `json:"event_type"`
	PaymentID string  `json:"payment_id"`
	Status    string  `json:"status"`
	USDValue  float64 `json:"usd_value"`
	PayAmount float64 `json:"pay_amount"`
	PayAsset  string  `json:"pay_currency"`
	Metadata  struct {
		OrganizationID string `json:"organization_id"`
	} `json:"metadata"`
}

type bankChannelPayload struct {
	Event          string  `json:"event"`
	TransferID     string  `json:"transfer_id"`
	AmountUSD      float64 `json:"amount_usd"`
	Currency       string  `json:"currency"`
	Reference      string  `json:"reference"`
	OrganizationID string  `json:"organization_id"`
}

// PurposeWalletTopup marks a checkout session created to credit the wallet
// rather than start a plan subscription. Set at payment-initiation time and
// echoed back in session metadata.
const PurposeWalletTopup = "wallet_topup"

// NormalizeCardEvent maps a verified card-processor event into the canonical
// union. Unhandled event types come back as KindIgnored so the handler can
// acknowledge without processing.
func NormalizeCardEvent(event stripe.Event) (*NormalizedEvent, error) {
	out := &NormalizedEvent{Kind: KindIgnored, EventID: event.ID}

	switch event.Type {
	case "checkout.session.completed":
		var sess cardCheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("parse checkout session: %w", err)
		}
		if sess.Metadata.OrganizationID == "" {
			return nil, ErrUnroutableEvent
		}
		sub := &SubscriptionEvent{
			Provider:               ProviderCard,
			OrganizationID:         sess.Metadata.OrganizationID,
			EventType:              EventCheckoutCompleted,
			PlanID:                 sess.Metadata.PlanID,
			ExternalSubscriptionID: sess.Subscription,
			ExternalCustomerID:     sess.CustomerID,
			CheckoutSessionID:      sess.ID,
			Currency:               strings.ToUpper(sess.Currency),
		}
		if sess.Metadata.Purpose == PurposeWalletTopup && sess.AmountTotal > 0 {
			sub.WalletCreditUSD = float64(sess.AmountTotal) / 100.0
		}
		out.Kind = KindSubscription
		out.Subscription = sub

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var obj cardSubscription
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("parse subscription: %w", err)
		}
		eventType := EventSubscriptionCreated
		switch event.Type {
		case "customer.subscription.updated":
			eventType = EventSubscriptionUpdated
		case "customer.subscription.deleted":
			eventType = EventSubscriptionDeleted
		}
		out.Kind = KindSubscription
		out.Subscription = &SubscriptionEvent{
			Provider:               ProviderCard,
			OrganizationID:         obj.Metadata.OrganizationID,
			EventType:              eventType,
			PlanID:                 obj.Metadata.PlanID,
			ExternalSubscriptionID: obj.ID,
			ExternalCustomerID:     obj.CustomerID,
			Status:                 MapCardSubscriptionStatus(obj.Status, obj.CancelAtPeriodEnd),
			CurrentPeriodStart:     unixTime(obj.CurrentPeriodStart),
			CurrentPeriodEnd:       unixTime(obj.CurrentPeriodEnd),
			TrialEnd:               unixTime(obj.TrialEnd),
			CancelAtPeriodEnd:      obj.CancelAtPeriodEnd,
		}

	case "invoice.payment_succeeded", "invoice.paid", "invoice.payment_failed":
		var obj cardInvoice
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("parse invoice: %w", err)
		}
		eventType := EventInvoicePaymentSucceeded
		if event.Type == "invoice.payment_failed" {
			eventType = EventInvoicePaymentFailed
		}
		out.Kind = KindSubscription
		out.Subscription = &SubscriptionEvent{
			Provider:               ProviderCard,
			OrganizationID:         obj.Metadata.OrganizationID,
			EventType:              eventType,
			ExternalSubscriptionID: obj.Subscription,
			ExternalCustomerID:     obj.CustomerID,
			Currency:               strings.ToUpper(obj.Currency),
		}
	}

	return out, nil
}

// NormalizeCryptoPayEvent maps a verified crypto-processor payload. The
// provider converts the deposit to USD before notifying us; usd_value is
// taken as-is, no FX conversion here.
func NormalizeCryptoPayEvent(body []byte) (*NormalizedEvent, error) {
	var payload cryptoPayPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse cryptopay payload: %w", err)
	}
	if payload.PaymentID == "" {
		return nil, fmt.Errorf("cryptopay payload missing payment_id")
	}

	eventID := fmt.Sprintf("%s:%s", payload.PaymentID, payload.EventType)
	out := &NormalizedEvent{Kind: KindIgnored, EventID: eventID}

	if payload.EventType != EventDepositConfirmed {
		return out, nil
	}
	if payload.Metadata.OrganizationID == "" {
		return nil, ErrUnroutableEvent
	}
	if payload.USDValue <= 0 {
		return nil, fmt.Errorf("cryptopay deposit %s has non-positive usd_value", payload.PaymentID)
	}

	out.Kind = KindPayment
	out.Payment = &PaymentEvent{
		Provider:              ProviderCryptoPay,
		ExternalTransactionID: payload.PaymentID,
		OrganizationID:        payload.Metadata.OrganizationID,
		AmountUSD:             payload.USDValue,
		Currency:              "USD",
		EventType:             EventDepositConfirmed,
		PaymentMethod:         "crypto",
		Metadata: map[string]string{
			"pay_currency": payload.PayAsset,
		},
	}
	return out, nil
}

// NormalizeBankEvent maps a verified bank-channel payload.
func NormalizeBankEvent(body []byte) (*NormalizedEvent, error) {
	var payload bankChannelPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse bank payload: %w", err)
	}
	if payload.TransferID == "" {
		return nil, fmt.Errorf("bank payload missing transfer_id")
	}

	out := &NormalizedEvent{Kind: KindIgnored, EventID: payload.TransferID}

	if payload.Event != "transfer.confirmed" {
		return out, nil
	}
	if payload.OrganizationID == "" {
		return nil, ErrUnroutableEvent
	}
	if payload.AmountUSD <= 0 {
		return nil, fmt.Errorf("bank transfer %s has non-positive amount", payload.TransferID)
	}

	out.Kind = KindPayment
	out.Payment = &PaymentEvent{
		Provider:              ProviderBank,
		ExternalTransactionID: payload.TransferID,
		OrganizationID:        payload.OrganizationID,
		AmountUSD:             payload.AmountUSD,
		Currency:              "USD",
		EventType:             EventDepositConfirmed,
		PaymentMethod:         "bank_transfer",
		Metadata: map[string]string{
			"bank_reference": payload.Reference,
		},
	}
	return out, nil
}

// MapCardSubscriptionStatus maps provider subscription statuses onto the
// organization's status set.
func MapCardSubscriptionStatus(status string, cancelAtPeriodEnd bool) string {
	switch status {
	case "active", "trialing":
		// cancel_at_period_end keeps the subscription active until the
		// period actually ends; the flag is mirrored separately.
		return "active"
	case "past_due":
		return "past_due"
	case "canceled", "unpaid", "incomplete_expired":
		return "canceled"
	case "incomplete", "paused":
		return "none"
	default:
		return "none"
	}
}

func unixTime(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
