package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Subscription status values mirrored onto organizations
const (
	SubscriptionStatusNone     = "none"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
)

// Bank transfer request states. A request moves out of pending exactly once.
const (
	BankTransferPending   = "pending"
	BankTransferCompleted = "completed"
	BankTransferRejected  = "rejected"
)

// Ledger transaction types
const (
	TransactionTypeDeposit    = "deposit"
	TransactionTypeWithdrawal = "withdrawal"
)

// FreePlanID is the plan an organization falls back to when its
// subscription is deleted.
const FreePlanID = "free"

// Organization is the tenant root for the ads dashboard
type Organization struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	PlanID                 string     `json:"plan_id"`
	SubscriptionStatus     string     `json:"subscription_status"`
	ExternalSubscriptionID *string    `json:"external_subscription_id,omitempty"`
	ExternalCustomerID     *string    `json:"external_customer_id,omitempty"`
	CurrentPeriodStart     *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	TrialEnd               *time.Time `json:"trial_end,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Wallet holds an organization's funds in integer cents
type Wallet struct {
	ID                   string    `json:"id"`
	OrganizationID       string    `json:"organization_id"`
	BalanceCents         int64     `json:"balance_cents"`
	ReservedBalanceCents int64     `json:"reserved_balance_cents"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AvailableCents returns the spendable portion of the wallet
func (w Wallet) AvailableCents() int64 {
	return w.BalanceCents - w.ReservedBalanceCents
}

// Transaction is an immutable ledger entry. ExternalTransactionID is the
// idempotency key for provider-delivered credits.
type Transaction struct {
	ID                    string    `json:"id"`
	OrganizationID        string    `json:"organization_id"`
	WalletID              string    `json:"wallet_id"`
	Type                  string    `json:"type"`
	AmountCents           int64     `json:"amount_cents"`
	Status                string    `json:"status"`
	Description           string    `json:"description"`
	PaymentMethod         string    `json:"payment_method"`
	ExternalTransactionID string    `json:"external_transaction_id"`
	Metadata              JSONB     `json:"metadata"`
	CreatedAt             time.Time `json:"created_at"`
}

// BankTransferRequest tracks a manually reconciled bank transfer
type BankTransferRequest struct {
	ID                   string     `json:"id"`
	OrganizationID       string     `json:"organization_id"`
	Status               string     `json:"status"`
	RequestedAmountCents int64      `json:"requested_amount_cents"`
	ActualAmountCents    *int64     `json:"actual_amount_cents,omitempty"`
	BankReference        *string    `json:"bank_reference,omitempty"`
	ProcessedAt          *time.Time `json:"processed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Subscription mirrors a provider-side subscription
type Subscription struct {
	ID                     string     `json:"id"`
	OrganizationID         string     `json:"organization_id"`
	PlanID                 string     `json:"plan_id"`
	ExternalSubscriptionID string     `json:"external_subscription_id"`
	Status                 string     `json:"status"`
	CurrentPeriodStart     *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	TrialEnd               *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	CanceledAt             *time.Time `json:"canceled_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}
