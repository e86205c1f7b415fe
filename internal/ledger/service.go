package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/adboardhq/bursar/internal/models"
	"github.com/adboardhq/bursar/pkg/logging"
)

// ErrWalletNotFound is returned by read operations when the organization has
// no wallet row yet. Mutating operations create the wallet lazily instead.
var ErrWalletNotFound = errors.New("wallet not found")

// Service owns all wallet and transaction mutations. Credits are keyed by
// the provider's transaction id, so redelivered webhooks and concurrent
// duplicates settle to exactly one ledger entry.
type Service struct {
	db     *sql.DB
	logger logging.Logger
}

func NewService(db *sql.DB, logger logging.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// TopupRequest describes a single wallet credit. ExternalTransactionID is
// the idempotency key: two requests with the same organization and external
// id produce one transaction.
type TopupRequest struct {
	OrganizationID        string
	ExternalTransactionID string
	AmountCents           int64
	PaymentMethod         string
	Description           string
	Metadata              models.JSONB
}

// TopupResult reports the settled state of a credit. AlreadyProcessed means
// the external transaction id was seen before and no mutation happened; the
// fields then describe the original transaction.
type TopupResult struct {
	TransactionID    string
	WalletID         string
	AmountCents      int64
	NewBalanceCents  int64
	AlreadyProcessed bool
}

// Balance is the read-model for an organization's wallet.
type Balance struct {
	OrganizationID       string  `json:"organization_id"`
	WalletID             string  `json:"wallet_id"`
	BalanceCents         int64   `json:"balance_cents"`
	ReservedBalanceCents int64   `json:"reserved_balance_cents"`
	AvailableUSD         float64 `json:"available_usd"`
}

// GetOrCreateWallet returns the organization's wallet, creating it with a
// zero balance on first touch. Concurrent first touches race on the unique
// organization_id constraint and both come back with the same row.
func (s *Service) GetOrCreateWallet(ctx context.Context, organizationID string) (*models.Wallet, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bursar.wallets (organization_id)
		VALUES ($1)
		ON CONFLICT (organization_id) DO NOTHING`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}

	var w models.Wallet
	err = s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, balance_cents, reserved_balance_cents, created_at, updated_at
		FROM bursar.wallets
		WHERE organization_id = $1`, organizationID).Scan(
		&w.ID, &w.OrganizationID, &w.BalanceCents, &w.ReservedBalanceCents, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return &w, nil
}

func (req TopupRequest) validate() error {
	if req.OrganizationID == "" {
		return fmt.Errorf("topup missing organization id")
	}
	if req.ExternalTransactionID == "" {
		return fmt.Errorf("topup missing external transaction id")
	}
	if req.AmountCents <= 0 {
		return fmt.Errorf("topup amount must be positive, got %d", req.AmountCents)
	}
	return nil
}

// ProcessTopup credits the organization's wallet exactly once per external
// transaction id. The transaction insert and the balance increment commit
// atomically; a duplicate external id short-circuits with the original
// result and no mutation.
func (s *Service) ProcessTopup(ctx context.Context, req TopupRequest) (*TopupResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin topup: %w", err)
	}
	defer tx.Rollback()

	result, err := s.ProcessTopupTx(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit topup: %w", err)
	}
	return result, nil
}

// ProcessTopupTx applies a credit inside the caller's transaction, letting
// the caller commit the credit atomically with its own writes. The caller
// owns commit and rollback.
func (s *Service) ProcessTopupTx(ctx context.Context, tx *sql.Tx, req TopupRequest) (*TopupResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bursar.wallets (organization_id)
		VALUES ($1)
		ON CONFLICT (organization_id) DO NOTHING`, req.OrganizationID); err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}

	var walletID string
	if err := tx.QueryRowContext(ctx, `
		SELECT id FROM bursar.wallets WHERE organization_id = $1`,
		req.OrganizationID).Scan(&walletID); err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}

	// ON CONFLICT DO NOTHING returns no row when this external id was
	// already recorded, including by a concurrent delivery that committed
	// between our check and insert.
	var transactionID string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO bursar.transactions
			(organization_id, wallet_id, type, amount_cents, status, description, payment_method, external_transaction_id, metadata)
		VALUES ($1, $2, $3, $4, 'completed', $5, $6, $7, $8)
		ON CONFLICT (organization_id, external_transaction_id) DO NOTHING
		RETURNING id`,
		req.OrganizationID, walletID, models.TransactionTypeDeposit, req.AmountCents,
		req.Description, req.PaymentMethod, req.ExternalTransactionID, req.Metadata).Scan(&transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return s.existingTopup(ctx, tx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}

	var newBalance int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE bursar.wallets
		SET balance_cents = balance_cents + $1, updated_at = NOW()
		WHERE id = $2
		RETURNING balance_cents`, req.AmountCents, walletID).Scan(&newBalance); err != nil {
		return nil, fmt.Errorf("credit wallet: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"organization_id":         req.OrganizationID,
		"transaction_id":          transactionID,
		"external_transaction_id": req.ExternalTransactionID,
		"amount_cents":            req.AmountCents,
		"payment_method":          req.PaymentMethod,
		"new_balance_cents":       newBalance,
	}).Info("Wallet credited")

	return &TopupResult{
		TransactionID:   transactionID,
		WalletID:        walletID,
		AmountCents:     req.AmountCents,
		NewBalanceCents: newBalance,
	}, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// existingTopup loads the transaction previously recorded under the external
// id so duplicate deliveries get the original outcome back.
func (s *Service) existingTopup(ctx context.Context, q rowQuerier, req TopupRequest) (*TopupResult, error) {
	var result TopupResult
	err := q.QueryRowContext(ctx, `
		SELECT t.id, t.wallet_id, t.amount_cents, w.balance_cents
		FROM bursar.transactions t
		JOIN bursar.wallets w ON w.id = t.wallet_id
		WHERE t.organization_id = $1 AND t.external_transaction_id = $2`,
		req.OrganizationID, req.ExternalTransactionID).Scan(
		&result.TransactionID, &result.WalletID, &result.AmountCents, &result.NewBalanceCents)
	if err != nil {
		return nil, fmt.Errorf("load duplicate transaction: %w", err)
	}
	result.AlreadyProcessed = true

	s.logger.WithFields(logging.Fields{
		"organization_id":         req.OrganizationID,
		"external_transaction_id": req.ExternalTransactionID,
		"transaction_id":          result.TransactionID,
	}).Info("Duplicate topup ignored")

	return &result, nil
}

// GetBalance returns the wallet read-model. Available funds are balance
// minus reservations, reported in dollars for the dashboard.
func (s *Service) GetBalance(ctx context.Context, organizationID string) (*Balance, error) {
	var b Balance
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, balance_cents, reserved_balance_cents
		FROM bursar.wallets
		WHERE organization_id = $1`, organizationID).Scan(
		&b.WalletID, &b.OrganizationID, &b.BalanceCents, &b.ReservedBalanceCents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	b.AvailableUSD = float64(b.BalanceCents-b.ReservedBalanceCents) / 100.0
	return &b, nil
}

// ListTransactions returns the organization's ledger entries, newest first.
func (s *Service) ListTransactions(ctx context.Context, organizationID string, limit, offset int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, wallet_id, type, amount_cents, status, description, payment_method, external_transaction_id, metadata, created_at
		FROM bursar.transactions
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, organizationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.WalletID, &t.Type, &t.AmountCents,
			&t.Status, &t.Description, &t.PaymentMethod, &t.ExternalTransactionID,
			&t.Metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}
