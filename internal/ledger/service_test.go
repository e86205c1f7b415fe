package ledger

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/adboardhq/bursar/internal/models"
	"github.com/adboardhq/bursar/pkg/logging"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)
	return NewService(db, logger), mock, func() { db.Close() }
}

func TestProcessTopupCreditsWallet(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.wallets").
		WithArgs("org-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM bursar.wallets").
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("wallet-1"))
	mock.ExpectQuery("INSERT INTO bursar.transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("txn-1"))
	mock.ExpectQuery("UPDATE bursar.wallets").
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(7500))
	mock.ExpectCommit()

	result, err := svc.ProcessTopup(context.Background(), TopupRequest{
		OrganizationID:        "org-1",
		ExternalTransactionID: "cs_123",
		AmountCents:           2500,
		PaymentMethod:         "card",
		Description:           "Wallet topup",
		Metadata:              models.JSONB{"provider": "card"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AlreadyProcessed {
		t.Fatalf("expected fresh credit, got already-processed")
	}
	if result.TransactionID != "txn-1" || result.WalletID != "wallet-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.NewBalanceCents != 7500 {
		t.Fatalf("expected balance 7500, got %d", result.NewBalanceCents)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessTopupDuplicateExternalID(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.wallets").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM bursar.wallets").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("wallet-1"))
	mock.ExpectQuery("INSERT INTO bursar.transactions").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT t.id, t.wallet_id, t.amount_cents, w.balance_cents").
		WithArgs("org-1", "cs_123").
		WillReturnRows(sqlmock.NewRows([]string{"id", "wallet_id", "amount_cents", "balance_cents"}).
			AddRow("txn-original", "wallet-1", 2500, 7500))
	mock.ExpectCommit()

	result, err := svc.ProcessTopup(context.Background(), TopupRequest{
		OrganizationID:        "org-1",
		ExternalTransactionID: "cs_123",
		AmountCents:           2500,
		PaymentMethod:         "card",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AlreadyProcessed {
		t.Fatalf("expected already-processed result")
	}
	if result.TransactionID != "txn-original" {
		t.Fatalf("expected original transaction id, got %s", result.TransactionID)
	}
	if result.NewBalanceCents != 7500 {
		t.Fatalf("expected balance unchanged at 7500, got %d", result.NewBalanceCents)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessTopupRejectsBadInput(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	if _, err := svc.ProcessTopup(context.Background(), TopupRequest{
		OrganizationID:        "org-1",
		ExternalTransactionID: "cs_1",
		AmountCents:           0,
	}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if _, err := svc.ProcessTopup(context.Background(), TopupRequest{
		OrganizationID: "org-1",
		AmountCents:    100,
	}); err == nil {
		t.Fatalf("expected error for missing external transaction id")
	}
}

func TestGetOrCreateWalletLazyCreate(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO bursar.wallets").
		WithArgs("org-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, organization_id, balance_cents").
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "balance_cents", "reserved_balance_cents", "created_at", "updated_at",
		}).AddRow("wallet-1", "org-1", 0, 0, time.Now(), time.Now()))

	wallet, err := svc.GetOrCreateWallet(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wallet.ID != "wallet-1" || wallet.BalanceCents != 0 {
		t.Fatalf("unexpected wallet: %+v", wallet)
	}
}

func TestGetBalanceSubtractsReserved(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, balance_cents, reserved_balance_cents").
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "balance_cents", "reserved_balance_cents",
		}).AddRow("wallet-1", "org-1", 10000, 2500))

	balance, err := svc.GetBalance(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.AvailableUSD != 75.00 {
		t.Fatalf("expected 75.00 available, got %v", balance.AvailableUSD)
	}
}

func TestGetBalanceMissingWallet(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, balance_cents, reserved_balance_cents").
		WithArgs("org-404").
		WillReturnError(sql.ErrNoRows)

	_, err := svc.GetBalance(context.Background(), "org-404")
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestListTransactions(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, wallet_id, type, amount_cents").
		WithArgs("org-1", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "wallet_id", "type", "amount_cents", "status",
			"description", "payment_method", "external_transaction_id", "metadata", "created_at",
		}).
			AddRow("txn-2", "org-1", "wallet-1", "deposit", 2500, "completed", "Wallet topup", "card", "cs_2", []byte(`{}`), time.Now()).
			AddRow("txn-1", "org-1", "wallet-1", "deposit", 10000, "completed", "Crypto deposit", "crypto", "cp_1", []byte(`{}`), time.Now()))

	transactions, err := svc.ListTransactions(context.Background(), "org-1", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	if transactions[0].ID != "txn-2" || transactions[0].AmountCents != 2500 {
		t.Fatalf("unexpected first transaction: %+v", transactions[0])
	}
}
