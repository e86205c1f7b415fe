package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/adboardhq/bursar/internal/ledger"
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
	return NewService(db, ledger.NewService(db, logger), logger), mock, func() { db.Close() }
}

func pendingRequestRow(id string, amountCents int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "status", "requested_amount_cents", "actual_amount_cents",
	}).AddRow(id, "org-1", models.BankTransferPending, amountCents, nil)
}

func TestReviewApproveCreditsAndCompletes(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, status, requested_amount_cents").
		WithArgs("req-1").
		WillReturnRows(pendingRequestRow("req-1", 10000))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bursar.bank_transfer_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bursar.wallets").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM bursar.wallets").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("wallet-1"))
	mock.ExpectQuery("INSERT INTO bursar.transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("txn-1"))
	mock.ExpectQuery("UPDATE bursar.wallets").
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(10000))
	mock.ExpectCommit()

	result, err := svc.ReviewBankTransfer(context.Background(), ReviewDecision{
		RequestID: "req-1",
		Approve:   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != models.BankTransferCompleted || result.AlreadyProcessed {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Topup == nil || result.Topup.AmountCents != 10000 {
		t.Fatalf("expected 10000 cent credit, got %+v", result.Topup)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReviewApproveUsesActualAmount(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, status, requested_amount_cents").
		WithArgs("req-1").
		WillReturnRows(pendingRequestRow("req-1", 10000))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bursar.bank_transfer_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bursar.wallets").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM bursar.wallets").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("wallet-1"))
	mock.ExpectQuery("INSERT INTO bursar.transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("txn-1"))
	mock.ExpectQuery("UPDATE bursar.wallets").
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(9500))
	mock.ExpectCommit()

	actual := int64(9500)
	result, err := svc.ReviewBankTransfer(context.Background(), ReviewDecision{
		RequestID:         "req-1",
		Approve:           true,
		ActualAmountCents: &actual,
		BankReference:     "WIRE-42",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Topup.AmountCents != 9500 {
		t.Fatalf("expected actual amount 9500, got %d", result.Topup.AmountCents)
	}
}

func TestReviewRejectNeverTouchesWallet(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, status, requested_amount_cents").
		WithArgs("req-1").
		WillReturnRows(pendingRequestRow("req-1", 10000))
	mock.ExpectExec("UPDATE bursar.bank_transfer_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := svc.ReviewBankTransfer(context.Background(), ReviewDecision{
		RequestID: "req-1",
		Approve:   false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != models.BankTransferRejected {
		t.Fatalf("expected rejected status, got %s", result.Status)
	}
	if result.Topup != nil {
		t.Fatalf("rejection must not credit the wallet")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReviewAlreadyProcessedRequest(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, status, requested_amount_cents").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "status", "requested_amount_cents", "actual_amount_cents",
		}).AddRow("req-1", "org-1", models.BankTransferCompleted, 10000, 10000))

	result, err := svc.ReviewBankTransfer(context.Background(), ReviewDecision{
		RequestID: "req-1",
		Approve:   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AlreadyProcessed || result.Status != models.BankTransferCompleted {
		t.Fatalf("expected already-processed completed result, got %+v", result)
	}
}

func TestReviewApproveLosesRaceToReject(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, status, requested_amount_cents").
		WithArgs("req-1").
		WillReturnRows(pendingRequestRow("req-1", 10000))

	// A concurrent reject wins the status transition: the approval's
	// transaction rolls back without having touched the wallet.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bursar.bank_transfer_requests").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT status FROM bursar.bank_transfer_requests").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.BankTransferRejected))

	result, err := svc.ReviewBankTransfer(context.Background(), ReviewDecision{
		RequestID: "req-1",
		Approve:   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AlreadyProcessed {
		t.Fatalf("expected already-processed after losing status race, got %+v", result)
	}
	if result.Status != models.BankTransferRejected {
		t.Fatalf("expected the winner's rejected status, got %s", result.Status)
	}
	if result.Topup != nil {
		t.Fatalf("a lost approval must not credit the wallet")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReviewRejectLosesRaceToApprove(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, status, requested_amount_cents").
		WithArgs("req-1").
		WillReturnRows(pendingRequestRow("req-1", 10000))
	mock.ExpectExec("UPDATE bursar.bank_transfer_requests").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM bursar.bank_transfer_requests").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.BankTransferCompleted))

	result, err := svc.ReviewBankTransfer(context.Background(), ReviewDecision{
		RequestID: "req-1",
		Approve:   false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AlreadyProcessed || result.Status != models.BankTransferCompleted {
		t.Fatalf("expected the winner's completed status, got %+v", result)
	}
}

func TestReviewUnknownRequest(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, status, requested_amount_cents").
		WithArgs("req-404").
		WillReturnError(sql.ErrNoRows)

	_, err := svc.ReviewBankTransfer(context.Background(), ReviewDecision{RequestID: "req-404", Approve: true})
	if !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func matchedRequestRow(id, status string, amountCents int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "status", "requested_amount_cents",
	}).AddRow(id, "org-1", status, amountCents)
}

func TestSettleConfirmedTransferCompletesAnnouncedRequest(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, status, requested_amount_cents").
		WithArgs("org-1", "WIRE-42").
		WillReturnRows(matchedRequestRow("req-1", models.BankTransferPending, 10000))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bursar.bank_transfer_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bursar.wallets").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM bursar.wallets").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("wallet-1"))
	// The credit is keyed by the request id, not the provider transfer id.
	mock.ExpectQuery("INSERT INTO bursar.transactions").
		WithArgs("org-1", "wallet-1", models.TransactionTypeDeposit, int64(9800),
			"Bank transfer deposit", "bank_transfer", "bank_req-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("txn-1"))
	mock.ExpectQuery("UPDATE bursar.wallets").
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(9800))
	mock.ExpectCommit()

	topup, err := svc.SettleConfirmedTransfer(context.Background(), "org-1", "bt_9", "WIRE-42", 9800)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topup == nil || topup.AmountCents != 9800 || topup.AlreadyProcessed {
		t.Fatalf("unexpected topup: %+v", topup)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleConfirmedTransferDedupesApprovedRequest(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, status, requested_amount_cents").
		WithArgs("org-1", "WIRE-42").
		WillReturnRows(matchedRequestRow("req-1", models.BankTransferCompleted, 10000))

	// An operator already approved this request; the confirmation's credit
	// collides with the approval's external id and no new money moves.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.wallets").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM bursar.wallets").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("wallet-1"))
	mock.ExpectQuery("INSERT INTO bursar.transactions").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT t.id, t.wallet_id, t.amount_cents, w.balance_cents").
		WithArgs("org-1", "bank_req-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "wallet_id", "amount_cents", "balance_cents"}).
			AddRow("txn-original", "wallet-1", 10000, 10000))
	mock.ExpectCommit()

	topup, err := svc.SettleConfirmedTransfer(context.Background(), "org-1", "bt_9", "WIRE-42", 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topup == nil || !topup.AlreadyProcessed {
		t.Fatalf("expected dedupe against the approval credit, got %+v", topup)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSettleConfirmedTransferWithholdsRejectedRequest(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, status, requested_amount_cents").
		WithArgs("org-1", "WIRE-42").
		WillReturnRows(matchedRequestRow("req-1", models.BankTransferRejected, 10000))

	topup, err := svc.SettleConfirmedTransfer(context.Background(), "org-1", "bt_9", "WIRE-42", 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topup != nil {
		t.Fatalf("a rejected request must not be credited by a confirmation, got %+v", topup)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("credit withheld must not touch the wallet: %v", err)
	}
}

func TestSettleConfirmedTransferLosesRaceToReject(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, status, requested_amount_cents").
		WithArgs("org-1", "WIRE-42").
		WillReturnRows(matchedRequestRow("req-1", models.BankTransferPending, 10000))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bursar.bank_transfer_requests").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT status FROM bursar.bank_transfer_requests").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.BankTransferRejected))

	topup, err := svc.SettleConfirmedTransfer(context.Background(), "org-1", "bt_9", "WIRE-42", 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topup != nil {
		t.Fatalf("losing to a rejection must not credit, got %+v", topup)
	}
}

func TestSettleConfirmedTransferWithoutAnnouncedRequest(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, organization_id, status, requested_amount_cents").
		WithArgs("org-1", "WIRE-42").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.wallets").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id FROM bursar.wallets").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("wallet-1"))
	mock.ExpectQuery("INSERT INTO bursar.transactions").
		WithArgs("org-1", "wallet-1", models.TransactionTypeDeposit, int64(5000),
			"Bank transfer deposit", "bank_transfer", "bt_9", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("txn-1"))
	mock.ExpectQuery("UPDATE bursar.wallets").
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(5000))
	mock.ExpectCommit()

	topup, err := svc.SettleConfirmedTransfer(context.Background(), "org-1", "bt_9", "WIRE-42", 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topup == nil || topup.AmountCents != 5000 {
		t.Fatalf("expected credit under the transfer id, got %+v", topup)
	}
}
