package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/adboardhq/bursar/internal/ledger"
	"github.com/adboardhq/bursar/internal/models"
	"github.com/adboardhq/bursar/pkg/logging"
)

// ErrRequestNotFound is returned when the bank transfer request id does not
// exist.
var ErrRequestNotFound = errors.New("bank transfer request not found")

// Service handles the manual reconciliation path for bank transfers. An
// operator confirms funds arrived and approves or rejects the pending
// request; approval credits the wallet through the ledger under a
// deterministic external id, so double-approval cannot double-credit.
type Service struct {
	db     *sql.DB
	ledger *ledger.Service
	logger logging.Logger
}

func NewService(db *sql.DB, ledgerSvc *ledger.Service, logger logging.Logger) *Service {
	return &Service{db: db, ledger: ledgerSvc, logger: logger}
}

// ReviewDecision is an operator's verdict on a pending request.
// ActualAmountCents overrides the requested amount when the received sum
// differs; nil means credit what was requested.
type ReviewDecision struct {
	RequestID         string
	Approve           bool
	ActualAmountCents *int64
	BankReference     string
}

// ReviewResult reports the settled state of the request. AlreadyProcessed
// means the request had left pending before this review took effect.
type ReviewResult struct {
	RequestID        string              `json:"request_id"`
	OrganizationID   string              `json:"organization_id"`
	Status           string              `json:"status"`
	AlreadyProcessed bool                `json:"already_processed"`
	Topup            *ledger.TopupResult `json:"-"`
}

// CreateRequest registers a pending bank transfer announced at
// payment-initiation time.
func (s *Service) CreateRequest(ctx context.Context, organizationID string, requestedAmountCents int64, bankReference string) (*models.BankTransferRequest, error) {
	if requestedAmountCents <= 0 {
		return nil, fmt.Errorf("requested amount must be positive, got %d", requestedAmountCents)
	}

	var req models.BankTransferRequest
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO bursar.bank_transfer_requests (organization_id, requested_amount_cents, bank_reference)
		VALUES ($1, $2, NULLIF($3, ''))
		RETURNING id, organization_id, status, requested_amount_cents, bank_reference, created_at, updated_at`,
		organizationID, requestedAmountCents, bankReference).Scan(
		&req.ID, &req.OrganizationID, &req.Status, &req.RequestedAmountCents,
		&req.BankReference, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create bank transfer request: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"organization_id": organizationID,
		"request_id":      req.ID,
		"amount_cents":    requestedAmountCents,
	}).Info("Bank transfer request created")
	return &req, nil
}

// ListPending returns requests awaiting review, oldest first.
func (s *Service) ListPending(ctx context.Context) ([]models.BankTransferRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, status, requested_amount_cents, actual_amount_cents, bank_reference, processed_at, created_at, updated_at
		FROM bursar.bank_transfer_requests
		WHERE status = $1
		ORDER BY created_at ASC`, models.BankTransferPending)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()

	requests := []models.BankTransferRequest{}
	for rows.Next() {
		var r models.BankTransferRequest
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Status, &r.RequestedAmountCents,
			&r.ActualAmountCents, &r.BankReference, &r.ProcessedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// ReviewBankTransfer applies an operator decision. The pending-to-terminal
// transition is a compare-and-set on status, so two concurrent reviews
// settle to one winner; the loser gets AlreadyProcessed. The wallet credit
// itself is additionally guarded by the ledger's external id key.
func (s *Service) ReviewBankTransfer(ctx context.Context, decision ReviewDecision) (*ReviewResult, error) {
	var req models.BankTransferRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, status, requested_amount_cents, actual_amount_cents
		FROM bursar.bank_transfer_requests
		WHERE id = $1`, decision.RequestID).Scan(
		&req.ID, &req.OrganizationID, &req.Status, &req.RequestedAmountCents, &req.ActualAmountCents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load bank transfer request: %w", err)
	}

	if req.Status != models.BankTransferPending {
		return &ReviewResult{RequestID: req.ID, OrganizationID: req.OrganizationID, Status: req.Status, AlreadyProcessed: true}, nil
	}

	if !decision.Approve {
		return s.reject(ctx, req, decision)
	}
	return s.approve(ctx, req, decision)
}

func (s *Service) approve(ctx context.Context, req models.BankTransferRequest, decision ReviewDecision) (*ReviewResult, error) {
	amountCents := req.RequestedAmountCents
	if decision.ActualAmountCents != nil {
		amountCents = *decision.ActualAmountCents
	}
	if amountCents <= 0 {
		return nil, fmt.Errorf("approval amount must be positive, got %d", amountCents)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin approval: %w", err)
	}
	defer tx.Rollback()

	// Win the pending-to-completed transition first; the credit below then
	// commits atomically with the status change or not at all. A lost race
	// means a concurrent review settled the request, with no credit here.
	affected, err := s.completeRequestTx(ctx, tx, req.ID, amountCents, decision.BankReference)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.WithField("request_id", req.ID).WithError(rbErr).Warn("Rollback after lost review race failed")
		}
		return s.lostReview(ctx, req)
	}

	topup, err := s.ledger.ProcessTopupTx(ctx, tx, ledger.TopupRequest{
		OrganizationID:        req.OrganizationID,
		ExternalTransactionID: "bank_" + req.ID,
		AmountCents:           amountCents,
		PaymentMethod:         "bank_transfer",
		Description:           "Manual bank transfer reconciliation",
		Metadata: models.JSONB{
			"bank_transfer_request_id": req.ID,
			"bank_reference":           decision.BankReference,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("credit bank transfer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit approval: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"organization_id": req.OrganizationID,
		"request_id":      req.ID,
		"amount_cents":    amountCents,
		"transaction_id":  topup.TransactionID,
	}).Info("Bank transfer approved")

	return &ReviewResult{RequestID: req.ID, OrganizationID: req.OrganizationID, Status: models.BankTransferCompleted, Topup: topup}, nil
}

func (s *Service) reject(ctx context.Context, req models.BankTransferRequest, decision ReviewDecision) (*ReviewResult, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE bursar.bank_transfer_requests
		SET status = $2,
		    bank_reference = COALESCE(NULLIF($3, ''), bank_reference),
		    processed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		req.ID, models.BankTransferRejected, decision.BankReference, models.BankTransferPending)
	if err != nil {
		return nil, fmt.Errorf("reject bank transfer request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reject bank transfer request: %w", err)
	}
	if affected == 0 {
		return s.lostReview(ctx, req)
	}

	s.logger.WithFields(logging.Fields{
		"organization_id": req.OrganizationID,
		"request_id":      req.ID,
	}).Info("Bank transfer rejected")

	return &ReviewResult{RequestID: req.ID, OrganizationID: req.OrganizationID, Status: models.BankTransferRejected}, nil
}

// completeRequestTx is the pending-to-completed compare-and-set, shared by
// the manual approval and the automated settlement path.
func (s *Service) completeRequestTx(ctx context.Context, tx *sql.Tx, requestID string, amountCents int64, bankReference string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE bursar.bank_transfer_requests
		SET status = $2, actual_amount_cents = $3,
		    bank_reference = COALESCE(NULLIF($4, ''), bank_reference),
		    processed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $5`,
		requestID, models.BankTransferCompleted, amountCents, bankReference,
		models.BankTransferPending)
	if err != nil {
		return 0, fmt.Errorf("complete bank transfer request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("complete bank transfer request: %w", err)
	}
	return affected, nil
}

// lostReview reports the terminal status the concurrent winner committed,
// so the loser's caller sees what actually happened to the request.
func (s *Service) lostReview(ctx context.Context, req models.BankTransferRequest) (*ReviewResult, error) {
	status, err := s.requestStatus(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &ReviewResult{RequestID: req.ID, OrganizationID: req.OrganizationID, Status: status, AlreadyProcessed: true}, nil
}

func (s *Service) requestStatus(ctx context.Context, requestID string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM bursar.bank_transfer_requests WHERE id = $1`,
		requestID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("load bank transfer request status: %w", err)
	}
	return status, nil
}

// SettleConfirmedTransfer handles an automated confirmation from the bank
// channel. A confirmation whose reference matches an announced request is
// settled through the same pending-to-completed transition and deterministic
// external id the manual path uses, so a late confirmation and an operator
// approval for one physical transfer can never both credit. Confirmations
// with no matching request credit under the provider's transfer id. A nil
// result with nil error means the credit was withheld for manual review.
func (s *Service) SettleConfirmedTransfer(ctx context.Context, organizationID, transferID, reference string, amountCents int64) (*ledger.TopupResult, error) {
	req, err := s.findByReference(ctx, organizationID, reference)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return s.ledger.ProcessTopup(ctx, ledger.TopupRequest{
			OrganizationID:        organizationID,
			ExternalTransactionID: transferID,
			AmountCents:           amountCents,
			PaymentMethod:         "bank_transfer",
			Description:           "Bank transfer deposit",
			Metadata: models.JSONB{
				"provider":       "bank",
				"transfer_id":    transferID,
				"bank_reference": reference,
			},
		})
	}

	switch req.Status {
	case models.BankTransferRejected:
		// An operator already ruled these funds did not arrive. Withhold
		// the credit and leave the mismatch to manual review.
		s.logger.WithFields(logging.Fields{
			"organization_id": organizationID,
			"request_id":      req.ID,
			"transfer_id":     transferID,
		}).Warn("Confirmed transfer matches a rejected request, credit withheld")
		return nil, nil
	case models.BankTransferCompleted:
		// Already settled, most likely by an operator approval. The
		// deterministic external id dedupes this delivery against it.
		return s.settledRequestTopup(ctx, *req, transferID, reference, amountCents)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback()

	affected, err := s.completeRequestTx(ctx, tx, req.ID, amountCents, reference)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// A review settled the request between our read and the CAS.
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.WithField("request_id", req.ID).WithError(rbErr).Warn("Rollback after lost settlement race failed")
		}
		status, err := s.requestStatus(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if status != models.BankTransferCompleted {
			s.logger.WithFields(logging.Fields{
				"organization_id": organizationID,
				"request_id":      req.ID,
				"transfer_id":     transferID,
				"status":          status,
			}).Warn("Confirmed transfer lost race to a rejection, credit withheld")
			return nil, nil
		}
		return s.settledRequestTopup(ctx, *req, transferID, reference, amountCents)
	}

	topup, err := s.ledger.ProcessTopupTx(ctx, tx, ledger.TopupRequest{
		OrganizationID:        req.OrganizationID,
		ExternalTransactionID: "bank_" + req.ID,
		AmountCents:           amountCents,
		PaymentMethod:         "bank_transfer",
		Description:           "Bank transfer deposit",
		Metadata: models.JSONB{
			"bank_transfer_request_id": req.ID,
			"transfer_id":              transferID,
			"bank_reference":           reference,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("credit bank transfer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit settlement: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"organization_id": req.OrganizationID,
		"request_id":      req.ID,
		"transfer_id":     transferID,
		"amount_cents":    amountCents,
	}).Info("Bank transfer settled by confirmation")

	return topup, nil
}

// settledRequestTopup credits under the request's deterministic external id
// so a redundant confirmation dedupes against the credit that settled it.
func (s *Service) settledRequestTopup(ctx context.Context, req models.BankTransferRequest, transferID, reference string, amountCents int64) (*ledger.TopupResult, error) {
	return s.ledger.ProcessTopup(ctx, ledger.TopupRequest{
		OrganizationID:        req.OrganizationID,
		ExternalTransactionID: "bank_" + req.ID,
		AmountCents:           amountCents,
		PaymentMethod:         "bank_transfer",
		Description:           "Bank transfer deposit",
		Metadata: models.JSONB{
			"bank_transfer_request_id": req.ID,
			"transfer_id":              transferID,
			"bank_reference":           reference,
		},
	})
}

// findByReference matches a confirmation to an announced request by bank
// reference. Confirmations without a reference cannot be correlated.
func (s *Service) findByReference(ctx context.Context, organizationID, reference string) (*models.BankTransferRequest, error) {
	if reference == "" {
		return nil, nil
	}

	var req models.BankTransferRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, status, requested_amount_cents
		FROM bursar.bank_transfer_requests
		WHERE organization_id = $1 AND bank_reference = $2
		ORDER BY created_at ASC
		LIMIT 1`, organizationID, reference).Scan(
		&req.ID, &req.OrganizationID, &req.Status, &req.RequestedAmountCents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match bank transfer request: %w", err)
	}
	return &req, nil
}
