package handlers

import (
	"errors"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adboardhq/bursar/internal/events"
	"github.com/adboardhq/bursar/internal/invalidation"
	"github.com/adboardhq/bursar/internal/models"
	"github.com/adboardhq/bursar/internal/reconcile"
)

type createBankTransferRequest struct {
	OrganizationID       string `json:"organization_id" binding:"required"`
	RequestedAmountCents int64  `json:"requested_amount_cents" binding:"required"`
	BankReference        string `json:"bank_reference"`
}

// CreateBankTransfer registers a pending bank transfer for later manual
// reconciliation.
func (h *Handlers) CreateBankTransfer(c *gin.Context) {
	var req createBankTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.RequestedAmountCents <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Requested amount must be positive"})
		return
	}

	request, err := h.reconciler.CreateRequest(c.Request.Context(), req.OrganizationID, req.RequestedAmountCents, req.BankReference)
	if err != nil {
		h.logger.WithError(err).Error("Failed to create bank transfer request")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create request"})
		return
	}

	c.JSON(http.StatusCreated, request)
}

// ListPendingBankTransfers returns requests awaiting review.
func (h *Handlers) ListPendingBankTransfers(c *gin.Context) {
	requests, err := h.reconciler.ListPending(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list pending bank transfers")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list requests"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

type reviewBankTransferRequest struct {
	RequestID     string   `json:"requestId" binding:"required"`
	Action        string   `json:"action" binding:"required"`
	ActualAmount  *float64 `json:"actualAmount"`
	BankReference string   `json:"bankReference"`
}

// ReviewBankTransfer applies an operator decision to a pending request.
// Approval credits the wallet; both paths move the request out of pending
// exactly once. A request already reviewed answers 409. Amounts arrive in
// dollars from the dashboard and are stored in cents.
func (h *Handlers) ReviewBankTransfer(c *gin.Context) {
	var req reviewBankTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Action != "approve" && req.Action != "reject" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Action must be approve or reject"})
		return
	}
	var actualAmountCents *int64
	if req.ActualAmount != nil {
		cents := int64(math.Round(*req.ActualAmount * 100))
		if cents <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Actual amount must be positive"})
			return
		}
		actualAmountCents = &cents
	}

	result, err := h.reconciler.ReviewBankTransfer(c.Request.Context(), reconcile.ReviewDecision{
		RequestID:         req.RequestID,
		Approve:           req.Action == "approve",
		ActualAmountCents: actualAmountCents,
		BankReference:     req.BankReference,
	})
	if errors.Is(err, reconcile.ErrRequestNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Bank transfer request not found"})
		return
	}
	if err != nil {
		h.logger.WithField("request_id", req.RequestID).WithError(err).Error("Bank transfer review failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Review failed"})
		return
	}

	if result.AlreadyProcessed {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Request already processed",
			"status": result.Status,
		})
		return
	}

	if result.Status == models.BankTransferCompleted && result.Topup != nil {
		h.metrics.bankReview("approved")
		h.metrics.credit("bank_transfer", result.Topup.AmountCents, result.Topup.AlreadyProcessed)
		h.invalidator.Invalidate(result.OrganizationID, invalidation.TagWallet, invalidation.TagTransactions)
		h.emitter.Emit(events.TypeBankTransferCompleted, result.OrganizationID, map[string]interface{}{
			"request_id":     result.RequestID,
			"transaction_id": result.Topup.TransactionID,
			"amount_cents":   result.Topup.AmountCents,
		})
	} else {
		h.metrics.bankReview("rejected")
		h.emitter.Emit(events.TypeBankTransferRejected, result.OrganizationID, map[string]interface{}{
			"request_id": result.RequestID,
		})
	}

	c.JSON(http.StatusOK, result)
}
