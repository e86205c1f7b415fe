package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/adboardhq/bursar/internal/ledger"
)

// GetBalance returns the organization's wallet balance. 404 when no wallet
// exists yet; the first credit creates it.
func (h *Handlers) GetBalance(c *gin.Context) {
	organizationID := c.Param("organization_id")

	balance, err := h.ledger.GetBalance(c.Request.Context(), organizationID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Wallet not found"})
		return
	}
	if err != nil {
		h.logger.WithField("organization_id", organizationID).WithError(err).Error("Failed to load balance")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load balance"})
		return
	}

	c.JSON(http.StatusOK, balance)
}

// ListTransactions returns the organization's ledger entries, newest first.
// Supports `limit` (capped at 100) and `offset` query parameters.
func (h *Handlers) ListTransactions(c *gin.Context) {
	organizationID := c.Param("organization_id")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offset"})
			return
		}
		offset = parsed
	}

	transactions, err := h.ledger.ListTransactions(c.Request.Context(), organizationID, limit, offset)
	if err != nil {
		h.logger.WithField("organization_id", organizationID).WithError(err).Error("Failed to list transactions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list transactions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"organization_id": organizationID,
		"transactions":    transactions,
	})
}
