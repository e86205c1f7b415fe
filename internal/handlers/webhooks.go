package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/adboardhq/bursar/internal/events"
	"github.com/adboardhq/bursar/internal/invalidation"
	"github.com/adboardhq/bursar/internal/ledger"
	"github.com/adboardhq/bursar/internal/models"
	"github.com/adboardhq/bursar/internal/payments"
	"github.com/adboardhq/bursar/pkg/logging"
)

// Provider signature headers for the non-card channels.
const (
	headerCryptoPaySignature = "X-Cryptopay-Signature"
	headerCryptoPayTimestamp = "X-Cryptopay-Timestamp"
	headerCryptoPayNonce     = "X-Cryptopay-Nonce"
	headerBankSignature      = "X-Bank-Signature"
)

func respondReceived(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func respondInvalidSignature(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
}

// CardWebhook handles deliveries from the card processor.
func (h *Handlers) CardWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		h.metrics.webhook("card", "read_error")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot read request body"})
		return
	}

	event, err := payments.VerifyCardWebhook(payload, c.GetHeader("Stripe-Signature"), h.secrets.Card)
	if err != nil {
		h.logger.WithFields(logging.Fields{
			"provider": "card",
			"error":    err.Error(),
		}).Warn("Webhook signature verification failed")
		h.metrics.webhook("card", "invalid_signature")
		respondInvalidSignature(c)
		return
	}

	normalized, err := payments.NormalizeCardEvent(event)
	h.finishWebhook(c, "card", normalized, err)
}

// CryptoPayWebhook handles deliveries from the crypto payment processor.
func (h *Handlers) CryptoPayWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		h.metrics.webhook("cryptopay", "read_error")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot read request body"})
		return
	}

	ok := payments.VerifyCryptoPaySignature(
		payload,
		c.GetHeader(headerCryptoPayTimestamp),
		c.GetHeader(headerCryptoPayNonce),
		c.GetHeader(headerCryptoPaySignature),
		h.secrets.CryptoPay,
	)
	if !ok {
		h.logger.WithField("provider", "cryptopay").Warn("Webhook signature verification failed")
		h.metrics.webhook("cryptopay", "invalid_signature")
		respondInvalidSignature(c)
		return
	}

	normalized, err := payments.NormalizeCryptoPayEvent(payload)
	h.finishWebhook(c, "cryptopay", normalized, err)
}

// BankWebhook handles transfer notifications from the bank channel.
func (h *Handlers) BankWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		h.metrics.webhook("bank", "read_error")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot read request body"})
		return
	}

	if !payments.VerifyBankSignature(payload, c.GetHeader(headerBankSignature), h.secrets.Bank) {
		h.logger.WithField("provider", "bank").Warn("Webhook signature verification failed")
		h.metrics.webhook("bank", "invalid_signature")
		respondInvalidSignature(c)
		return
	}

	normalized, err := payments.NormalizeBankEvent(payload)
	h.finishWebhook(c, "bank", normalized, err)
}

// finishWebhook runs the shared post-verification pipeline: replay guard,
// routing, acknowledgment. Only processing failures return 500; everything
// the provider cannot fix by redelivering is acknowledged with 200.
func (h *Handlers) finishWebhook(c *gin.Context, provider string, normalized *payments.NormalizedEvent, normErr error) {
	ctx := c.Request.Context()

	if normErr != nil {
		if errors.Is(normErr, payments.ErrUnroutableEvent) {
			h.logger.WithFields(logging.Fields{
				"provider": provider,
				"error":    normErr.Error(),
			}).Error("Dropping unroutable webhook event")
			h.metrics.webhook(provider, "unroutable")
			respondReceived(c)
			return
		}
		h.logger.WithFields(logging.Fields{
			"provider": provider,
			"error":    normErr.Error(),
		}).Warn("Webhook payload rejected")
		h.metrics.webhook(provider, "malformed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	if normalized.Kind == payments.KindIgnored {
		h.metrics.webhook(provider, "ignored")
		respondReceived(c)
		return
	}

	seen, err := h.webhookSeen(ctx, provider, normalized.EventID)
	if err != nil {
		h.logger.WithFields(logging.Fields{
			"provider": provider,
			"event_id": normalized.EventID,
			"error":    err.Error(),
		}).Error("Webhook replay check failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Processing failed"})
		return
	}
	if seen {
		h.metrics.webhook(provider, "replay")
		respondReceived(c)
		return
	}

	if err := h.routeEvent(ctx, normalized); err != nil {
		h.logger.WithFields(logging.Fields{
			"provider": provider,
			"event_id": normalized.EventID,
			"error":    err.Error(),
		}).Error("Webhook processing failed")
		h.metrics.webhook(provider, "error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Processing failed"})
		return
	}

	h.markWebhookProcessed(ctx, provider, normalized.EventID, normalized.CanonicalType())
	h.metrics.webhook(provider, "processed")
	respondReceived(c)
}

// routeEvent dispatches a normalized event to the ledger or the
// subscription synchronizer and fires the advisory side channels.
func (h *Handlers) routeEvent(ctx context.Context, normalized *payments.NormalizedEvent) error {
	switch normalized.Kind {
	case payments.KindPayment:
		return h.routePayment(ctx, normalized.Payment)
	case payments.KindSubscription:
		return h.routeSubscription(ctx, normalized.Subscription)
	default:
		return nil
	}
}

func (h *Handlers) routePayment(ctx context.Context, event *payments.PaymentEvent) error {
	amountCents := int64(math.Round(event.AmountUSD * 100))

	var result *ledger.TopupResult
	var err error
	if event.Provider == payments.ProviderBank {
		// Bank confirmations reconcile against announced transfer requests
		// so an operator approval and a late confirmation share one
		// idempotency key.
		result, err = h.reconciler.SettleConfirmedTransfer(ctx,
			event.OrganizationID, event.ExternalTransactionID,
			event.Metadata["bank_reference"], amountCents)
	} else {
		metadata := models.JSONB{"provider": string(event.Provider)}
		for k, v := range event.Metadata {
			if v != "" {
				metadata[k] = v
			}
		}
		result, err = h.ledger.ProcessTopup(ctx, ledger.TopupRequest{
			OrganizationID:        event.OrganizationID,
			ExternalTransactionID: event.ExternalTransactionID,
			AmountCents:           amountCents,
			PaymentMethod:         event.PaymentMethod,
			Description:           "Wallet deposit",
			Metadata:              metadata,
		})
	}
	if err != nil {
		return err
	}
	if result == nil {
		// Credit withheld for manual reconciliation.
		return nil
	}
	h.metrics.credit(event.PaymentMethod, result.AmountCents, result.AlreadyProcessed)

	if !result.AlreadyProcessed {
		h.invalidator.Invalidate(event.OrganizationID, invalidation.TagWallet, invalidation.TagTransactions)
		h.emitter.Emit(events.TypeTopupCredited, event.OrganizationID, map[string]interface{}{
			"transaction_id": result.TransactionID,
			"amount_cents":   result.AmountCents,
			"payment_method": event.PaymentMethod,
		})
	}
	return nil
}

func (h *Handlers) routeSubscription(ctx context.Context, event *payments.SubscriptionEvent) error {
	organizationID, err := h.subs.Apply(ctx, event)
	if err != nil {
		return err
	}
	if organizationID == "" {
		return nil
	}

	tags := []string{invalidation.TagOrganization, invalidation.TagSubscription}
	if event.WalletCreditUSD > 0 {
		tags = append(tags, invalidation.TagWallet, invalidation.TagTransactions)
	}
	h.invalidator.Invalidate(organizationID, tags...)

	switch event.EventType {
	case payments.EventSubscriptionDeleted:
		h.emitter.Emit(events.TypeSubscriptionCanceled, organizationID, map[string]interface{}{
			"external_subscription_id": event.ExternalSubscriptionID,
		})
	case payments.EventInvoicePaymentSucceeded:
		h.emitter.Emit(events.TypeInvoicePaid, organizationID, nil)
	case payments.EventInvoicePaymentFailed:
		h.emitter.Emit(events.TypeInvoicePaymentFailed, organizationID, nil)
	default:
		h.emitter.Emit(events.TypeSubscriptionUpdated, organizationID, map[string]interface{}{
			"event_type": event.EventType,
			"plan_id":    event.PlanID,
			"status":     event.Status,
		})
	}
	return nil
}
