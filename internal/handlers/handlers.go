package handlers

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/adboardhq/bursar/internal/events"
	"github.com/adboardhq/bursar/internal/invalidation"
	"github.com/adboardhq/bursar/internal/ledger"
	"github.com/adboardhq/bursar/internal/reconcile"
	"github.com/adboardhq/bursar/internal/subscriptions"
	"github.com/adboardhq/bursar/pkg/logging"
)

// WebhookSecrets holds the per-provider signing secrets. An empty secret
// disables that provider's endpoint with a 400 on every delivery.
type WebhookSecrets struct {
	Card      string
	CryptoPay string
	Bank      string
}

// Handlers carries the service dependencies for all HTTP endpoints.
type Handlers struct {
	db          *sql.DB
	logger      logging.Logger
	ledger      *ledger.Service
	subs        *subscriptions.Synchronizer
	reconciler  *reconcile.Service
	invalidator *invalidation.Publisher
	emitter     *events.Emitter
	secrets     WebhookSecrets
	metrics     *Metrics
}

func New(
	db *sql.DB,
	logger logging.Logger,
	ledgerSvc *ledger.Service,
	subs *subscriptions.Synchronizer,
	reconciler *reconcile.Service,
	invalidator *invalidation.Publisher,
	emitter *events.Emitter,
	secrets WebhookSecrets,
	metrics *Metrics,
) *Handlers {
	return &Handlers{
		db:          db,
		logger:      logger,
		ledger:      ledgerSvc,
		subs:        subs,
		reconciler:  reconciler,
		invalidator: invalidator,
		emitter:     emitter,
		secrets:     secrets,
		metrics:     metrics,
	}
}

// webhookSeen reports whether this provider delivery id was fully processed
// before. Redeliveries short-circuit to an acknowledgment.
func (h *Handlers) webhookSeen(ctx context.Context, provider, eventID string) (bool, error) {
	var seen bool
	err := h.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bursar.webhook_events WHERE provider = $1 AND event_id = $2
		)`, provider, eventID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check webhook replay: %w", err)
	}
	return seen, nil
}

// markWebhookProcessed records the delivery id after successful processing.
// Recording after, not before, keeps a failed delivery retryable; the
// ledger's own idempotency absorbs the race where a retry lands before the
// mark commits.
func (h *Handlers) markWebhookProcessed(ctx context.Context, provider, eventID, eventType string) {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO bursar.webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING`, provider, eventID, eventType)
	if err != nil {
		h.logger.WithFields(logging.Fields{
			"provider": provider,
			"event_id": eventID,
			"error":    err.Error(),
		}).Warn("Failed to record processed webhook")
	}
}
