package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/adboardhq/bursar/internal/ledger"
	"github.com/adboardhq/bursar/internal/models"
	"github.com/adboardhq/bursar/internal/payments"
	"github.com/adboardhq/bursar/pkg/logging"
)

// Synchronizer mirrors provider-side subscription lifecycle events onto
// organizations. Wallet credits carried by checkout events are delegated to
// the ledger so they fall under the same idempotency key discipline.
type Synchronizer struct {
	db     *sql.DB
	ledger *ledger.Service
	logger logging.Logger
}

func NewSynchronizer(db *sql.DB, ledgerSvc *ledger.Service, logger logging.Logger) *Synchronizer {
	return &Synchronizer{db: db, ledger: ledgerSvc, logger: logger}
}

// Apply routes one normalized subscription event and returns the resolved
// organization id, empty when the event could not be tied to one. Unresolvable
// events are logged and dropped; redelivery cannot fix them.
func (s *Synchronizer) Apply(ctx context.Context, event *payments.SubscriptionEvent) (string, error) {
	switch event.EventType {
	case payments.EventCheckoutCompleted:
		return s.applyCheckoutCompleted(ctx, event)
	case payments.EventSubscriptionCreated, payments.EventSubscriptionUpdated:
		return s.applySubscriptionChange(ctx, event)
	case payments.EventSubscriptionDeleted:
		return s.applySubscriptionDeleted(ctx, event)
	case payments.EventInvoicePaymentSucceeded:
		return s.applyInvoiceOutcome(ctx, event, models.SubscriptionStatusActive)
	case payments.EventInvoicePaymentFailed:
		return s.applyInvoiceOutcome(ctx, event, models.SubscriptionStatusPastDue)
	default:
		s.logger.WithFields(logging.Fields{
			"event_type": event.EventType,
		}).Debug("Ignoring subscription event type")
		return "", nil
	}
}

func (s *Synchronizer) applyCheckoutCompleted(ctx context.Context, event *payments.SubscriptionEvent) (string, error) {
	organizationID := event.OrganizationID

	// Record the provider's customer and subscription handles as soon as we
	// see them so later events can resolve the organization without metadata.
	if event.ExternalCustomerID != "" || event.ExternalSubscriptionID != "" {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE bursar.organizations
			SET external_customer_id = COALESCE(NULLIF($2, ''), external_customer_id),
			    external_subscription_id = COALESCE(NULLIF($3, ''), external_subscription_id),
			    updated_at = NOW()
			WHERE id = $1`,
			organizationID, event.ExternalCustomerID, event.ExternalSubscriptionID); err != nil {
			return "", fmt.Errorf("record external ids: %w", err)
		}
	}

	if event.WalletCreditUSD > 0 {
		result, err := s.ledger.ProcessTopup(ctx, ledger.TopupRequest{
			OrganizationID:        organizationID,
			ExternalTransactionID: event.CheckoutSessionID,
			AmountCents:           int64(math.Round(event.WalletCreditUSD * 100)),
			PaymentMethod:         "card",
			Description:           "Wallet topup via checkout",
			Metadata: models.JSONB{
				"provider":            string(event.Provider),
				"checkout_session_id": event.CheckoutSessionID,
			},
		})
		if err != nil {
			return "", fmt.Errorf("credit checkout topup: %w", err)
		}
		if result.AlreadyProcessed {
			s.logger.WithFields(logging.Fields{
				"organization_id":     organizationID,
				"checkout_session_id": event.CheckoutSessionID,
			}).Info("Checkout credit already settled")
		}
	}

	if event.PlanID != "" {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE bursar.organizations
			SET plan_id = $2, subscription_status = $3, updated_at = NOW()
			WHERE id = $1`,
			organizationID, event.PlanID, models.SubscriptionStatusActive); err != nil {
			return "", fmt.Errorf("activate plan: %w", err)
		}
	}
	return organizationID, nil
}

func (s *Synchronizer) applySubscriptionChange(ctx context.Context, event *payments.SubscriptionEvent) (string, error) {
	organizationID, err := s.resolveOrganization(ctx, event)
	if err != nil {
		return "", err
	}
	if organizationID == "" {
		s.logger.WithFields(logging.Fields{
			"external_subscription_id": event.ExternalSubscriptionID,
			"external_customer_id":     event.ExternalCustomerID,
			"event_type":               event.EventType,
		}).Warn("Dropping subscription event for unknown organization")
		return "", nil
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO bursar.subscriptions
			(organization_id, plan_id, external_subscription_id, status,
			 current_period_start, current_period_end, trial_end, cancel_at_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (external_subscription_id) DO UPDATE SET
			status = EXCLUDED.status,
			plan_id = COALESCE(NULLIF(EXCLUDED.plan_id, ''), bursar.subscriptions.plan_id),
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			trial_end = EXCLUDED.trial_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			updated_at = NOW()`,
		organizationID, event.PlanID, event.ExternalSubscriptionID, event.Status,
		event.CurrentPeriodStart, event.CurrentPeriodEnd, event.TrialEnd,
		event.CancelAtPeriodEnd); err != nil {
		return "", fmt.Errorf("upsert subscription: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE bursar.organizations
		SET subscription_status = $2,
		    plan_id = COALESCE(NULLIF($3, ''), plan_id),
		    external_subscription_id = $4,
		    external_customer_id = COALESCE(NULLIF($5, ''), external_customer_id),
		    current_period_start = $6,
		    current_period_end = $7,
		    trial_end = $8,
		    updated_at = NOW()
		WHERE id = $1`,
		organizationID, event.Status, event.PlanID, event.ExternalSubscriptionID,
		event.ExternalCustomerID, event.CurrentPeriodStart, event.CurrentPeriodEnd,
		event.TrialEnd); err != nil {
		return "", fmt.Errorf("update organization subscription: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"organization_id":          organizationID,
		"external_subscription_id": event.ExternalSubscriptionID,
		"status":                   event.Status,
	}).Info("Subscription synchronized")
	return organizationID, nil
}

func (s *Synchronizer) applySubscriptionDeleted(ctx context.Context, event *payments.SubscriptionEvent) (string, error) {
	organizationID, err := s.resolveOrganization(ctx, event)
	if err != nil {
		return "", err
	}
	if organizationID == "" {
		s.logger.WithFields(logging.Fields{
			"external_subscription_id": event.ExternalSubscriptionID,
		}).Warn("Dropping subscription deletion for unknown organization")
		return "", nil
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE bursar.subscriptions
		SET status = $2, canceled_at = NOW(), updated_at = NOW()
		WHERE external_subscription_id = $1`,
		event.ExternalSubscriptionID, models.SubscriptionStatusCanceled); err != nil {
		return "", fmt.Errorf("cancel subscription record: %w", err)
	}

	// The organization falls back to the free plan. The wallet is untouched:
	// prepaid funds outlive the subscription.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE bursar.organizations
		SET plan_id = $2, subscription_status = $3,
		    external_subscription_id = NULL, updated_at = NOW()
		WHERE id = $1`,
		organizationID, models.FreePlanID, models.SubscriptionStatusCanceled); err != nil {
		return "", fmt.Errorf("downgrade organization: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"organization_id": organizationID,
	}).Info("Subscription deleted, organization moved to free plan")
	return organizationID, nil
}

func (s *Synchronizer) applyInvoiceOutcome(ctx context.Context, event *payments.SubscriptionEvent, status string) (string, error) {
	organizationID, err := s.resolveOrganization(ctx, event)
	if err != nil {
		return "", err
	}
	if organizationID == "" {
		s.logger.WithFields(logging.Fields{
			"external_subscription_id": event.ExternalSubscriptionID,
			"event_type":               event.EventType,
		}).Warn("Dropping invoice event for unknown organization")
		return "", nil
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE bursar.organizations
		SET subscription_status = $2, updated_at = NOW()
		WHERE id = $1`, organizationID, status); err != nil {
		return "", fmt.Errorf("update subscription status: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"organization_id": organizationID,
		"status":          status,
		"event_type":      event.EventType,
	}).Info("Invoice outcome applied")
	return organizationID, nil
}

// resolveOrganization finds the organization an event belongs to. Metadata
// wins; otherwise we fall back to the external subscription id and then the
// external customer id recorded at checkout. An empty return with nil error
// means unresolvable.
func (s *Synchronizer) resolveOrganization(ctx context.Context, event *payments.SubscriptionEvent) (string, error) {
	if event.OrganizationID != "" {
		return event.OrganizationID, nil
	}

	if event.ExternalSubscriptionID != "" {
		var id string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM bursar.organizations WHERE external_subscription_id = $1`,
			event.ExternalSubscriptionID).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("resolve by subscription id: %w", err)
		}
	}

	if event.ExternalCustomerID != "" {
		var id string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM bursar.organizations WHERE external_customer_id = $1`,
			event.ExternalCustomerID).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("resolve by customer id: %w", err)
		}
	}

	return "", nil
}
