package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adboardhq/bursar/pkg/logging"
)

// Topic is the Kafka topic downstream consumers (invoicing, analytics,
// fraud review) read billing events from.
const Topic = "billing_events"

// Event types emitted onto the billing stream.
const (
	TypeTopupCredited         = "topup_credited"
	TypeSubscriptionUpdated   = "subscription_updated"
	TypeSubscriptionCanceled  = "subscription_canceled"
	TypeInvoicePaid           = "invoice_paid"
	TypeInvoicePaymentFailed  = "invoice_payment_failed"
	TypeBankTransferCompleted = "bank_transfer_completed"
	TypeBankTransferRejected  = "bank_transfer_rejected"
)

// BillingEvent is the wire shape on the billing stream. Data is
// event-type-specific.
type BillingEvent struct {
	EventID        string                 `json:"event_id"`
	EventType      string                 `json:"event_type"`
	OrganizationID string                 `json:"organization_id"`
	Timestamp      time.Time              `json:"timestamp"`
	Source         string                 `json:"source"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// Emitter publishes billing events to Kafka. Like cache invalidation, the
// stream is advisory: produce failures are logged and never surface to the
// payment path. A nil Emitter is valid and drops everything.
type Emitter struct {
	client *kgo.Client
	logger logging.Logger
}

// NewEmitter connects a producer to the given brokers. An empty broker list
// returns a nil Emitter, which disables emission.
func NewEmitter(brokers []string, logger logging.Logger) (*Emitter, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("bursar"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Emitter{client: client, logger: logger}, nil
}

func (e *Emitter) Close() {
	if e == nil || e.client == nil {
		return
	}
	e.client.Close()
}

// Emit publishes one event keyed by organization id, so per-organization
// ordering holds within a partition.
func (e *Emitter) Emit(eventType, organizationID string, data map[string]interface{}) {
	if e == nil || e.client == nil {
		return
	}

	event := BillingEvent{
		EventID:        uuid.New().String(),
		EventType:      eventType,
		OrganizationID: organizationID,
		Timestamp:      time.Now().UTC(),
		Source:         "bursar",
		Data:           data,
	}

	value, err := json.Marshal(event)
	if err != nil {
		e.logger.WithFields(logging.Fields{
			"event_type": eventType,
			"error":      err.Error(),
		}).Warn("Failed to marshal billing event")
		return
	}

	record := &kgo.Record{
		Topic: Topic,
		Key:   []byte(organizationID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "source", Value: []byte("bursar")},
		},
	}

	e.client.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
		if err != nil {
			e.logger.WithFields(logging.Fields{
				"event_type":      eventType,
				"organization_id": organizationID,
				"error":           err.Error(),
			}).Warn("Failed to produce billing event")
		}
	})
}

// HealthCheck pings the brokers.
func (e *Emitter) HealthCheck(ctx context.Context) error {
	if e == nil || e.client == nil {
		return fmt.Errorf("kafka emitter not configured")
	}
	return e.client.Ping(ctx)
}
