package invalidation

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/adboardhq/bursar/pkg/logging"
	"github.com/adboardhq/bursar/pkg/redis"
)

// Channel carries invalidation messages to dashboard API nodes.
const Channel = "cache.invalidations"

// Cache tags understood by the dashboard read layer.
const (
	TagOrganization = "organization"
	TagWallet       = "wallet"
	TagSubscription = "subscription"
	TagTransactions = "transactions"
)

// Message tells subscribers which cached views of an organization are stale.
type Message struct {
	OrganizationID string    `json:"organization_id"`
	Tags           []string  `json:"tags"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher broadcasts cache invalidations after billing writes commit. It
// is strictly fire-and-forget: a down Redis never fails or delays the
// payment path, subscribers only serve stale reads until their TTL expires.
type Publisher struct {
	pubsub  *redis.TypedPubSub[Message]
	logger  logging.Logger
	timeout time.Duration
}

// NewPublisher wraps the Redis client. A nil client disables publishing
// entirely, for deployments without a cache layer. The parameter is the
// concrete client type so an unassigned pointer stays nil here instead of
// becoming a non-nil interface.
func NewPublisher(client *goredis.Client, logger logging.Logger) *Publisher {
	p := &Publisher{logger: logger, timeout: 2 * time.Second}
	if client != nil {
		p.pubsub = redis.NewTypedPubSub[Message](client)
	}
	return p
}

// Invalidate publishes asynchronously and returns immediately. Failures are
// logged and dropped.
func (p *Publisher) Invalidate(organizationID string, tags ...string) {
	if p == nil || p.pubsub == nil || organizationID == "" {
		return
	}

	msg := Message{
		OrganizationID: organizationID,
		Tags:           tags,
		OccurredAt:     time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		if err := p.pubsub.Publish(ctx, Channel, msg); err != nil {
			p.logger.WithFields(logging.Fields{
				"organization_id": organizationID,
				"tags":            tags,
				"error":           err.Error(),
			}).Warn("Cache invalidation publish failed")
		}
	}()
}
