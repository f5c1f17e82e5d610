package permcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Publisher is the server side of push invalidation. It publishes to the
// affected user's channel whenever their grants change.
type Publisher struct {
	client *redis.Client
}

// NewPublisher creates a publisher
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishUpdate pushes a new snapshot to the user's listeners
func (p *Publisher) PublishUpdate(ctx context.Context, userID, tenantID int64, snapshot *Snapshot) error {
	return p.publish(ctx, userID, Message{
		Type:     MessagePermissionUpdate,
		TenantID: tenantID,
		Snapshot: snapshot,
	})
}

// PublishClear tells the user's listeners to drop their caches and
// refetch. Used when the new permission set is not worth computing
// eagerly, such as on removal.
func (p *Publisher) PublishClear(ctx context.Context, userID, tenantID int64) error {
	return p.publish(ctx, userID, Message{
		Type:     MessagePermissionUpdate,
		TenantID: tenantID,
	})
}

func (p *Publisher) publish(ctx context.Context, userID int64, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation message: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(userID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}
