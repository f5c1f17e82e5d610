package permcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/warden/pkg/observability"
)

// MessagePermissionUpdate announces that a member's permission set changed.
// A message carrying the new snapshot is applied directly; a message
// without one drops the cache so the next check refetches.
const MessagePermissionUpdate = "PERMISSION_UPDATE"

// Message is the invalidation payload published per user
type Message struct {
	Type     string    `json:"type"`
	TenantID int64     `json:"tenant_id"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// Channel returns the pub/sub channel carrying one user's invalidations
func Channel(userID int64) string {
	return fmt.Sprintf("warden:permissions:%d", userID)
}

// DefaultReconnectDelay is the fixed delay between subscribe attempts
const DefaultReconnectDelay = 5 * time.Second

// Listener subscribes to a member's invalidation channel and applies
// updates to the cache. A dropped subscription reconnects after a fixed
// delay; while disconnected the cache degrades to TTL-based freshness.
type Listener struct {
	client         *redis.Client
	cache          *Cache
	userID         int64
	tenantID       int64
	reconnectDelay time.Duration
	logger         *observability.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener creates an invalidation listener for one member's cache
func NewListener(client *redis.Client, cache *Cache, userID, tenantID int64, logger *observability.Logger) *Listener {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Listener{
		client:         client,
		cache:          cache,
		userID:         userID,
		tenantID:       tenantID,
		reconnectDelay: DefaultReconnectDelay,
		logger:         logger,
	}
}

// SetReconnectDelay overrides the fixed reconnect delay. Must be called
// before Start.
func (l *Listener) SetReconnectDelay(d time.Duration) {
	l.reconnectDelay = d
}

// Start begins listening. Starting an already started listener is an
// error.
func (l *Listener) Start(ctx context.Context) error {
	if l.done != nil {
		return fmt.Errorf("listener already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(ctx)
	return nil
}

// Stop tears down the subscription and waits for the listener to exit
func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	channel := Channel(l.userID)
	for {
		if err := l.listen(ctx, channel); err != nil {
			l.logger.WithError(err).WithField("channel", channel).Warn("invalidation subscription lost")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.reconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context, channel string) error {
	pubsub := l.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	// Confirm the subscription before consuming
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			l.handle(msg.Payload)
		}
	}
}

func (l *Listener) handle(payload string) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		l.logger.WithError(err).Warn("dropping malformed invalidation message")
		return
	}
	if msg.Type != MessagePermissionUpdate {
		return
	}
	if msg.TenantID != 0 && msg.TenantID != l.tenantID {
		return
	}

	if msg.Snapshot != nil {
		l.cache.UpdateFromServer(msg.Snapshot)
	} else {
		l.cache.Clear()
	}
}
