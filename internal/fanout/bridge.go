package fanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/redis"
)

// Bridge relays fanout events across engine instances over redis pub/sub.
// Local publishes go out on the shared channel; remote events come back in
// and are delivered to this instance's subscribers only (never re-published,
// keyed off the Origin field).
type Bridge struct {
	hub    *Hub
	client *redis.Client
	origin string
	logger *zap.Logger
}

// NewBridge creates a bridge for the hub. A nil redis client yields a
// passthrough bridge that only publishes locally (single-instance mode).
func NewBridge(hub *Hub, client *redis.Client, logger *zap.Logger) *Bridge {
	return &Bridge{
		hub:    hub,
		client: client,
		origin: uuid.NewString(),
		logger: logger,
	}
}

// Publish delivers the event locally and forwards it to other instances.
func (b *Bridge) Publish(ctx context.Context, event Event) {
	event.Origin = b.origin
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.hub.Publish(event)

	if b.client == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to encode fanout event", zap.Error(err))
		return
	}
	if err := b.client.PublishFanout(ctx, payload); err != nil {
		// Cross-instance fanout is best-effort; local subscribers already
		// got the event.
		b.logger.Warn("failed to publish fanout event to redis", zap.Error(err))
	}
}

// Start consumes remote events until ctx is done. No-op without redis.
func (b *Bridge) Start(ctx context.Context) {
	if b.client == nil {
		return
	}

	go func() {
		for payload := range b.client.SubscribeFanout(ctx) {
			var event Event
			if err := json.Unmarshal(payload, &event); err != nil {
				b.logger.Warn("invalid fanout payload from redis", zap.Error(err))
				continue
			}
			if event.Origin == b.origin {
				continue
			}
			b.hub.Publish(event)
		}
	}()
}
