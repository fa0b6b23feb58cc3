// Package fanout publishes notification state changes to live subscribers.
// Delivery is best-effort and at-most-once per connection; clients treat the
// stream as a hint to refetch through the query API, not as a source of truth.
package fanout

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/metrics"
)

// Event types emitted on the stream.
const (
	EventNotificationCreated   = "notification_created"
	EventDeliveryStatusChanged = "delivery_status_changed"
	EventNotificationRead      = "notification_read"
	EventNotificationDeleted   = "notification_deleted"
)

// Event is one state change published to subscribers.
type Event struct {
	Type           string    `json:"type"`
	OrganizationID uuid.UUID `json:"organization_id"`
	UserID         uuid.UUID `json:"user_id"`
	NotificationID uuid.UUID `json:"notification_id"`
	DeliveryID     uuid.UUID `json:"delivery_id,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Status         string    `json:"status,omitempty"`
	At             time.Time `json:"at"`
	// Origin identifies the publishing engine instance, so the redis bridge
	// can skip re-delivering an instance's own events.
	Origin string `json:"origin,omitempty"`
}

// subscriberBuffer bounds each connection's queue; a full buffer drops the
// event rather than blocking other subscribers.
const subscriberBuffer = 32

type subscriber struct {
	userID uuid.UUID
	ch     chan Event
}

// Hub groups subscribers by organization and filters by user. One Hub serves
// one engine instance; the redis bridge links instances together.
type Hub struct {
	mu     sync.RWMutex
	orgs   map[uuid.UUID]map[*subscriber]struct{}
	count  int
	logger *zap.Logger
}

// NewHub creates an empty fanout hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		orgs:   make(map[uuid.UUID]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe registers a live session for (organization, user) and returns the
// event channel plus an unsubscribe function. The channel is closed on
// unsubscribe.
func (h *Hub) Subscribe(orgID, userID uuid.UUID) (<-chan Event, func()) {
	sub := &subscriber{
		userID: userID,
		ch:     make(chan Event, subscriberBuffer),
	}

	h.mu.Lock()
	if h.orgs[orgID] == nil {
		h.orgs[orgID] = make(map[*subscriber]struct{})
	}
	h.orgs[orgID][sub] = struct{}{}
	h.count++
	metrics.SetFanoutSubscribers(h.count)
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.orgs[orgID], sub)
			if len(h.orgs[orgID]) == 0 {
				delete(h.orgs, orgID)
			}
			h.count--
			metrics.SetFanoutSubscribers(h.count)
			h.mu.Unlock()
			close(sub.ch)
		})
	}

	return sub.ch, unsubscribe
}

// Publish delivers an event to the subscribers of the event's organization
// whose user matches. A slow subscriber's event is dropped, never blocking
// publication to others.
func (h *Hub) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	metrics.RecordFanoutEvent(event.Type)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.orgs[event.OrganizationID] {
		// A nil subscriber user means the whole organization's stream.
		if sub.userID != uuid.Nil && sub.userID != event.UserID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			metrics.RecordFanoutDrop()
			h.logger.Warn("fanout event dropped, subscriber buffer full",
				zap.String("type", event.Type),
				zap.String("user_id", event.UserID.String()),
			)
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
