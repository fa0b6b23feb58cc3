// Package engine implements notification submission: validation, policy
// evaluation, persistence, and the async hand-off to channel dispatch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/db"
	"github.com/velora/herald/internal/fanout"
	"github.com/velora/herald/internal/metrics"
	"github.com/velora/herald/internal/policy"
	"github.com/velora/herald/internal/template"
)

// ErrInvalidRequest is returned for submissions that fail validation; no
// record is created.
var ErrInvalidRequest = errors.New("invalid notification request")

// Request is one notification submission. UserID targets a single recipient;
// a nil UserID resolves the audience from organization rules.
type Request struct {
	OrganizationID uuid.UUID         `json:"organization_id"`
	UserID         uuid.UUID         `json:"user_id,omitempty"`
	Module         string            `json:"module"`
	EventType      string            `json:"event_type"`
	EntityType     string            `json:"entity_type,omitempty"`
	EntityID       string            `json:"entity_id,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	Channels       []string          `json:"channels,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	ActionURL      string            `json:"action_url,omitempty"`
}

// Store is the slice of the repository the engine writes through.
type Store interface {
	CreateNotification(ctx context.Context, notif *db.Notification, deliveries []*db.DeliveryRecord) error
}

// Policy resolves audiences and per-recipient channel sets; satisfied by
// *policy.Evaluator.
type Policy interface {
	ResolveAudience(ctx context.Context, orgID uuid.UUID, module, eventType, entityType, entityID string) ([]uuid.UUID, error)
	Resolve(ctx context.Context, orgID uuid.UUID, candidates []uuid.UUID, module, eventType, priority string, requested []string) ([]policy.ResolvedRecipient, error)
}

// Renderer produces the persisted in-app rendering; satisfied by
// *template.Renderer.
type Renderer interface {
	Render(ctx context.Context, orgID uuid.UUID, module, eventType, channel string, data map[string]string, locale string) (*template.Rendered, error)
}

// Dispatcher receives accepted notifications for channel delivery.
type Dispatcher interface {
	DispatchAll(notif *db.Notification, deliveries []*db.DeliveryRecord, data map[string]string, locale string, addresses map[string]string)
}

// Publisher emits fanout events.
type Publisher interface {
	Publish(ctx context.Context, event fanout.Event)
}

// Engine coordinates the submission pipeline.
type Engine struct {
	store      Store
	policy     Policy
	renderer   Renderer
	dispatcher Dispatcher
	publisher  Publisher
	logger     *zap.Logger
}

// New creates an engine.
func New(store Store, pol Policy, renderer Renderer, dispatcher Dispatcher, publisher Publisher, logger *zap.Logger) *Engine {
	return &Engine{
		store:      store,
		policy:     pol,
		renderer:   renderer,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger,
	}
}

// Submit validates a request, resolves recipients and channels, persists one
// notification per recipient with pending delivery rows, and hands the batch
// to the dispatcher. Returns the created notification IDs; an empty slice
// with a nil error means policy suppressed or resolved nobody, which is not
// a failure. Repository errors propagate so a caller can distinguish a store
// outage from a rejected request.
func (e *Engine) Submit(ctx context.Context, req *Request) ([]uuid.UUID, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	priority, known := db.NormalizePriority(req.Priority)
	if !known {
		e.logger.Warn("unknown priority, downgrading to normal",
			zap.String("priority", req.Priority),
			zap.String("module", req.Module),
			zap.String("event_type", req.EventType),
		)
	}

	candidates, err := e.candidates(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		e.logger.Info("no recipients resolved",
			zap.String("organization_id", req.OrganizationID.String()),
			zap.String("event_type", req.EventType),
		)
		return []uuid.UUID{}, nil
	}

	recipients, err := e.policy.Resolve(ctx, req.OrganizationID, candidates, req.Module, req.EventType, priority, req.Channels)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(recipients))
	for _, recipient := range recipients {
		notif, deliveries := e.build(ctx, req, priority, recipient)
		if err := e.store.CreateNotification(ctx, notif, deliveries); err != nil {
			return ids, fmt.Errorf("create notification: %w", err)
		}

		metrics.RecordNotificationCreated(notif.Module, notif.Priority)
		e.publisher.Publish(ctx, fanout.Event{
			Type:           fanout.EventNotificationCreated,
			OrganizationID: notif.OrganizationID,
			UserID:         notif.UserID,
			NotificationID: notif.ID,
		})

		if len(deliveries) > 0 {
			e.dispatcher.DispatchAll(notif, deliveries, req.Data, recipient.Locale, recipient.Addresses)
		}
		ids = append(ids, notif.ID)
	}

	e.logger.Info("notification submitted",
		zap.String("organization_id", req.OrganizationID.String()),
		zap.String("module", req.Module),
		zap.String("event_type", req.EventType),
		zap.String("priority", priority),
		zap.Int("recipients", len(ids)),
	)
	return ids, nil
}

func validate(req *Request) error {
	if req.OrganizationID == uuid.Nil {
		return fmt.Errorf("%w: organization_id is required", ErrInvalidRequest)
	}
	if req.Module == "" {
		return fmt.Errorf("%w: module is required", ErrInvalidRequest)
	}
	if req.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidRequest)
	}
	for _, ch := range req.Channels {
		if !db.KnownChannel(ch) {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidRequest, ch)
		}
	}
	return nil
}

func (e *Engine) candidates(ctx context.Context, req *Request) ([]uuid.UUID, error) {
	if req.UserID != uuid.Nil {
		return []uuid.UUID{req.UserID}, nil
	}
	return e.policy.ResolveAudience(ctx, req.OrganizationID, req.Module, req.EventType, req.EntityType, req.EntityID)
}

// build assembles the notification row and its pending delivery rows. The
// persisted title/body come from the in-app template, falling back to the
// payload's title/message and finally to the event type, so submission never
// hard-fails on a missing template.
func (e *Engine) build(ctx context.Context, req *Request, priority string, recipient policy.ResolvedRecipient) (*db.Notification, []*db.DeliveryRecord) {
	title, body, actionURL := e.renderInApp(ctx, req, recipient.Locale)
	if req.ActionURL != "" {
		actionURL = req.ActionURL
	}

	now := time.Now().UTC()
	notif := &db.Notification{
		ID:             uuid.New(),
		OrganizationID: req.OrganizationID,
		UserID:         recipient.UserID,
		Module:         req.Module,
		EventType:      req.EventType,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Title:          title,
		Body:           body,
		ActionURL:      actionURL,
		Priority:       priority,
		TargetChannels: recipient.AllowedChannels,
		CreatedAt:      now,
	}

	deliveries := make([]*db.DeliveryRecord, 0, len(recipient.AllowedChannels))
	for _, ch := range recipient.AllowedChannels {
		deliveries = append(deliveries, &db.DeliveryRecord{
			ID:             uuid.New(),
			NotificationID: notif.ID,
			Channel:        ch,
			Status:         db.DeliveryPending,
			MaxRetries:     db.DefaultMaxRetries,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return notif, deliveries
}

func (e *Engine) renderInApp(ctx context.Context, req *Request, locale string) (title, body, actionURL string) {
	rendered, err := e.renderer.Render(ctx, req.OrganizationID, req.Module, req.EventType, db.ChannelInApp, req.Data, locale)
	if err == nil {
		return rendered.Title, rendered.Body, rendered.ActionURL
	}
	if !errors.Is(err, template.ErrTemplateNotFound) {
		e.logger.Warn("in-app render failed, using payload fallback",
			zap.Error(err),
			zap.String("event_type", req.EventType),
		)
	}
	if fb := template.Fallback(req.Data); fb != nil {
		return fb.Title, fb.Body, fb.ActionURL
	}
	return req.EventType, "", ""
}
