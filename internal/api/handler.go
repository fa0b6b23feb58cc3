package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/db"
	"github.com/velora/herald/internal/engine"
	"github.com/velora/herald/internal/fanout"
	"github.com/velora/herald/internal/redis"
	"github.com/velora/herald/internal/retry"
)

// Repository defines the interface for the query and preference endpoints
type Repository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotifications(ctx context.Context, orgID, userID uuid.UUID, f db.NotificationFilter) ([]*db.Notification, error)
	CountUnread(ctx context.Context, orgID, userID uuid.UUID) (int, error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	DeleteNotification(ctx context.Context, id uuid.UUID) error

	GetDelivery(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)
	ListDeliveries(ctx context.Context, notificationID uuid.UUID) ([]*db.DeliveryRecord, error)
	MarkDeliveryClicked(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)
	MarkDeliveryRead(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)

	GetPreference(ctx context.Context, userID, orgID uuid.UUID, module string) (*db.UserPreference, error)
	UpsertPreference(ctx context.Context, p *db.UserPreference) error

	ListRules(ctx context.Context, orgID uuid.UUID) ([]*db.OrganizationRule, error)
	GetRule(ctx context.Context, orgID, ruleID uuid.UUID) (*db.OrganizationRule, error)
	SaveRule(ctx context.Context, rule *db.OrganizationRule) error
	DeleteRule(ctx context.Context, orgID, ruleID uuid.UUID) error
}

// Submitter accepts notification submissions; satisfied by *engine.Engine.
type Submitter interface {
	Submit(ctx context.Context, req *engine.Request) ([]uuid.UUID, error)
}

// Retrier schedules manual delivery retries; satisfied by *retry.Coordinator.
type Retrier interface {
	ScheduleRetry(ctx context.Context, id uuid.UUID) (bool, error)
	RetryBatch(ctx context.Context, ids []uuid.UUID) (succeeded, failed []uuid.UUID)
}

// Publisher emits fanout events for read/delete/click transitions.
type Publisher interface {
	Publish(ctx context.Context, event fanout.Event)
}

// SubmitResponse is returned after a successful submission
type SubmitResponse struct {
	IDs   []string `json:"ids"`
	Count int      `json:"count"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	submitter   Submitter
	retries     Retrier
	publisher   Publisher
	hub         *fanout.Hub
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler. idempotency may be nil, which
// disables Idempotency-Key replay.
func NewHandler(logger *zap.Logger, repo Repository, submitter Submitter, retries Retrier, publisher Publisher, hub *fanout.Hub, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		submitter:   submitter,
		retries:     retries,
		publisher:   publisher,
		hub:         hub,
		idempotency: idempotency,
	}
}

// SubmitNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SubmitNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.OrganizationID.String(), idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(SubmitResponse{IDs: cached.NotificationIDs, Count: len(cached.NotificationIDs)})
			return
		}
	}

	ids, err := h.submitter.Submit(ctx, &req)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification request", err.Error())
			return
		}
		h.logger.Error("failed to submit notification",
			zap.Error(err),
			zap.String("organization_id", req.OrganizationID.String()),
			zap.String("event_type", req.EventType),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to submit notification", "")
		return
	}

	resp := SubmitResponse{IDs: make([]string, 0, len(ids)), Count: len(ids)}
	for _, id := range ids {
		resp.IDs = append(resp.IDs, id.String())
	}

	// Store idempotency result
	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			NotificationIDs: resp.IDs,
			StatusCode:      http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, req.OrganizationID.String(), idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetNotification handles GET /v1/notifications/{id}
// The response includes the per-channel delivery records.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	notifID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	notif, err := h.repo.GetNotification(ctx, notifID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", notifID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	deliveries, err := h.repo.ListDeliveries(ctx, notifID)
	if err != nil {
		h.logger.Error("failed to list deliveries", zap.Error(err), zap.String("id", notifID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"notification": notif,
		"deliveries":   deliveries,
	})
}

// ListNotifications handles GET /v1/notifications?organization_id=xxx&user_id=xxx
// Optional filters: unread_only, priority, module, since, until, limit, offset.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, userID, ok := h.parseScope(w, r)
	if !ok {
		return
	}

	f := db.NotificationFilter{
		UnreadOnly: r.URL.Query().Get("unread_only") == "true",
		Priority:   r.URL.Query().Get("priority"),
		Module:     r.URL.Query().Get("module"),
	}

	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		t, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid since", "since must be an RFC3339 timestamp")
			return
		}
		f.Since = &t
	}
	if untilStr := r.URL.Query().Get("until"); untilStr != "" {
		t, err := time.Parse(time.RFC3339, untilStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid until", "until must be an RFC3339 timestamp")
			return
		}
		f.Until = &t
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			f.Limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			f.Offset = o
		}
	}

	notifications, err := h.repo.ListNotifications(ctx, orgID, userID, f)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("organization_id", orgID.String()),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  notifications,
		"count": len(notifications),
	})
}

// UnreadCount handles GET /v1/notifications/unread-count?organization_id=xxx&user_id=xxx
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, userID, ok := h.parseScope(w, r)
	if !ok {
		return
	}

	count, err := h.repo.CountUnread(ctx, orgID, userID)
	if err != nil {
		h.logger.Error("failed to count unread notifications",
			zap.Error(err),
			zap.String("organization_id", orgID.String()),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count unread notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"count": count})
}

// MarkRead handles POST /v1/notifications/{id}/read
// Marking is idempotent; repeat calls keep the original read timestamp. The
// in-app and push delivery records advance to read as a side effect.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	notifID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	notif, err := h.repo.MarkNotificationRead(ctx, notifID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to mark notification read", zap.Error(err), zap.String("id", notifID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notification read", "")
		return
	}

	// Advance delivery records that can still move to read. A record in a
	// state that cannot (pending, failed) is left alone.
	deliveries, err := h.repo.ListDeliveries(ctx, notifID)
	if err == nil {
		for _, d := range deliveries {
			if !db.CanTransition(d.Status, db.DeliveryRead) {
				continue
			}
			if _, err := h.repo.MarkDeliveryRead(ctx, d.ID); err != nil && !errors.Is(err, db.ErrInvalidTransition) {
				h.logger.Warn("failed to mark delivery read",
					zap.Error(err),
					zap.String("delivery_id", d.ID.String()),
				)
			}
		}
	}

	h.publisher.Publish(ctx, fanout.Event{
		Type:           fanout.EventNotificationRead,
		OrganizationID: notif.OrganizationID,
		UserID:         notif.UserID,
		NotificationID: notif.ID,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notif)
}

// DeleteNotification handles DELETE /v1/notifications/{id}
// Delivery history survives the delete for audit queries.
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	notifID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	notif, err := h.repo.GetNotification(ctx, notifID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", notifID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete notification", "")
		return
	}

	if err := h.repo.DeleteNotification(ctx, notifID); err != nil {
		h.logger.Error("failed to delete notification", zap.Error(err), zap.String("id", notifID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete notification", "")
		return
	}

	h.publisher.Publish(ctx, fanout.Event{
		Type:           fanout.EventNotificationDeleted,
		OrganizationID: notif.OrganizationID,
		UserID:         notif.UserID,
		NotificationID: notif.ID,
	})

	w.WriteHeader(http.StatusNoContent)
}

// ClickDelivery handles POST /v1/deliveries/{id}/click
func (h *Handler) ClickDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deliveryID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	rec, err := h.repo.MarkDeliveryClicked(ctx, deliveryID)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found", "")
		case errors.Is(err, db.ErrInvalidTransition):
			h.writeError(w, http.StatusConflict, "invalid_transition",
				"Delivery cannot be clicked", "only sent or delivered records accept clicks")
		default:
			h.logger.Error("failed to mark delivery clicked", zap.Error(err), zap.String("id", deliveryID.String()))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark delivery clicked", "")
		}
		return
	}

	if notif, err := h.repo.GetNotification(ctx, rec.NotificationID); err == nil {
		h.publisher.Publish(ctx, fanout.Event{
			Type:           fanout.EventDeliveryStatusChanged,
			OrganizationID: notif.OrganizationID,
			UserID:         notif.UserID,
			NotificationID: notif.ID,
			DeliveryID:     rec.ID,
			Channel:        rec.Channel,
			Status:         rec.Status,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rec)
}

// RetryDelivery handles POST /v1/deliveries/{id}/retry
func (h *Handler) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deliveryID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	scheduled, err := h.retries.ScheduleRetry(ctx, deliveryID)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found", "")
		case errors.Is(err, retry.ErrRetryLimitExceeded):
			h.writeError(w, http.StatusConflict, "retry_limit_exceeded",
				"Delivery has exhausted its retries", "")
		default:
			h.logger.Error("failed to schedule retry", zap.Error(err), zap.String("id", deliveryID.String()))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to schedule retry", "")
		}
		return
	}
	if !scheduled {
		h.writeError(w, http.StatusConflict, "invalid_transition",
			"Delivery is not in a retryable state", "only failed deliveries can be retried")
		return
	}

	h.logger.Info("manual retry scheduled", zap.String("delivery_id", deliveryID.String()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     deliveryID.String(),
		"status": "retry_scheduled",
	})
}

// RetryDeliveryBatch handles POST /v1/deliveries/retry with {"ids": [...]}
// Records that cannot be retried are reported, not fatal to the batch.
func (h *Handler) RetryDeliveryBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing ids", "ids must be a non-empty array of delivery IDs")
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, s := range req.IDs {
		id, err := uuid.Parse(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid delivery ID", "each id must be a valid UUID")
			return
		}
		ids = append(ids, id)
	}

	succeeded, failed := h.retries.RetryBatch(ctx, ids)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"succeeded": uuidStrings(succeeded),
		"failed":    uuidStrings(failed),
	})
}

// GetPreference handles GET /v1/preferences?organization_id=xxx&user_id=xxx&module=xxx
// A user without a stored preference gets the system default.
func (h *Handler) GetPreference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, userID, ok := h.parseScope(w, r)
	if !ok {
		return
	}
	module := r.URL.Query().Get("module")

	pref, err := h.repo.GetPreference(ctx, userID, orgID, module)
	if err != nil {
		h.logger.Error("failed to get preference",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get preference", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(pref)
}

// PutPreference handles PUT /v1/preferences
func (h *Handler) PutPreference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var pref db.UserPreference
	if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if pref.OrganizationID == uuid.Nil || pref.UserID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "organization_id and user_id are required")
		return
	}
	for ch := range pref.Channels {
		if !db.KnownChannel(ch) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown channel", "channel "+ch+" is not supported")
			return
		}
	}

	if err := h.repo.UpsertPreference(ctx, &pref); err != nil {
		h.logger.Error("failed to save preference",
			zap.Error(err),
			zap.String("user_id", pref.UserID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save preference", "")
		return
	}

	h.logger.Info("preference saved",
		zap.String("organization_id", pref.OrganizationID.String()),
		zap.String("user_id", pref.UserID.String()),
		zap.String("module", pref.Module),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(pref)
}

// ListRules handles GET /v1/rules?organization_id=xxx
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := h.parseOrgID(w, r)
	if !ok {
		return
	}

	rules, err := h.repo.ListRules(ctx, orgID)
	if err != nil {
		h.logger.Error("failed to list rules", zap.Error(err), zap.String("organization_id", orgID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list rules", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  rules,
		"count": len(rules),
	})
}

// GetRule handles GET /v1/rules/{id}?organization_id=xxx
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := h.parseOrgID(w, r)
	if !ok {
		return
	}
	ruleID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	rule, err := h.repo.GetRule(ctx, orgID, ruleID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Rule not found", "")
			return
		}
		h.logger.Error("failed to get rule", zap.Error(err), zap.String("id", ruleID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get rule", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rule)
}

// SaveRule handles POST /v1/rules and PUT /v1/rules/{id}
func (h *Handler) SaveRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule db.OrganizationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if rule.OrganizationID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing organization_id", "")
		return
	}
	for ch := range rule.ChannelDefaults {
		if !db.KnownChannel(ch) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown channel", "channel "+ch+" is not supported")
			return
		}
	}

	if idStr := chi.URLParam(r, "id"); idStr != "" {
		id, err := uuid.Parse(idStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid rule ID", "ID must be a valid UUID")
			return
		}
		rule.ID = id
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}

	if err := h.repo.SaveRule(ctx, &rule); err != nil {
		h.logger.Error("failed to save rule", zap.Error(err), zap.String("id", rule.ID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save rule", "")
		return
	}

	h.logger.Info("rule saved",
		zap.String("id", rule.ID.String()),
		zap.String("organization_id", rule.OrganizationID.String()),
		zap.String("module", rule.Module),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rule)
}

// DeleteRule handles DELETE /v1/rules/{id}?organization_id=xxx
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := h.parseOrgID(w, r)
	if !ok {
		return
	}
	ruleID, ok := h.parseID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.DeleteRule(ctx, orgID, ruleID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Rule not found", "")
			return
		}
		h.logger.Error("failed to delete rule", zap.Error(err), zap.String("id", ruleID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete rule", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseScope extracts and validates the organization_id and user_id query
// parameters shared by the list-style endpoints.
func (h *Handler) parseScope(w http.ResponseWriter, r *http.Request) (orgID, userID uuid.UUID, ok bool) {
	orgID, ok = h.parseOrgID(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}

	userIDStr := r.URL.Query().Get("user_id")
	if userIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return uuid.Nil, uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return uuid.Nil, uuid.Nil, false
	}
	return orgID, userID, true
}

func (h *Handler) parseOrgID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	orgIDStr := r.URL.Query().Get("organization_id")
	if orgIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing organization_id", "organization_id query parameter is required")
		return uuid.Nil, false
	}
	orgID, err := uuid.Parse(orgIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid organization_id", "organization_id must be a valid UUID")
		return uuid.Nil, false
	}
	return orgID, true
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
