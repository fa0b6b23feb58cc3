package db

import (
	"time"

	"github.com/google/uuid"
)

// Channel constants — the delivery mediums the engine knows about.
const (
	ChannelInApp   = "in_app"
	ChannelPush    = "push"
	ChannelSMS     = "sms"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// AllChannels lists every known channel in a stable order.
var AllChannels = []string{ChannelInApp, ChannelPush, ChannelSMS, ChannelEmail, ChannelWebhook}

// KnownChannel reports whether ch is a channel the engine can dispatch to.
func KnownChannel(ch string) bool {
	for _, c := range AllChannels {
		if c == ch {
			return true
		}
	}
	return false
}

// Priority constants, lowest to highest.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityUrgent   = "urgent"
	PriorityCritical = "critical"
)

var priorityRank = map[string]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityUrgent:   3,
	PriorityCritical: 4,
}

// NormalizePriority maps unknown priority labels to "normal" instead of
// rejecting them. Returns the normalized value and whether the input was known.
func NormalizePriority(p string) (string, bool) {
	if p == "" {
		return PriorityNormal, true
	}
	if _, ok := priorityRank[p]; ok {
		return p, true
	}
	return PriorityNormal, false
}

// PriorityAtLeast reports whether priority p ranks at or above min.
func PriorityAtLeast(p, min string) bool {
	return priorityRank[p] >= priorityRank[min]
}

// Delivery status constants. Transitions only move forward:
//
//	pending -> sent -> delivered -> clicked -> read
//	pending/sent -> failed
//	failed -> pending (retry coordinator only, retry_count incremented)
const (
	DeliveryPending   = "pending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryClicked   = "clicked"
	DeliveryRead      = "read"
	DeliveryFailed    = "failed"
)

var deliveryOrder = map[string]int{
	DeliveryPending:   0,
	DeliverySent:      1,
	DeliveryDelivered: 2,
	DeliveryClicked:   3,
	DeliveryRead:      4,
}

// CanTransition reports whether a delivery record may move from one status to
// the next. Failure is reachable from pending and sent only; leaving failed
// goes through the retry coordinator, which resets to pending explicitly.
func CanTransition(from, to string) bool {
	if to == DeliveryFailed {
		return from == DeliveryPending || from == DeliverySent
	}
	if from == DeliveryFailed {
		return false
	}
	fromRank, okFrom := deliveryOrder[from]
	toRank, okTo := deliveryOrder[to]
	return okFrom && okTo && toRank > fromRank
}

// DefaultMaxRetries bounds automatic redelivery attempts per record.
const DefaultMaxRetries = 3

// Notification is the persisted per-recipient row. It is created exactly once
// per recipient per Submit and never touched by the dispatcher; delivery state
// lives in DeliveryRecord.
type Notification struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Module         string     `json:"module"`
	EventType      string     `json:"event_type"`
	EntityType     string     `json:"entity_type,omitempty"`
	EntityID       string     `json:"entity_id,omitempty"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	ActionURL      string     `json:"action_url,omitempty"`
	Priority       string     `json:"priority"`
	TargetChannels []string   `json:"target_channels"`
	IsRead         bool       `json:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DeliveryRecord tracks one channel's delivery lifecycle for a notification.
// One row per notification x channel; retries increment RetryCount on the same
// row rather than inserting a new one.
type DeliveryRecord struct {
	ID             uuid.UUID  `json:"id"`
	NotificationID uuid.UUID  `json:"notification_id"`
	Channel        string     `json:"channel"`
	Status         string     `json:"status"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ClickedAt      *time.Time `json:"clicked_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	LatencyMs      *int64     `json:"latency_ms,omitempty"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	Provider       string     `json:"provider,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Cost           *float64   `json:"cost,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// QuietHours is a local-time suppression window. Start and End are "HH:MM"
// strings; a window may wrap midnight (22:00-07:00).
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// RateLimit caps deliveries per channel within a rolling window.
type RateLimit struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"window_seconds"`
}

// UserPreference holds a user's delivery policy for one module within an
// organization. Created lazily with defaults on first read.
type UserPreference struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Module         string    `json:"module"`
	// Channels maps channel name -> enabled.
	Channels map[string]bool `json:"channels"`
	// EventOverrides maps event category -> channel -> enabled, taking
	// precedence over Channels for matching events.
	EventOverrides map[string]map[string]bool `json:"event_overrides,omitempty"`
	QuietHours     QuietHours                 `json:"quiet_hours"`
	// RateLimits maps channel name -> rolling-window cap.
	RateLimits map[string]RateLimit `json:"rate_limits,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// DefaultPreference returns the system default policy: in-app always on, the
// other channels per the platform defaults, no quiet hours, no rate limits.
func DefaultPreference(userID, orgID uuid.UUID, module string) *UserPreference {
	return &UserPreference{
		ID:             uuid.New(),
		UserID:         userID,
		OrganizationID: orgID,
		Module:         module,
		Channels: map[string]bool{
			ChannelInApp:   true,
			ChannelPush:    true,
			ChannelSMS:     false,
			ChannelEmail:   true,
			ChannelWebhook: false,
		},
	}
}

// RuleConditions describes who an organization rule targets. Audience
// resolution is the union of the selectors; empty conditions match nobody.
type RuleConditions struct {
	Roles        []string    `json:"roles,omitempty"`
	UserIDs      []uuid.UUID `json:"user_ids,omitempty"`
	AssignedOnly bool        `json:"assigned_only,omitempty"`
}

// OrganizationRule is an admin-owned targeting and channel-default rule scoped
// to (organization, module).
type OrganizationRule struct {
	ID             uuid.UUID      `json:"id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	Module         string         `json:"module"`
	EventType      string         `json:"event_type,omitempty"` // empty = all events in module
	Conditions     RuleConditions `json:"conditions"`
	// ChannelDefaults maps channel -> enabled for users with no explicit toggle.
	ChannelDefaults map[string]bool `json:"channel_defaults,omitempty"`
	PriorityWeight  int             `json:"priority_weight"`
	Enabled         bool            `json:"enabled"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TemplateContent is one channel's renderable content with {{var}} placeholders.
type TemplateContent struct {
	Title     string `json:"title,omitempty"`
	Body      string `json:"body"`
	ActionURL string `json:"action_url,omitempty"`
}

// Template is keyed by (module, event_type, locale); OrganizationID is nil for
// system defaults and set for org-specific overrides.
type Template struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	Module         string     `json:"module"`
	EventType      string     `json:"event_type"`
	Locale         string     `json:"locale"`
	// Contents maps channel name -> content definition.
	Contents  map[string]TemplateContent `json:"contents"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// OrgMember is the minimal directory row the rule evaluator needs for
// role-based targeting and recipient addressing. Identity management itself
// lives outside the engine.
type OrgMember struct {
	UserID         uuid.UUID `json:"user_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Role           string    `json:"role"`
	Locale         string    `json:"locale"`
	// Addresses maps channel -> recipient address (email, phone number, device
	// endpoint ARN, webhook URL). In-app needs no address.
	Addresses map[string]string `json:"addresses,omitempty"`
}
