// Package policy resolves the effective delivery policy for a notification:
// who receives it (organization rule targeting) and over which channels
// (quiet hours, user preferences, org channel defaults, rate limits).
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/db"
	"github.com/velora/herald/internal/metrics"
)

// Store is the slice of the ledger the evaluator reads.
type Store interface {
	GetPreference(ctx context.Context, userID, orgID uuid.UUID, module string) (*db.UserPreference, error)
	ListEnabledRules(ctx context.Context, orgID uuid.UUID, module string) ([]*db.OrganizationRule, error)
	GetMember(ctx context.Context, orgID, userID uuid.UUID) (*db.OrgMember, error)
	ListMembersByRole(ctx context.Context, orgID uuid.UUID, roles []string) ([]*db.OrgMember, error)
	ListAssignedUsers(ctx context.Context, orgID uuid.UUID, entityType, entityID string) ([]uuid.UUID, error)
}

// RateLimiter counts deliveries per user and channel within a rolling window.
type RateLimiter interface {
	AllowLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// ResolvedRecipient is one recipient with the channels that survived policy
// evaluation. AllowedChannels may be empty: the notification is still recorded
// for history, it just triggers no delivery.
type ResolvedRecipient struct {
	UserID          uuid.UUID
	AllowedChannels []string
	Locale          string
	// Addresses maps channel -> recipient address, from the org directory.
	Addresses map[string]string
}

// Evaluator merges organization rules, user preferences, quiet hours and rate
// limits into per-recipient channel decisions.
type Evaluator struct {
	store   Store
	limiter RateLimiter // nil disables delivery rate limiting
	logger  *zap.Logger
	now     func() time.Time
}

// NewEvaluator creates a policy evaluator.
func NewEvaluator(store Store, limiter RateLimiter, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		store:   store,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

// ResolveAudience expands a broadcast (no explicit recipient) into the users
// targeted by the organization's enabled rules for this module and event.
// The audience is the union of explicit user lists, role selectors, and
// entity assignments. No matching rule or no matching user is a valid
// "nobody to notify" outcome, not an error.
func (e *Evaluator) ResolveAudience(ctx context.Context, orgID uuid.UUID, module, eventType, entityType, entityID string) ([]uuid.UUID, error) {
	rules, err := e.store.ListEnabledRules(ctx, orgID, module)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	seen := make(map[uuid.UUID]bool)
	var audience []uuid.UUID
	add := func(id uuid.UUID) {
		if !seen[id] {
			seen[id] = true
			audience = append(audience, id)
		}
	}

	for _, rule := range rules {
		if rule.EventType != "" && rule.EventType != eventType {
			continue
		}

		for _, id := range rule.Conditions.UserIDs {
			add(id)
		}

		if len(rule.Conditions.Roles) > 0 {
			members, err := e.store.ListMembersByRole(ctx, orgID, rule.Conditions.Roles)
			if err != nil {
				return nil, fmt.Errorf("list members by role: %w", err)
			}
			for _, m := range members {
				add(m.UserID)
			}
		}

		if rule.Conditions.AssignedOnly && entityType != "" && entityID != "" {
			assigned, err := e.store.ListAssignedUsers(ctx, orgID, entityType, entityID)
			if err != nil {
				return nil, fmt.Errorf("list assigned users: %w", err)
			}
			for _, id := range assigned {
				add(id)
			}
		}
	}

	return audience, nil
}

// Resolve evaluates the effective channels per candidate. Requested channels
// narrow the starting set; quiet hours (below urgent) suppress everything,
// then per-channel toggles and rate limits filter what remains.
func (e *Evaluator) Resolve(ctx context.Context, orgID uuid.UUID, candidates []uuid.UUID, module, eventType, priority string, requested []string) ([]ResolvedRecipient, error) {
	rules, err := e.store.ListEnabledRules(ctx, orgID, module)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	orgDefaults := mergeChannelDefaults(rules, eventType)

	if len(requested) == 0 {
		requested = db.AllChannels
	}

	recipients := make([]ResolvedRecipient, 0, len(candidates))
	for _, userID := range candidates {
		recipient, err := e.resolveOne(ctx, orgID, userID, module, eventType, priority, requested, orgDefaults)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *recipient)
	}
	return recipients, nil
}

func (e *Evaluator) resolveOne(ctx context.Context, orgID, userID uuid.UUID, module, eventType, priority string, requested []string, orgDefaults map[string]bool) (*ResolvedRecipient, error) {
	pref, err := e.store.GetPreference(ctx, userID, orgID, module)
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}

	recipient := &ResolvedRecipient{
		UserID:    userID,
		Locale:    db.DefaultLocale,
		Addresses: map[string]string{},
	}
	if member, err := e.store.GetMember(ctx, orgID, userID); err == nil {
		if member.Locale != "" {
			recipient.Locale = member.Locale
		}
		recipient.Addresses = member.Addresses
	}

	// Quiet hours suppress every channel for sub-urgent events. The
	// notification is still recorded; it just triggers no delivery.
	if !db.PriorityAtLeast(priority, db.PriorityUrgent) && e.inQuietHours(pref.QuietHours) {
		e.logger.Debug("quiet hours suppression",
			zap.String("user_id", userID.String()),
			zap.String("module", module),
			zap.String("priority", priority),
		)
		for _, ch := range requested {
			metrics.RecordChannelSuppressed(ch, "quiet_hours")
		}
		recipient.AllowedChannels = []string{}
		return recipient, nil
	}

	allowed := make([]string, 0, len(requested))
	for _, ch := range requested {
		if !db.KnownChannel(ch) {
			continue
		}
		if !channelEnabled(ch, eventType, pref, orgDefaults) {
			metrics.RecordChannelSuppressed(ch, "preference")
			continue
		}
		if !e.withinRateLimit(ctx, orgID, userID, ch, pref) {
			e.logger.Info("channel rate_limited",
				zap.String("user_id", userID.String()),
				zap.String("channel", ch),
				zap.String("event_type", eventType),
			)
			metrics.RecordChannelSuppressed(ch, "rate_limited")
			continue
		}
		allowed = append(allowed, ch)
	}

	recipient.AllowedChannels = allowed
	return recipient, nil
}

// channelEnabled applies the per-channel precedence: the user's event-category
// override wins, then the user's channel toggle, then the organization rule
// default, then the system default (in-app on, everything else off).
func channelEnabled(ch, eventType string, pref *db.UserPreference, orgDefaults map[string]bool) bool {
	if overrides, ok := pref.EventOverrides[eventType]; ok {
		if enabled, ok := overrides[ch]; ok {
			return enabled
		}
	}
	if enabled, ok := pref.Channels[ch]; ok {
		return enabled
	}
	if enabled, ok := orgDefaults[ch]; ok {
		return enabled
	}
	return ch == db.ChannelInApp
}

// withinRateLimit checks and consumes one slot of the user's rolling window
// for the channel. Urgent priority never bypasses this; limits exist to stop
// flooding regardless of labeling. A limiter error fails open: delivery beats
// perfectly exact limiting.
func (e *Evaluator) withinRateLimit(ctx context.Context, orgID, userID uuid.UUID, ch string, pref *db.UserPreference) bool {
	if e.limiter == nil {
		return true
	}
	rl, ok := pref.RateLimits[ch]
	if !ok || rl.Limit <= 0 || rl.WindowSeconds <= 0 {
		return true
	}

	key := fmt.Sprintf("delivery:%s:%s:%s", orgID, userID, ch)
	allowed, err := e.limiter.AllowLimit(ctx, key, rl.Limit, time.Duration(rl.WindowSeconds)*time.Second)
	if err != nil {
		e.logger.Warn("rate limit check failed, allowing delivery", zap.Error(err))
		return true
	}
	return allowed
}

// mergeChannelDefaults folds the matching rules' channel defaults, lowest
// priority weight first so higher-weight rules win per channel.
func mergeChannelDefaults(rules []*db.OrganizationRule, eventType string) map[string]bool {
	defaults := make(map[string]bool)
	// rules arrive highest weight first; iterate backwards so the highest
	// weight writes last.
	for i := len(rules) - 1; i >= 0; i-- {
		rule := rules[i]
		if rule.EventType != "" && rule.EventType != eventType {
			continue
		}
		for ch, enabled := range rule.ChannelDefaults {
			defaults[ch] = enabled
		}
	}
	return defaults
}

// inQuietHours reports whether the user's local time falls inside the
// configured window. Windows may wrap midnight. Unparseable configuration
// fails open: a broken timezone never silences a user's notifications.
func (e *Evaluator) inQuietHours(qh db.QuietHours) bool {
	if !qh.Enabled || qh.Start == "" || qh.End == "" {
		return false
	}

	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		e.logger.Warn("invalid quiet hours timezone", zap.String("timezone", qh.Timezone))
		return false
	}

	start, err := parseClock(qh.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(qh.End)
	if err != nil {
		return false
	}

	now := e.now().In(loc)
	minutes := now.Hour()*60 + now.Minute()

	if start == end {
		return false
	}
	if start < end {
		return minutes >= start && minutes < end
	}
	// Wrapping window, e.g. 22:00-07:00.
	return minutes >= start || minutes < end
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
