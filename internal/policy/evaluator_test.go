package policy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/db"
)

// fakeStore serves canned preferences, rules and members.
type fakeStore struct {
	prefs    map[uuid.UUID]*db.UserPreference
	rules    []*db.OrganizationRule
	members  map[uuid.UUID]*db.OrgMember
	byRole   map[string][]*db.OrgMember
	assigned []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		prefs:   make(map[uuid.UUID]*db.UserPreference),
		members: make(map[uuid.UUID]*db.OrgMember),
		byRole:  make(map[string][]*db.OrgMember),
	}
}

func (f *fakeStore) GetPreference(ctx context.Context, userID, orgID uuid.UUID, module string) (*db.UserPreference, error) {
	if pref, ok := f.prefs[userID]; ok {
		return pref, nil
	}
	return db.DefaultPreference(userID, orgID, module), nil
}

func (f *fakeStore) ListEnabledRules(ctx context.Context, orgID uuid.UUID, module string) ([]*db.OrganizationRule, error) {
	return f.rules, nil
}

func (f *fakeStore) GetMember(ctx context.Context, orgID, userID uuid.UUID) (*db.OrgMember, error) {
	if m, ok := f.members[userID]; ok {
		return m, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) ListMembersByRole(ctx context.Context, orgID uuid.UUID, roles []string) ([]*db.OrgMember, error) {
	var out []*db.OrgMember
	for _, role := range roles {
		out = append(out, f.byRole[role]...)
	}
	return out, nil
}

func (f *fakeStore) ListAssignedUsers(ctx context.Context, orgID uuid.UUID, entityType, entityID string) ([]uuid.UUID, error) {
	return f.assigned, nil
}

// fakeLimiter denies listed keys and allows everything else.
type fakeLimiter struct {
	denied map[string]bool
	calls  int
}

func (f *fakeLimiter) AllowLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	f.calls++
	return !f.denied[key], nil
}

// at pins the evaluator's clock to a fixed UTC wall time.
func at(e *Evaluator, hour, minute int) {
	e.now = func() time.Time {
		return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
	}
}

func TestResolveQuietHoursSuppression(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()

	store := newFakeStore()
	store.prefs[userID] = &db.UserPreference{
		UserID:         userID,
		OrganizationID: orgID,
		Channels:       map[string]bool{db.ChannelInApp: true, db.ChannelSMS: true},
		QuietHours: db.QuietHours{
			Enabled:  true,
			Start:    "22:00",
			End:      "07:00",
			Timezone: "UTC",
		},
	}

	e := NewEvaluator(store, nil, zap.NewNop())

	tests := []struct {
		name     string
		hour     int
		priority string
		wantAny  bool
	}{
		{"normal at 23:00 suppressed", 23, db.PriorityNormal, false},
		{"normal at 02:00 suppressed by wrap", 2, db.PriorityNormal, false},
		{"high at 23:00 suppressed", 23, db.PriorityHigh, false},
		{"urgent at 23:00 delivered", 23, db.PriorityUrgent, true},
		{"critical at 23:00 delivered", 23, db.PriorityCritical, true},
		{"normal at 12:00 delivered", 12, db.PriorityNormal, true},
		{"normal at 07:00 delivered at window end", 7, db.PriorityNormal, true},
		{"normal at 22:00 suppressed at window start", 22, db.PriorityNormal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at(e, tt.hour, 0)
			recipients, err := e.Resolve(context.Background(), orgID, []uuid.UUID{userID}, "tasks", "task.assigned", tt.priority, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(recipients) != 1 {
				t.Fatalf("expected 1 recipient, got %d", len(recipients))
			}
			gotAny := len(recipients[0].AllowedChannels) > 0
			if gotAny != tt.wantAny {
				t.Errorf("allowed channels = %v, wantAny = %v", recipients[0].AllowedChannels, tt.wantAny)
			}
		})
	}
}

func TestChannelEnabledPrecedence(t *testing.T) {
	pref := &db.UserPreference{
		Channels: map[string]bool{
			db.ChannelEmail: true,
			db.ChannelSMS:   false,
		},
		EventOverrides: map[string]map[string]bool{
			"task.assigned": {
				db.ChannelEmail: false, // override beats the toggle
				db.ChannelSMS:   true,
			},
		},
	}
	orgDefaults := map[string]bool{
		db.ChannelPush:  true,
		db.ChannelEmail: false, // loses to the user toggle
	}

	tests := []struct {
		name      string
		channel   string
		eventType string
		want      bool
	}{
		{"event override disables email", db.ChannelEmail, "task.assigned", false},
		{"event override enables sms", db.ChannelSMS, "task.assigned", true},
		{"user toggle wins without override", db.ChannelEmail, "task.completed", true},
		{"user toggle disables sms without override", db.ChannelSMS, "task.completed", false},
		{"org default applies when user silent", db.ChannelPush, "task.completed", true},
		{"system default enables in_app", db.ChannelInApp, "task.completed", true},
		{"system default disables webhook", db.ChannelWebhook, "task.completed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := channelEnabled(tt.channel, tt.eventType, pref, orgDefaults); got != tt.want {
				t.Errorf("channelEnabled(%s, %s) = %v, want %v", tt.channel, tt.eventType, got, tt.want)
			}
		})
	}
}

func TestResolveRateLimitSuppressesChannel(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()

	store := newFakeStore()
	store.prefs[userID] = &db.UserPreference{
		UserID:         userID,
		OrganizationID: orgID,
		Channels:       map[string]bool{db.ChannelInApp: true, db.ChannelEmail: true},
		RateLimits: map[string]db.RateLimit{
			db.ChannelEmail: {Limit: 10, WindowSeconds: 3600},
		},
	}

	limiter := &fakeLimiter{denied: map[string]bool{
		"delivery:" + orgID.String() + ":" + userID.String() + ":" + db.ChannelEmail: true,
	}}
	e := NewEvaluator(store, limiter, zap.NewNop())

	recipients, err := e.Resolve(context.Background(), orgID, []uuid.UUID{userID}, "tasks", "task.assigned", db.PriorityNormal, []string{db.ChannelInApp, db.ChannelEmail})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := recipients[0].AllowedChannels
	if len(got) != 1 || got[0] != db.ChannelInApp {
		t.Errorf("expected only in_app to survive, got %v", got)
	}
}

func TestResolveUrgentDoesNotBypassRateLimit(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()

	store := newFakeStore()
	store.prefs[userID] = &db.UserPreference{
		UserID:         userID,
		OrganizationID: orgID,
		Channels:       map[string]bool{db.ChannelSMS: true},
		RateLimits: map[string]db.RateLimit{
			db.ChannelSMS: {Limit: 1, WindowSeconds: 60},
		},
	}

	limiter := &fakeLimiter{denied: map[string]bool{
		"delivery:" + orgID.String() + ":" + userID.String() + ":" + db.ChannelSMS: true,
	}}
	e := NewEvaluator(store, limiter, zap.NewNop())

	recipients, err := e.Resolve(context.Background(), orgID, []uuid.UUID{userID}, "tasks", "task.assigned", db.PriorityUrgent, []string{db.ChannelSMS})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recipients[0].AllowedChannels) != 0 {
		t.Errorf("urgent priority must not bypass the rate limit, got %v", recipients[0].AllowedChannels)
	}
}

func TestResolveMemberLocaleAndAddresses(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()

	store := newFakeStore()
	store.members[userID] = &db.OrgMember{
		UserID: userID,
		Locale: "fr",
		Addresses: map[string]string{
			db.ChannelEmail: "user@example.com",
			db.ChannelSMS:   "+33123456789",
		},
	}

	e := NewEvaluator(store, nil, zap.NewNop())

	recipients, err := e.Resolve(context.Background(), orgID, []uuid.UUID{userID}, "tasks", "task.assigned", db.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recipients[0].Locale != "fr" {
		t.Errorf("expected locale fr, got %s", recipients[0].Locale)
	}
	if recipients[0].Addresses[db.ChannelEmail] != "user@example.com" {
		t.Errorf("expected email address to be resolved, got %v", recipients[0].Addresses)
	}
}

func TestResolveAudienceUnionAndDedup(t *testing.T) {
	orgID := uuid.New()
	alice := uuid.New()
	bob := uuid.New()
	carol := uuid.New()

	store := newFakeStore()
	store.byRole["admin"] = []*db.OrgMember{{UserID: bob}, {UserID: alice}}
	store.assigned = []uuid.UUID{carol, alice}
	store.rules = []*db.OrganizationRule{
		{
			ID:        uuid.New(),
			EventType: "",
			Conditions: db.RuleConditions{
				UserIDs: []uuid.UUID{alice},
				Roles:   []string{"admin"},
			},
		},
		{
			ID:         uuid.New(),
			EventType:  "task.assigned",
			Conditions: db.RuleConditions{AssignedOnly: true},
		},
	}

	e := NewEvaluator(store, nil, zap.NewNop())

	audience, err := e.ResolveAudience(context.Background(), orgID, "tasks", "task.assigned", "task", "t-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audience) != 3 {
		t.Fatalf("expected 3 unique users, got %d: %v", len(audience), audience)
	}

	seen := map[uuid.UUID]bool{}
	for _, id := range audience {
		if seen[id] {
			t.Errorf("duplicate user in audience: %s", id)
		}
		seen[id] = true
	}
	for _, want := range []uuid.UUID{alice, bob, carol} {
		if !seen[want] {
			t.Errorf("user %s missing from audience", want)
		}
	}
}

func TestResolveAudienceEventTypeScoping(t *testing.T) {
	orgID := uuid.New()
	dave := uuid.New()

	store := newFakeStore()
	store.rules = []*db.OrganizationRule{
		{
			ID:         uuid.New(),
			EventType:  "task.completed",
			Conditions: db.RuleConditions{UserIDs: []uuid.UUID{dave}},
		},
	}

	e := NewEvaluator(store, nil, zap.NewNop())

	audience, err := e.ResolveAudience(context.Background(), orgID, "tasks", "task.assigned", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audience) != 0 {
		t.Errorf("rule for another event type must not match, got %v", audience)
	}
}

func TestResolveAudienceNoRulesIsEmpty(t *testing.T) {
	e := NewEvaluator(newFakeStore(), nil, zap.NewNop())

	audience, err := e.ResolveAudience(context.Background(), uuid.New(), "tasks", "task.assigned", "", "")
	if err != nil {
		t.Fatalf("no rules should not be an error, got %v", err)
	}
	if len(audience) != 0 {
		t.Errorf("expected empty audience, got %v", audience)
	}
}

func TestMergeChannelDefaultsHighestWeightWins(t *testing.T) {
	// ListEnabledRules orders by priority_weight descending, so the first
	// rule here is the heaviest.
	rules := []*db.OrganizationRule{
		{PriorityWeight: 10, ChannelDefaults: map[string]bool{db.ChannelEmail: false}},
		{PriorityWeight: 1, ChannelDefaults: map[string]bool{db.ChannelEmail: true, db.ChannelPush: true}},
	}

	defaults := mergeChannelDefaults(rules, "task.assigned")
	if defaults[db.ChannelEmail] {
		t.Error("heavier rule should win for email")
	}
	if !defaults[db.ChannelPush] {
		t.Error("push default from the lighter rule should survive")
	}
}

func TestInQuietHoursEdgeCases(t *testing.T) {
	e := NewEvaluator(newFakeStore(), nil, zap.NewNop())
	at(e, 23, 0)

	if e.inQuietHours(db.QuietHours{Enabled: false, Start: "22:00", End: "07:00", Timezone: "UTC"}) {
		t.Error("disabled quiet hours should never suppress")
	}
	if e.inQuietHours(db.QuietHours{Enabled: true, Start: "22:00", End: "22:00", Timezone: "UTC"}) {
		t.Error("zero-length window should never suppress")
	}
	if e.inQuietHours(db.QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "Mars/Olympus"}) {
		t.Error("unknown timezone should fail open")
	}
	if !e.inQuietHours(db.QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "UTC"}) {
		t.Error("23:00 should be inside a 22:00-07:00 window")
	}
}
