package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/circuitbreaker"
	"github.com/velora/herald/internal/db"
	"github.com/velora/herald/internal/fanout"
	"github.com/velora/herald/internal/provider"
	"github.com/velora/herald/internal/template"
)

// fakeLedger records transitions with the same compare-and-set rules as the
// real repository.
type fakeLedger struct {
	mu      sync.Mutex
	records map[uuid.UUID]*db.DeliveryRecord
	members map[uuid.UUID]*db.OrgMember
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		records: make(map[uuid.UUID]*db.DeliveryRecord),
		members: make(map[uuid.UUID]*db.OrgMember),
	}
}

func (f *fakeLedger) add(channel string) *db.DeliveryRecord {
	rec := &db.DeliveryRecord{
		ID:         uuid.New(),
		Channel:    channel,
		Status:     db.DeliveryPending,
		MaxRetries: db.DefaultMaxRetries,
	}
	f.records[rec.ID] = rec
	return rec
}

func (f *fakeLedger) cas(id uuid.UUID, to string, mutate func(*db.DeliveryRecord)) (*db.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if !db.CanTransition(rec.Status, to) {
		return nil, db.ErrInvalidTransition
	}
	rec.Status = to
	mutate(rec)
	copied := *rec
	return &copied, nil
}

func (f *fakeLedger) MarkDeliverySent(ctx context.Context, id uuid.UUID, providerName string, latency time.Duration) (*db.DeliveryRecord, error) {
	return f.cas(id, db.DeliverySent, func(rec *db.DeliveryRecord) { rec.Provider = providerName })
}

func (f *fakeLedger) MarkDeliveryDelivered(ctx context.Context, id uuid.UUID, providerName string, latency time.Duration) (*db.DeliveryRecord, error) {
	return f.cas(id, db.DeliveryDelivered, func(rec *db.DeliveryRecord) { rec.Provider = providerName })
}

func (f *fakeLedger) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) (*db.DeliveryRecord, error) {
	return f.cas(id, db.DeliveryFailed, func(rec *db.DeliveryRecord) {
		rec.ErrorCode = errorCode
		rec.ErrorMessage = errorMessage
	})
}

func (f *fakeLedger) GetMember(ctx context.Context, orgID, userID uuid.UUID) (*db.OrgMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.members[userID]; ok {
		return m, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeLedger) get(id uuid.UUID) db.DeliveryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.records[id]
}

// fakeRenderer serves fixed content or an error.
type fakeRenderer struct {
	rendered *template.Rendered
	err      error
}

func (f *fakeRenderer) Render(ctx context.Context, orgID uuid.UUID, module, eventType, channel string, data map[string]string, locale string) (*template.Rendered, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rendered, nil
}

// fakeProvider captures what it was asked to send.
type fakeProvider struct {
	mu        sync.Mutex
	channel   string
	bodyLimit int
	delivered bool
	err       error
	block     chan struct{} // when set, Send waits until closed
	sent      []provider.Content
}

func (f *fakeProvider) Name() string       { return "fake-" + f.channel }
func (f *fakeProvider) Channel() string    { return f.channel }
func (f *fakeProvider) MaxBodyLength() int { return f.bodyLimit }

func (f *fakeProvider) Send(ctx context.Context, address string, content provider.Content) (*provider.Result, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, content)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Result{ProviderMessageID: "msg-1", Delivered: f.delivered}, nil
}

func (f *fakeProvider) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakePublisher collects fanout events.
type fakePublisher struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (f *fakePublisher) Publish(ctx context.Context, event fanout.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakePublisher) byType(eventType string) []fanout.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fanout.Event
	for _, e := range f.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeRetryScheduler struct {
	mu        sync.Mutex
	scheduled []uuid.UUID
}

func (f *fakeRetryScheduler) ScheduleAuto(ctx context.Context, rec *db.DeliveryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, rec.ID)
}

func testNotification() *db.Notification {
	return &db.Notification{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		UserID:         uuid.New(),
		Module:         "tasks",
		EventType:      "task.assigned",
		Title:          "Stored title",
		Body:           "Stored body",
		Priority:       db.PriorityNormal,
	}
}

func testDispatcher(ledger *fakeLedger, renderer Renderer, providers ...provider.Provider) (*Dispatcher, *fakePublisher, *fakeRetryScheduler) {
	pub := &fakePublisher{}
	rs := &fakeRetryScheduler{}
	d := New(ledger, renderer, provider.NewRegistry(providers...), pub, Config{Workers: 4, ProviderTimeout: 5 * time.Second}, zap.NewNop())
	d.SetRetryScheduler(rs)
	return d, pub, rs
}

func TestDispatchSuccessMarksSent(t *testing.T) {
	ledger := newFakeLedger()
	rec := ledger.add(db.ChannelEmail)
	prov := &fakeProvider{channel: db.ChannelEmail}
	renderer := &fakeRenderer{rendered: &template.Rendered{Title: "T", Body: "B"}}
	d, pub, _ := testDispatcher(ledger, renderer, prov)
	notif := testNotification()

	d.run(Job{
		Notification: notif,
		Delivery:     rec,
		Data:         map[string]string{"task_name": "Deploy"},
		Address:      "user@example.com",
	})

	got := ledger.get(rec.ID)
	if got.Status != db.DeliverySent {
		t.Fatalf("expected sent, got %s", got.Status)
	}
	if got.Provider != "fake-email" {
		t.Errorf("expected provider recorded, got %q", got.Provider)
	}

	events := pub.byType(fanout.EventDeliveryStatusChanged)
	if len(events) != 1 || events[0].Status != db.DeliverySent {
		t.Errorf("expected one sent event, got %+v", events)
	}
}

func TestDispatchDeliveredProvider(t *testing.T) {
	ledger := newFakeLedger()
	rec := ledger.add(db.ChannelInApp)
	prov := &fakeProvider{channel: db.ChannelInApp, delivered: true}
	renderer := &fakeRenderer{rendered: &template.Rendered{Title: "T", Body: "B"}}
	d, _, _ := testDispatcher(ledger, renderer, prov)

	d.run(Job{Notification: testNotification(), Delivery: rec, Data: map[string]string{}})

	if got := ledger.get(rec.ID); got.Status != db.DeliveryDelivered {
		t.Fatalf("expected delivered, got %s", got.Status)
	}
}

func TestDispatchFailureSchedulesRetry(t *testing.T) {
	ledger := newFakeLedger()
	rec := ledger.add(db.ChannelEmail)
	prov := &fakeProvider{channel: db.ChannelEmail, err: errors.New("smtp refused")}
	renderer := &fakeRenderer{rendered: &template.Rendered{Title: "T", Body: "B"}}
	d, pub, rs := testDispatcher(ledger, renderer, prov)

	d.run(Job{Notification: testNotification(), Delivery: rec, Data: map[string]string{}, Address: "user@example.com"})

	got := ledger.get(rec.ID)
	if got.Status != db.DeliveryFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ErrorCode != ErrCodeProviderError {
		t.Errorf("expected error code %s, got %s", ErrCodeProviderError, got.ErrorCode)
	}
	if len(rs.scheduled) != 1 {
		t.Errorf("expected auto retry to be scheduled, got %v", rs.scheduled)
	}

	events := pub.byType(fanout.EventDeliveryStatusChanged)
	if len(events) != 1 || events[0].Status != db.DeliveryFailed {
		t.Errorf("expected one failed event, got %+v", events)
	}
}

func TestDispatchErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  string
		wantRetry bool
	}{
		{"timeout", context.DeadlineExceeded, ErrCodeTimeout, true},
		{"circuit open", circuitbreaker.ErrCircuitOpen, ErrCodeCircuitOpen, true},
		{"invalid address", provider.ErrInvalidAddress, ErrCodeInvalidAddress, false},
		{"generic", errors.New("boom"), ErrCodeProviderError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newFakeLedger()
			rec := ledger.add(db.ChannelSMS)
			prov := &fakeProvider{channel: db.ChannelSMS, err: tt.err}
			renderer := &fakeRenderer{rendered: &template.Rendered{Title: "T", Body: "B"}}
			d, _, rs := testDispatcher(ledger, renderer, prov)

			d.run(Job{Notification: testNotification(), Delivery: rec, Data: map[string]string{}, Address: "+15550001111"})

			got := ledger.get(rec.ID)
			if got.ErrorCode != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, got.ErrorCode)
			}
			if (len(rs.scheduled) > 0) != tt.wantRetry {
				t.Errorf("retry scheduled = %v, want %v", len(rs.scheduled) > 0, tt.wantRetry)
			}
		})
	}
}

func TestDispatchNoProviderFailsPermanently(t *testing.T) {
	ledger := newFakeLedger()
	rec := ledger.add(db.ChannelWebhook)
	renderer := &fakeRenderer{rendered: &template.Rendered{Title: "T", Body: "B"}}
	d, _, rs := testDispatcher(ledger, renderer) // empty registry

	d.run(Job{Notification: testNotification(), Delivery: rec, Data: map[string]string{}})

	got := ledger.get(rec.ID)
	if got.Status != db.DeliveryFailed || got.ErrorCode != ErrCodeNoProvider {
		t.Errorf("expected no_provider failure, got %s/%s", got.Status, got.ErrorCode)
	}
	if len(rs.scheduled) != 0 {
		t.Error("missing provider must not schedule a retry")
	}
}

func TestDispatchFallbackOnMissingTemplate(t *testing.T) {
	ledger := newFakeLedger()
	rec := ledger.add(db.ChannelEmail)
	prov := &fakeProvider{channel: db.ChannelEmail}
	renderer := &fakeRenderer{err: template.ErrTemplateNotFound}
	d, _, _ := testDispatcher(ledger, renderer, prov)

	d.run(Job{
		Notification: testNotification(),
		Delivery:     rec,
		Data:         map[string]string{"title": "Build done", "message": "All green"},
		Address:      "user@example.com",
	})

	if prov.sentCount() != 1 {
		t.Fatal("expected a send despite the missing template")
	}
	sent := prov.sent[0]
	if sent.Title != "Build done" || sent.Body != "All green" {
		t.Errorf("expected payload fallback content, got %+v", sent)
	}
}

func TestDispatchMissingTemplateAndEmptyPayloadUsesStoredContent(t *testing.T) {
	ledger := newFakeLedger()
	rec := ledger.add(db.ChannelEmail)
	prov := &fakeProvider{channel: db.ChannelEmail}
	renderer := &fakeRenderer{err: template.ErrTemplateNotFound}
	d, _, _ := testDispatcher(ledger, renderer, prov)
	notif := testNotification()

	d.run(Job{Notification: notif, Delivery: rec, Data: map[string]string{"other": "x"}, Address: "user@example.com"})

	if prov.sentCount() != 1 {
		t.Fatal("expected a send")
	}
	if prov.sent[0].Title != notif.Title {
		t.Errorf("expected stored title, got %q", prov.sent[0].Title)
	}
}

func TestDispatchTruncatesToChannelLimit(t *testing.T) {
	ledger := newFakeLedger()
	rec := ledger.add(db.ChannelSMS)
	prov := &fakeProvider{channel: db.ChannelSMS, bodyLimit: 20}
	renderer := &fakeRenderer{rendered: &template.Rendered{
		Title: "T",
		Body:  strings.Repeat("long ", 20),
	}}
	d, _, _ := testDispatcher(ledger, renderer, prov)

	d.run(Job{Notification: testNotification(), Delivery: rec, Data: map[string]string{}, Address: "+15550001111"})

	if prov.sentCount() != 1 {
		t.Fatal("expected a send")
	}
	if n := len([]rune(prov.sent[0].Body)); n > 20 {
		t.Errorf("body exceeds channel limit: %d runes", n)
	}
}

func TestDispatchRetryReusesStoredContent(t *testing.T) {
	ledger := newFakeLedger()
	rec := ledger.add(db.ChannelEmail)
	prov := &fakeProvider{channel: db.ChannelEmail}
	// A renderer error on retries would be a bug: retries carry no payload
	// and must never re-render.
	renderer := &fakeRenderer{err: errors.New("must not be called")}
	d, _, _ := testDispatcher(ledger, renderer, prov)
	notif := testNotification()

	d.run(Job{Notification: notif, Delivery: rec, Address: "user@example.com"})

	if prov.sentCount() != 1 {
		t.Fatal("expected a send")
	}
	if prov.sent[0].Title != notif.Title || prov.sent[0].Body != notif.Body {
		t.Errorf("retry should reuse stored content, got %+v", prov.sent[0])
	}
}

func TestDispatchResolvesAddressFromDirectory(t *testing.T) {
	ledger := newFakeLedger()
	rec := ledger.add(db.ChannelEmail)
	notif := testNotification()
	ledger.members[notif.UserID] = &db.OrgMember{
		UserID:    notif.UserID,
		Addresses: map[string]string{db.ChannelEmail: "dir@example.com"},
	}
	prov := &fakeProvider{channel: db.ChannelEmail}
	renderer := &fakeRenderer{rendered: &template.Rendered{Title: "T", Body: "B"}}
	d, _, _ := testDispatcher(ledger, renderer, prov)

	d.run(Job{Notification: notif, Delivery: rec, Data: map[string]string{}})

	if got := ledger.get(rec.ID); got.Status != db.DeliverySent {
		t.Fatalf("expected sent, got %s", got.Status)
	}
}

func TestSlowChannelDoesNotBlockOthers(t *testing.T) {
	ledger := newFakeLedger()
	slowRec := ledger.add(db.ChannelWebhook)
	fastRec := ledger.add(db.ChannelInApp)

	gate := make(chan struct{})
	slow := &fakeProvider{channel: db.ChannelWebhook, block: gate}
	fast := &fakeProvider{channel: db.ChannelInApp, delivered: true}
	renderer := &fakeRenderer{rendered: &template.Rendered{Title: "T", Body: "B"}}
	d, _, _ := testDispatcher(ledger, renderer, slow, fast)
	notif := testNotification()

	d.DispatchAll(notif, []*db.DeliveryRecord{slowRec, fastRec}, map[string]string{}, "en", map[string]string{db.ChannelWebhook: "https://example.com/hook"})

	// The fast channel must complete while the slow one is still blocked.
	deadline := time.After(2 * time.Second)
	for ledger.get(fastRec.ID).Status != db.DeliveryDelivered {
		select {
		case <-deadline:
			t.Fatal("fast channel did not complete while slow channel was blocked")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	if got := ledger.get(slowRec.ID); got.Status != db.DeliveryPending {
		t.Fatalf("slow channel should still be pending, got %s", got.Status)
	}

	close(gate)
	d.Close()

	if got := ledger.get(slowRec.ID); got.Status != db.DeliverySent {
		t.Fatalf("slow channel should complete after unblock, got %s", got.Status)
	}
}
