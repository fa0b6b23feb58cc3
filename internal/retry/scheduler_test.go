package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/db"
)

type fakeClaimLedger struct {
	mu     sync.Mutex
	due    []*db.DueRetry
	err    error
	claims int
}

func (f *fakeClaimLedger) ClaimDueRetries(ctx context.Context, limit int) ([]*db.DueRetry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.due) > limit {
		batch := f.due[:limit]
		f.due = f.due[limit:]
		return batch, nil
	}
	batch := f.due
	f.due = nil
	return batch, nil
}

type fakeRedispatcher struct {
	mu   sync.Mutex
	jobs []uuid.UUID
}

func (f *fakeRedispatcher) Redispatch(notif *db.Notification, rec *db.DeliveryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, rec.ID)
}

func dueRetry() *db.DueRetry {
	notifID := uuid.New()
	return &db.DueRetry{
		Notification: &db.Notification{ID: notifID},
		Delivery: &db.DeliveryRecord{
			ID:             uuid.New(),
			NotificationID: notifID,
			Channel:        db.ChannelEmail,
			Status:         db.DeliveryPending,
			RetryCount:     1,
		},
	}
}

func TestSchedulerTickRedispatchesClaimed(t *testing.T) {
	ledger := &fakeClaimLedger{due: []*db.DueRetry{dueRetry(), dueRetry()}}
	dispatcher := &fakeRedispatcher{}
	s := NewScheduler(ledger, dispatcher, SchedulerConfig{PollInterval: time.Hour, BatchSize: 10}, zap.NewNop())

	s.tick(context.Background())

	if len(dispatcher.jobs) != 2 {
		t.Fatalf("expected 2 re-dispatches, got %d", len(dispatcher.jobs))
	}
}

func TestSchedulerTickRespectsBatchSize(t *testing.T) {
	ledger := &fakeClaimLedger{due: []*db.DueRetry{dueRetry(), dueRetry(), dueRetry()}}
	dispatcher := &fakeRedispatcher{}
	s := NewScheduler(ledger, dispatcher, SchedulerConfig{PollInterval: time.Hour, BatchSize: 2}, zap.NewNop())

	s.tick(context.Background())
	if len(dispatcher.jobs) != 2 {
		t.Fatalf("first tick should claim 2, got %d", len(dispatcher.jobs))
	}

	s.tick(context.Background())
	if len(dispatcher.jobs) != 3 {
		t.Fatalf("second tick should drain the rest, got %d", len(dispatcher.jobs))
	}
}

func TestSchedulerTickToleratesClaimErrors(t *testing.T) {
	ledger := &fakeClaimLedger{err: errors.New("connection reset")}
	dispatcher := &fakeRedispatcher{}
	s := NewScheduler(ledger, dispatcher, SchedulerConfig{PollInterval: time.Hour, BatchSize: 10}, zap.NewNop())

	// Must not panic or dispatch anything; the next tick retries.
	s.tick(context.Background())

	if len(dispatcher.jobs) != 0 {
		t.Errorf("expected no dispatches on claim error, got %d", len(dispatcher.jobs))
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	ledger := &fakeClaimLedger{}
	dispatcher := &fakeRedispatcher{}
	s := NewScheduler(ledger, dispatcher, SchedulerConfig{PollInterval: 5 * time.Millisecond, BatchSize: 10}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}

	ledger.mu.Lock()
	claims := ledger.claims
	ledger.mu.Unlock()
	if claims == 0 {
		t.Error("expected at least one poll before cancel")
	}
}
