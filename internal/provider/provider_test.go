package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/db"
)

func TestRegistryForChannel(t *testing.T) {
	inapp := NewInApp(zap.NewNop())
	wh := NewWebhook(WebhookConfig{}, zap.NewNop())

	reg := NewRegistry(inapp, wh)

	if got := reg.ForChannel(db.ChannelInApp); got != Provider(inapp) {
		t.Errorf("expected in_app provider, got %v", got)
	}
	if got := reg.ForChannel(db.ChannelWebhook); got != Provider(wh) {
		t.Errorf("expected webhook provider, got %v", got)
	}
	if got := reg.ForChannel(db.ChannelSMS); got != nil {
		t.Errorf("unregistered channel must return nil, got %v", got)
	}

	if len(reg.Channels()) != 2 {
		t.Errorf("expected 2 channels, got %v", reg.Channels())
	}
}

func TestRegistryLaterProviderWins(t *testing.T) {
	first := NewLog(db.ChannelEmail, zap.NewNop())
	second := NewLog(db.ChannelEmail, zap.NewNop())

	reg := NewRegistry(first, second)

	if got := reg.ForChannel(db.ChannelEmail); got != Provider(second) {
		t.Error("a later provider for the same channel must replace the earlier one")
	}
}

func TestInAppSendIsImmediatelyDelivered(t *testing.T) {
	p := NewInApp(zap.NewNop())

	notifID := uuid.New()
	result, err := p.Send(context.Background(), "", Content{NotificationID: notifID})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !result.Delivered {
		t.Error("in-app has no confirmation step; sends are delivered")
	}
	if result.ProviderMessageID != notifID.String() {
		t.Errorf("expected notification ID as message ID, got %s", result.ProviderMessageID)
	}
}

// The SNS adapters validate the address shape before touching the vendor, so
// the rejection paths are testable without AWS credentials.
func TestSNSSMSRejectsNonE164(t *testing.T) {
	s := &SNSSMS{logger: zap.NewNop()}

	for _, addr := range []string{"", "5551234567", "phone"} {
		_, err := s.Send(context.Background(), addr, Content{NotificationID: uuid.New()})
		if !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("address %q: expected ErrInvalidAddress, got %v", addr, err)
		}
	}
}

func TestSNSPushRejectsNonARN(t *testing.T) {
	s := &SNSPush{logger: zap.NewNop()}

	_, err := s.Send(context.Background(), "device-token", Content{NotificationID: uuid.New()})
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
}
