package db

import (
	"testing"

	"github.com/google/uuid"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{"pending to sent", DeliveryPending, DeliverySent, true},
		{"pending to delivered", DeliveryPending, DeliveryDelivered, true},
		{"pending to failed", DeliveryPending, DeliveryFailed, true},
		{"sent to delivered", DeliverySent, DeliveryDelivered, true},
		{"sent to clicked", DeliverySent, DeliveryClicked, true},
		{"sent to read", DeliverySent, DeliveryRead, true},
		{"sent to failed", DeliverySent, DeliveryFailed, true},
		{"delivered to clicked", DeliveryDelivered, DeliveryClicked, true},
		{"delivered to read", DeliveryDelivered, DeliveryRead, true},
		{"clicked to read", DeliveryClicked, DeliveryRead, true},

		{"sent back to pending", DeliverySent, DeliveryPending, false},
		{"delivered back to sent", DeliveryDelivered, DeliverySent, false},
		{"read to clicked", DeliveryRead, DeliveryClicked, false},
		{"read to anything", DeliveryRead, DeliverySent, false},
		{"delivered to failed", DeliveryDelivered, DeliveryFailed, false},
		{"clicked to failed", DeliveryClicked, DeliveryFailed, false},
		{"read to failed", DeliveryRead, DeliveryFailed, false},
		{"failed to sent", DeliveryFailed, DeliverySent, false},
		{"failed to pending direct", DeliveryFailed, DeliveryPending, false},
		{"same state", DeliverySent, DeliverySent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestNormalizePriority(t *testing.T) {
	tests := []struct {
		in        string
		want      string
		wantKnown bool
	}{
		{"", PriorityNormal, true},
		{"low", PriorityLow, true},
		{"normal", PriorityNormal, true},
		{"high", PriorityHigh, true},
		{"urgent", PriorityUrgent, true},
		{"critical", PriorityCritical, true},
		{"extreme", PriorityNormal, false},
		{"URGENT", PriorityNormal, false},
	}

	for _, tt := range tests {
		got, known := NormalizePriority(tt.in)
		if got != tt.want || known != tt.wantKnown {
			t.Errorf("NormalizePriority(%q) = (%s, %v), want (%s, %v)", tt.in, got, known, tt.want, tt.wantKnown)
		}
	}
}

func TestPriorityAtLeast(t *testing.T) {
	if !PriorityAtLeast(PriorityUrgent, PriorityUrgent) {
		t.Error("urgent should be at least urgent")
	}
	if !PriorityAtLeast(PriorityCritical, PriorityUrgent) {
		t.Error("critical should be at least urgent")
	}
	if PriorityAtLeast(PriorityHigh, PriorityUrgent) {
		t.Error("high should not be at least urgent")
	}
	if PriorityAtLeast(PriorityLow, PriorityNormal) {
		t.Error("low should not be at least normal")
	}
}

func TestKnownChannel(t *testing.T) {
	for _, ch := range AllChannels {
		if !KnownChannel(ch) {
			t.Errorf("channel %s should be known", ch)
		}
	}
	if KnownChannel("telegram") {
		t.Error("telegram should not be a known channel")
	}
	if KnownChannel("") {
		t.Error("empty channel should not be known")
	}
}

func TestDefaultPreferenceChannels(t *testing.T) {
	pref := DefaultPreference(uuid.New(), uuid.New(), "tasks")

	enabled := map[string]bool{
		ChannelInApp: true,
		ChannelPush:  true,
		ChannelEmail: true,
	}
	for ch, want := range enabled {
		if pref.Channels[ch] != want {
			t.Errorf("default preference: channel %s = %v, want %v", ch, pref.Channels[ch], want)
		}
	}
	if pref.Channels[ChannelSMS] {
		t.Error("sms should be off by default")
	}
	if pref.Channels[ChannelWebhook] {
		t.Error("webhook should be off by default")
	}
}
