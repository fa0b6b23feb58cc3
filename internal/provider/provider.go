// Package provider contains the channel provider adapters the dispatcher
// hands rendered notifications to. Each adapter implements the same narrow
// capability contract; vendor specifics stay behind it.
package provider

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors providers map vendor failures onto. The dispatcher turns
// these into delivery error codes.
var (
	// ErrInvalidAddress means the recipient address is missing or malformed;
	// retrying will not help.
	ErrInvalidAddress = errors.New("invalid recipient address")
)

// Content is the rendered, channel-ready notification handed to a provider.
// Truncation to the channel's body limit has already been applied by the
// dispatcher.
type Content struct {
	NotificationID uuid.UUID
	OrganizationID uuid.UUID
	Title          string
	Body           string
	ActionURL      string
	Priority       string
	// Data carries the original payload variables for channels that forward
	// structured data (webhook, push).
	Data map[string]string
}

// Result is a provider's acknowledgment of a send.
type Result struct {
	// ProviderMessageID is the vendor's identifier for the accepted message.
	ProviderMessageID string
	// Delivered is true when the provider confirmed receipt synchronously
	// (or the channel has no confirmation step at all, like in-app).
	Delivered bool
	// Cost is the vendor-reported cost of the send, when known.
	Cost *float64
}

// Provider is the capability contract for one delivery channel.
type Provider interface {
	// Name identifies the vendor adapter ("ses", "sns-sms", "webhook", ...).
	Name() string
	// Channel is the delivery medium this provider serves.
	Channel() string
	// MaxBodyLength is the channel's body limit in runes; 0 means unlimited.
	// The dispatcher truncates before calling Send.
	MaxBodyLength() int
	// Send hands the rendered content to the vendor for the given recipient
	// address. The address format is channel-specific (email address, phone
	// number, device endpoint ARN, webhook URL); in-app ignores it.
	Send(ctx context.Context, recipientAddress string, content Content) (*Result, error)
}

// StatusChecker is optionally implemented by providers whose channel supports
// asynchronous delivery confirmation.
type StatusChecker interface {
	CheckDeliveryStatus(ctx context.Context, providerMessageID string) (delivered bool, err error)
}

// Registry maps channels to their providers.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers. A later provider
// for the same channel replaces an earlier one.
func NewRegistry(providers ...Provider) *Registry {
	reg := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		reg.providers[p.Channel()] = p
	}
	return reg
}

// ForChannel returns the provider serving a channel, or nil.
func (r *Registry) ForChannel(channel string) Provider {
	return r.providers[channel]
}

// Channels lists the channels with a registered provider.
func (r *Registry) Channels() []string {
	channels := make([]string, 0, len(r.providers))
	for ch := range r.providers {
		channels = append(channels, ch)
	}
	return channels
}
