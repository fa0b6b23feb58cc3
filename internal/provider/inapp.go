package provider

import (
	"context"

	"go.uber.org/zap"

	"github.com/velora/herald/internal/db"
)

// InApp is the fire-and-forget in-app channel. The notification row created
// at Submit time IS the in-app delivery; there is no external vendor and no
// confirmation step, so the record goes straight to delivered.
type InApp struct {
	logger *zap.Logger
}

// NewInApp creates the in-app provider.
func NewInApp(logger *zap.Logger) *InApp {
	return &InApp{logger: logger}
}

func (p *InApp) Name() string       { return "inapp" }
func (p *InApp) Channel() string    { return db.ChannelInApp }
func (p *InApp) MaxBodyLength() int { return 0 }

func (p *InApp) Send(ctx context.Context, _ string, content Content) (*Result, error) {
	p.logger.Debug("in-app notification delivered",
		zap.String("notification_id", content.NotificationID.String()),
	)
	return &Result{
		ProviderMessageID: content.NotificationID.String(),
		Delivered:         true,
	}, nil
}
