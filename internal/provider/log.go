package provider

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Log is a development provider that logs instead of sending. It can stand in
// for any channel when the real vendor is not configured.
type Log struct {
	channel string
	logger  *zap.Logger
}

// NewLog creates a log provider for the given channel.
func NewLog(channel string, logger *zap.Logger) *Log {
	return &Log{channel: channel, logger: logger}
}

func (l *Log) Name() string       { return "log" }
func (l *Log) Channel() string    { return l.channel }
func (l *Log) MaxBodyLength() int { return 0 }

func (l *Log) Send(ctx context.Context, recipientAddress string, content Content) (*Result, error) {
	l.logger.Info("notification logged (development mode)",
		zap.String("channel", l.channel),
		zap.String("notification_id", content.NotificationID.String()),
		zap.String("recipient", recipientAddress),
		zap.String("title", content.Title),
		zap.String("body", content.Body),
	)
	return &Result{
		ProviderMessageID: uuid.NewString(),
		Delivered:         true,
	}, nil
}
