package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/db"
)

// SES sends the email channel via AWS SES.
type SES struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

// SESConfig holds SES settings.
type SESConfig struct {
	Region    string
	FromEmail string
}

// NewSES creates the SES email provider.
func NewSES(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SES, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SES{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (s *SES) Name() string       { return "ses" }
func (s *SES) Channel() string    { return db.ChannelEmail }
func (s *SES) MaxBodyLength() int { return 0 }

func (s *SES) Send(ctx context.Context, recipientAddress string, content Content) (*Result, error) {
	if recipientAddress == "" {
		return nil, fmt.Errorf("%w: empty email address", ErrInvalidAddress)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{recipientAddress},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(content.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(content.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	output, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email accepted by ses",
		zap.String("notification_id", content.NotificationID.String()),
		zap.String("message_id", aws.ToString(output.MessageId)),
	)

	return &Result{ProviderMessageID: aws.ToString(output.MessageId)}, nil
}
