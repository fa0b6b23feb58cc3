package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/velora/herald/internal/db"
)

// smsBodyLimit keeps messages inside two concatenated GSM-7 segments.
const smsBodyLimit = 300

// SNSSMS sends the sms channel via AWS SNS.
type SNSSMS struct {
	client *sns.Client
	logger *zap.Logger
}

// SNSConfig holds SNS settings, shared by the SMS and push providers.
type SNSConfig struct {
	Region string
}

// NewSNSSMS creates the SNS SMS provider.
func NewSNSSMS(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSMS, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSSMS{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (s *SNSSMS) Name() string       { return "sns-sms" }
func (s *SNSSMS) Channel() string    { return db.ChannelSMS }
func (s *SNSSMS) MaxBodyLength() int { return smsBodyLimit }

func (s *SNSSMS) Send(ctx context.Context, recipientAddress string, content Content) (*Result, error) {
	if !strings.HasPrefix(recipientAddress, "+") {
		return nil, fmt.Errorf("%w: phone number must be E.164, got %q", ErrInvalidAddress, recipientAddress)
	}

	message := content.Body
	if content.Title != "" {
		message = content.Title + ": " + content.Body
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(recipientAddress),
		Message:     aws.String(message),
	}

	output, err := s.client.Publish(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("sms accepted by sns",
		zap.String("notification_id", content.NotificationID.String()),
		zap.String("message_id", aws.ToString(output.MessageId)),
	)

	return &Result{ProviderMessageID: aws.ToString(output.MessageId)}, nil
}

// SNSPush sends the push channel by publishing to SNS platform application
// endpoints (APNS/FCM). The recipient address is the device endpoint ARN.
type SNSPush struct {
	client *sns.Client
	logger *zap.Logger
}

// NewSNSPush creates the SNS push provider.
func NewSNSPush(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSPush, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSPush{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (s *SNSPush) Name() string       { return "sns-push" }
func (s *SNSPush) Channel() string    { return db.ChannelPush }
func (s *SNSPush) MaxBodyLength() int { return 200 }

func (s *SNSPush) Send(ctx context.Context, recipientAddress string, content Content) (*Result, error) {
	if !strings.HasPrefix(recipientAddress, "arn:") {
		return nil, fmt.Errorf("%w: push address must be an endpoint ARN", ErrInvalidAddress)
	}

	payload, err := json.Marshal(map[string]string{
		"title":      content.Title,
		"body":       content.Body,
		"action_url": content.ActionURL,
		"priority":   content.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("encode push payload: %w", err)
	}

	input := &sns.PublishInput{
		TargetArn: aws.String(recipientAddress),
		Message:   aws.String(string(payload)),
	}

	output, err := s.client.Publish(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("push accepted by sns",
		zap.String("notification_id", content.NotificationID.String()),
		zap.String("message_id", aws.ToString(output.MessageId)),
	)

	return &Result{ProviderMessageID: aws.ToString(output.MessageId)}, nil
}
