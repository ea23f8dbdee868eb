package adapters

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// snsSubjectLimit is the maximum Subject length SNS accepts
const snsSubjectLimit = 100

// SNSAPI is the part of the SNS client the publisher uses
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSAlertConfig holds the operator alert topic
type SNSAlertConfig struct {
	Region   string
	TopicARN string
	Service  string
}

// SNSAlertPublisher posts operator alerts to an SNS topic that fans out to
// the operator chat and on-call e-mail subscriptions.
type SNSAlertPublisher struct {
	client SNSAPI
	config SNSAlertConfig
	logger *zap.Logger
}

// NewSNSAlertPublisher creates a new alert publisher
func NewSNSAlertPublisher(client SNSAPI, cfg SNSAlertConfig, logger *zap.Logger) *SNSAlertPublisher {
	return &SNSAlertPublisher{client: client, config: cfg, logger: logger}
}

// PublishAlert publishes one alert message
func (p *SNSAlertPublisher) PublishAlert(ctx context.Context, subject, message string) error {
	if len(subject) > snsSubjectLimit {
		subject = subject[:snsSubjectLimit]
	}
	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.config.TopicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"service": {DataType: aws.String("String"), StringValue: aws.String(p.config.Service)},
		},
	})
	if err != nil {
		p.logger.Error("Failed to publish operator alert", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("SNS publish failed: %w", err)
	}

	p.logger.Info("Operator alert published",
		zap.String("subject", subject),
		zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}
