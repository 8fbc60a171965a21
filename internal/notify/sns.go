package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSAPI is the slice of the SNS client the publisher needs.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPusher fans alerts out to an SNS topic, for deployments that hang
// SMS or webhook subscribers off availability events.
type SNSPusher struct {
	client   SNSAPI
	topicArn string
	logger   *slog.Logger
}

// NewSNSPusher creates an SNS pusher for the given topic.
func NewSNSPusher(client SNSAPI, topicArn string, logger *slog.Logger) *SNSPusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SNSPusher{
		client:   client,
		topicArn: topicArn,
		logger:   logger,
	}
}

// Push publishes one alert to the topic.
func (s *SNSPusher) Push(ctx context.Context, title, message string) error {
	input := &sns.PublishInput{
		TopicArn: aws.String(s.topicArn),
		Subject:  aws.String(title),
		Message:  aws.String(message),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"source": {
				DataType:    aws.String("String"),
				StringValue: aws.String("teewatch"),
			},
		},
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish alert to SNS: %w", err)
	}

	s.logger.InfoContext(ctx, "alert published to SNS",
		slog.String("sns_message_id", aws.ToString(result.MessageId)),
		slog.String("topic_arn", s.topicArn),
	)

	return nil
}
