package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// TopicSender publishes notifications to an SNS topic, for deployments that
// route mail through a downstream fan-out (SQS consumers, Lambda mailers)
// instead of sending directly.
type TopicSender struct {
	client   *sns.Client
	topicARN string
	logger   *zap.Logger
}

type TopicConfig struct {
	Region   string
	TopicARN string
}

// topicMessage is the envelope consumers of the topic receive.
type topicMessage struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func NewTopicSender(ctx context.Context, cfg TopicConfig, logger *zap.Logger) (*TopicSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &TopicSender{
		client:   sns.NewFromConfig(awsCfg),
		topicARN: cfg.TopicARN,
		logger:   logger,
	}, nil
}

func (s *TopicSender) Send(ctx context.Context, msg Email) error {
	if msg.To == "" {
		return fmt.Errorf("notification missing recipient")
	}

	payload, err := json.Marshal(topicMessage{
		Recipient: msg.To,
		Subject:   msg.Subject,
		Body:      msg.Body,
	})
	if err != nil {
		return fmt.Errorf("marshal topic message: %w", err)
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"recipient": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.To),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("notification published to topic",
		zap.String("to", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
