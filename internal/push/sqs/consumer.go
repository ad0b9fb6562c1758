// Package sqs long-polls an SQS queue for extraction completion events.
package sqs

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/push"
	"github.com/JakeFAU/article-batch-orchestrator/internal/reconciler"
	"github.com/JakeFAU/article-batch-orchestrator/internal/telemetry"
)

const (
	maxMessages       = 10
	waitTimeSeconds   = 20
	defaultErrorDelay = 5 * time.Second
)

// API is the subset of the SQS client the consumer uses.
type API interface {
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
}

// Config controls the polling loop.
type Config struct {
	QueueURL   string        `mapstructure:"queue_url"`
	ErrorDelay time.Duration `mapstructure:"error_delay"`
}

// Consumer reads completion events and deletes the ones it has settled.
// Messages left for redelivery reappear after the queue's visibility timeout.
type Consumer struct {
	api     API
	cfg     Config
	decoder push.Decoder
	handler push.Handler
	logger  *zap.Logger
}

// New builds a Consumer.
func New(api API, cfg Config, decoder push.Decoder, handler push.Handler, logger *zap.Logger) *Consumer {
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = defaultErrorDelay
	}
	return &Consumer{api: api, cfg: cfg, decoder: decoder, handler: handler, logger: logger.Named("push.sqs")}
}

// Run polls until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if c.api == nil || c.cfg.QueueURL == "" {
		return fmt.Errorf("sqs queue is not configured")
	}
	c.logger.Info("polling completion events", zap.String("queue_url", c.cfg.QueueURL))
	for ctx.Err() == nil {
		if _, err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.ErrorDelay):
			}
		}
	}
	return nil
}

// poll receives one batch and returns how many messages were deleted.
func (c *Consumer) poll(ctx context.Context) (int, error) {
	out, err := c.api.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages:   maxMessages,
		WaitTimeSeconds:       waitTimeSeconds,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to receive messages: %w", err)
	}
	deleted := 0
	for _, msg := range out.Messages {
		if !c.process(ctx, msg) {
			continue
		}
		if _, err := c.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.cfg.QueueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			c.logger.Warn("delete failed", zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (c *Consumer) process(ctx context.Context, msg types.Message) bool {
	id := aws.ToString(msg.MessageId)
	ctx = telemetry.Extract(ctx, attributes(msg))
	ctx, span := telemetry.StartSpan(ctx, "push.sqs", attribute.String("messaging.message_id", id))
	outcome, disposition, err := push.Process(ctx, c.decoder, c.handler, reconciler.SourceSQS, []byte(aws.ToString(msg.Body)))
	telemetry.EndSpan(span, err)
	if err != nil {
		c.logger.Warn("completion event not applied",
			zap.String("message_id", id),
			zap.Bool("retry", disposition == push.Retry),
			zap.Error(err))
	} else {
		c.logger.Debug("completion event applied", zap.String("message_id", id), zap.String("outcome", string(outcome)))
	}
	return disposition == push.Ack
}

func attributes(msg types.Message) map[string]string {
	attrs := make(map[string]string, len(msg.MessageAttributes))
	for k, v := range msg.MessageAttributes {
		if v.StringValue != nil {
			attrs[k] = *v.StringValue
		}
	}
	return attrs
}
