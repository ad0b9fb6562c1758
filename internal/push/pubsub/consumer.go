// Package pubsub receives extraction completion events from a Pub/Sub subscription.
package pubsub

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/push"
	"github.com/JakeFAU/article-batch-orchestrator/internal/reconciler"
	"github.com/JakeFAU/article-batch-orchestrator/internal/telemetry"
)

type receiveFunc func(ctx context.Context, f func(context.Context, *pubsub.Message)) error

// Consumer streams messages from a subscription into the reconciler.
type Consumer struct {
	receive receiveFunc
	decoder push.Decoder
	handler push.Handler
	logger  *zap.Logger
}

// New builds a Consumer over the given subscriber.
func New(sub *pubsub.Subscriber, decoder push.Decoder, handler push.Handler, logger *zap.Logger) *Consumer {
	c := &Consumer{decoder: decoder, handler: handler, logger: logger.Named("push.pubsub")}
	if sub != nil {
		c.receive = sub.Receive
	}
	return c
}

// Run blocks receiving messages until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if c.receive == nil {
		return fmt.Errorf("pubsub subscriber is not configured")
	}
	c.logger.Info("receiving completion events")
	err := c.receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg.ID, msg.Data, msg.Attributes) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

// process applies one message and reports whether it should be acknowledged.
func (c *Consumer) process(ctx context.Context, id string, data []byte, attrs map[string]string) bool {
	ctx = telemetry.Extract(ctx, attrs)
	ctx, span := telemetry.StartSpan(ctx, "push.pubsub", attribute.String("messaging.message_id", id))
	outcome, disposition, err := push.Process(ctx, c.decoder, c.handler, reconciler.SourcePubSub, data)
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
