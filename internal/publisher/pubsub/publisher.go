// Package pubsub implements a Google Cloud Pub/Sub publisher for artifact events.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/article-batch-orchestrator/internal/telemetry"
)

// EventTypeAttribute carries the logical topic passed to Publish; the Pub/Sub
// topic itself is fixed by the underlying publisher.
const EventTypeAttribute = "event_type"

type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Publisher wraps a Pub/Sub publisher client.
type Publisher struct {
	publish publishFunc
	stop    func()
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	if publisher == nil {
		return &Publisher{}
	}
	return &Publisher{
		publish: func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return publisher.Publish(ctx, msg).Get(ctx)
		},
		stop: publisher.Stop,
	}
}

// Publish marshals the payload to JSON and publishes it with the trace context
// attached as message attributes.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) (string, error) {
	if p.publish == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := encodeMessage(ctx, eventType, payload)
	if err != nil {
		return "", err
	}
	id, err := p.publish(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages.
func (p *Publisher) Close() {
	if p.stop != nil {
		p.stop()
	}
}

func encodeMessage(ctx context.Context, eventType string, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{}
	if eventType != "" {
		attrs[EventTypeAttribute] = eventType
	}
	return &pubsub.Message{Data: data, Attributes: telemetry.Inject(ctx, attrs)}, nil
}
