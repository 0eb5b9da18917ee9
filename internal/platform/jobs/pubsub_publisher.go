// Package jobs carries aggregation job messages over Cloud Pub/Sub.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/Tofulati/hallpass-sub000/internal/services"
)

// PubSubAggregationPublisher publishes aggregation jobs to a Pub/Sub topic.
type PubSubAggregationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.AggregationJobPublisher = (*PubSubAggregationPublisher)(nil)

// NewPubSubAggregationPublisher constructs a Pub/Sub backed aggregation job publisher.
func NewPubSubAggregationPublisher(topic *pubsub.Topic) (*PubSubAggregationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub aggregation publisher: topic is required")
	}
	return &PubSubAggregationPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishAggregationJob enqueues a job and waits for the server to assign a message id.
func (p *PubSubAggregationPublisher) PublishAggregationJob(ctx context.Context, message services.AggregationJobMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub aggregation publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal aggregation job: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "runId", message.RunID)
	setAttr(attrs, "kind", message.Kind)
	if message.Attempt > 0 {
		attrs["attempt"] = strconv.Itoa(message.Attempt)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish aggregation job: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
