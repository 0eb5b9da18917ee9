package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/Tofulati/hallpass-sub000/internal/services"
)

// AggregationJobHandler executes one delivered job.
type AggregationJobHandler func(ctx context.Context, message services.AggregationJobMessage) error

// Subscriber receives aggregation jobs. Every delivery is acked; failed runs
// are retried through their run record.
type Subscriber struct {
	subscription *pubsub.Subscription
	handler      AggregationJobHandler
	logger       func(ctx context.Context, event string, fields map[string]any)
}

// SubscriberOption customises a Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger installs the event logger.
func WithSubscriberLogger(logger func(ctx context.Context, event string, fields map[string]any)) SubscriberOption {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxOutstandingMessages bounds how many jobs execute concurrently.
func WithMaxOutstandingMessages(n int) SubscriberOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.subscription.ReceiveSettings.MaxOutstandingMessages = n
		}
	}
}

// NewSubscriber constructs a Subscriber for subscription.
func NewSubscriber(subscription *pubsub.Subscription, handler AggregationJobHandler, opts ...SubscriberOption) (*Subscriber, error) {
	if subscription == nil {
		return nil, errors.New("aggregation subscriber: subscription is required")
	}
	if handler == nil {
		return nil, errors.New("aggregation subscriber: handler is required")
	}
	s := &Subscriber{
		subscription: subscription,
		handler:      handler,
		logger:       func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Receive blocks until ctx is cancelled or the subscription fails.
func (s *Subscriber) Receive(ctx context.Context) error {
	err := s.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		defer msg.Ack()
		s.handle(ctx, msg)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive aggregation jobs: %w", err)
	}
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg *pubsub.Message) {
	job, err := decodeJob(msg)
	if err != nil {
		s.logger(ctx, "aggregation.job.malformed", map[string]any{"messageId": msg.ID, "error": err.Error()})
		return
	}
	fields := map[string]any{"messageId": msg.ID, "runId": job.RunID, "kind": job.Kind, "attempt": job.Attempt}
	if msg.DeliveryAttempt != nil {
		fields["deliveryAttempt"] = *msg.DeliveryAttempt
	}
	s.logger(ctx, "aggregation.job.received", fields)
	if err := s.handler(ctx, job); err != nil {
		fields["error"] = err.Error()
		s.logger(ctx, "aggregation.job.failed", fields)
	}
}

func decodeJob(msg *pubsub.Message) (services.AggregationJobMessage, error) {
	var job services.AggregationJobMessage
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		return job, fmt.Errorf("decode aggregation job: %w", err)
	}
	job.RunID = strings.TrimSpace(job.RunID)
	if job.RunID == "" {
		job.RunID = strings.TrimSpace(msg.Attributes["runId"])
	}
	if job.RunID == "" {
		return job, errors.New("decode aggregation job: runId is required")
	}
	return job, nil
}
