package infrastructure

import (
	"context"

	"github.com/allconnect/order-system/shared/events"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/pkg/errors"
)

// SQSSubscriberAdapter exposes an SQSEventSubscriber behind the
// events.Subscriber interface. The subscriber pipeline is created lazily on
// the first Subscribe call.
type SQSSubscriberAdapter struct {
	subscriber *SQSEventSubscriber
	queueURL   string
	opts       []SQSSubscriberOption
}

// NewSQSSubscriberAdapter creates a new SQS subscriber adapter
func NewSQSSubscriberAdapter(queueURL string, opts ...SQSSubscriberOption) *SQSSubscriberAdapter {
	return &SQSSubscriberAdapter{
		queueURL: queueURL,
		opts:     opts,
	}
}

// handlerAdapter wraps events.EventHandler with a handler ID
type handlerAdapter struct {
	id      string
	handler events.EventHandler
}

func (a *handlerAdapter) HandlerID() string {
	return a.id
}

func (a *handlerAdapter) Handle(ctx context.Context, event *events.Event) error {
	return a.handler.Handle(ctx, event)
}

// Subscribe implements events.Subscriber. The eventType argument names the
// subscription for logs and metrics; filtering happens inside the handler.
func (s *SQSSubscriberAdapter) Subscribe(ctx context.Context, eventType string, handler events.EventHandler) error {
	if s.subscriber != nil {
		return errors.New("subscriber is already running")
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load AWS config")
	}

	wrapped := handler
	var id string
	if named, ok := handler.(EventHandler); ok {
		id = named.HandlerID()
	} else {
		id = "subscriber-" + eventType
	}

	s.subscriber = NewSQSEventSubscriber(
		sqs.NewFromConfig(cfg),
		s.queueURL,
		&handlerAdapter{id: id, handler: wrapped},
		s.opts...,
	)

	if err := s.subscriber.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start SQS subscriber")
	}
	return nil
}

// Close stops the subscriber
func (s *SQSSubscriberAdapter) Close() error {
	if s.subscriber == nil {
		return nil
	}
	if err := s.subscriber.Stop(context.Background()); err != nil {
		return errors.Wrap(err, "failed to stop SQS subscriber")
	}
	s.subscriber = nil
	return nil
}
