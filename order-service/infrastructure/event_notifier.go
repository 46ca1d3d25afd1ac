package infrastructure

import (
	"context"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/shared/events"
	"github.com/pkg/errors"
)

// EventNotifier dispatches customer notifications by publishing them on the
// event bus; the notification service consumes them from its own queue.
type EventNotifier struct {
	publisher events.Publisher
}

// NewEventNotifier creates a new EventNotifier
func NewEventNotifier(publisher events.Publisher) *EventNotifier {
	return &EventNotifier{publisher: publisher}
}

// Publish implements domain.Notifier
func (n *EventNotifier) Publish(ctx context.Context, notification domain.Notification) error {
	eventType := notification.Type
	if eventType == "" {
		eventType = events.NotificationOrderConfirmation
	}

	event := events.NewEvent(notification.OrderID, eventType, notification).
		WithMetadata("channel", notification.Channel).
		WithCorrelationID(notification.OrderID)

	if err := n.publisher.Publish(ctx, event); err != nil {
		return errors.Wrap(err, "failed to publish notification")
	}
	return nil
}
