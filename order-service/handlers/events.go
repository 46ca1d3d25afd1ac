package handlers

import (
	"context"

	"github.com/allconnect/order-system/order-service/application"
	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/shared/events"
	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
)

// OrderEventHandlers consumes order lifecycle events from the queue.
// order.created triggers the fulfillment saga, so a queue delivery and the
// in-process handoff may both enqueue the same order; the saga's completion
// flags make the duplicate a no-op.
type OrderEventHandlers struct {
	scheduler   application.SagaScheduler
	cancelOrder *application.CancelOrder
}

// NewOrderEventHandlers creates new order event handlers
func NewOrderEventHandlers(
	scheduler application.SagaScheduler,
	cancelOrder *application.CancelOrder,
) *OrderEventHandlers {
	return &OrderEventHandlers{
		scheduler:   scheduler,
		cancelOrder: cancelOrder,
	}
}

// HandlerID returns the unique identifier for this event handler
func (h *OrderEventHandlers) HandlerID() string {
	return "order-service-event-handler"
}

// Handle implements the events.EventHandler interface
func (h *OrderEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	switch event.EventType {
	case events.OrderCreatedEvent:
		return h.handleOrderCreated(ctx, event)
	case events.OrderCancellationRequestedEvent:
		return h.handleCancellationRequested(ctx, event)
	default:
		// Unknown event type, ignore
		return nil
	}
}

func (h *OrderEventHandlers) handleOrderCreated(ctx context.Context, event *events.Event) error {
	orderID, err := models.NewID(event.AggregateID.String())
	if err != nil {
		return errors.Wrap(err, "order.created event carries invalid aggregate ID")
	}
	return h.scheduler.EnqueueStart(ctx, orderID)
}

func (h *OrderEventHandlers) handleCancellationRequested(ctx context.Context, event *events.Event) error {
	var data struct {
		OrderID string `json:"order_id"`
		Reason  string `json:"reason"`
	}
	if err := event.UnmarshalPayload(&data); err != nil {
		return errors.Wrap(err, "failed to parse cancellation request data")
	}
	if data.OrderID == "" {
		data.OrderID = event.AggregateID.String()
	}

	_, err := h.cancelOrder.Execute(ctx, &application.CancelOrderCommand{
		OrderID: data.OrderID,
		Reason:  data.Reason,
	})
	if err != nil {
		// Terminal orders cannot be cancelled; dropping the message beats
		// redelivering it forever.
		if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}
