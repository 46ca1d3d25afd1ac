package application

import (
	"context"
	"log"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/shared/events"
	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
)

// CancelOrderCommand represents the command to cancel an order
type CancelOrderCommand struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// CancelOrderResponse represents the response after requesting cancellation.
// Compensation proceeds asynchronously and may later move the order to
// REFUNDED.
type CancelOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// CancelOrder use case: rejects cancellation of terminal orders, marks the
// order CANCELLED and schedules the compensation path.
type CancelOrder struct {
	orderRepository domain.OrderRepository
	eventPublisher  events.Publisher
	scheduler       SagaScheduler
}

// NewCancelOrder creates a new CancelOrder use case
func NewCancelOrder(
	orderRepository domain.OrderRepository,
	eventPublisher events.Publisher,
	scheduler SagaScheduler,
) *CancelOrder {
	return &CancelOrder{
		orderRepository: orderRepository,
		eventPublisher:  eventPublisher,
		scheduler:       scheduler,
	}
}

// Execute executes the cancel order use case
func (uc *CancelOrder) Execute(ctx context.Context, cmd *CancelOrderCommand) (*CancelOrderResponse, error) {
	orderID, err := models.NewID(cmd.OrderID)
	if err != nil {
		return nil, errors.Wrap(domain.ErrValidation, "invalid order ID")
	}

	// A saga worker may be persisting a step for the same order; on a
	// version conflict the cancel is retried against the fresh state.
	var order *domain.Order
	for attempt := 0; ; attempt++ {
		order, err = uc.orderRepository.FindByID(ctx, orderID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load order")
		}
		if order == nil {
			return nil, errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
		}

		if err := order.Cancel(); err != nil {
			return nil, err
		}

		err = uc.orderRepository.Save(ctx, order)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrStaleVersion) || attempt >= 3 {
			return nil, errors.Wrap(err, "failed to save cancelled order")
		}
	}

	if err := uc.eventPublisher.Publish(ctx, order.Events()...); err != nil {
		log.Printf("cancel order: failed to publish events for %s: %v", order.ID, err)
	}
	order.ClearEvents()

	reason := cmd.Reason
	if reason == "" {
		reason = "cancellation requested"
	}
	if err := uc.scheduler.EnqueueCompensation(ctx, order.ID, reason); err != nil {
		return nil, errors.Wrap(err, "failed to schedule compensation")
	}

	return &CancelOrderResponse{
		OrderID: order.ID.String(),
		Status:  string(order.Status),
	}, nil
}
