package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/shared/events"
	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
)

// OrderEventView is one recorded lifecycle event in the audit read model.
type OrderEventView struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderEventsView is the order's audit stream in append order.
type OrderEventsView struct {
	OrderID string           `json:"order_id"`
	Events  []OrderEventView `json:"events"`
}

// GetOrderEvents use case for audit reads of an order's recorded lifecycle
// events.
type GetOrderEvents struct {
	orderRepository domain.OrderRepository
	eventStore      events.EventStore
}

// NewGetOrderEvents creates a new GetOrderEvents use case
func NewGetOrderEvents(orderRepository domain.OrderRepository, eventStore events.EventStore) *GetOrderEvents {
	return &GetOrderEvents{
		orderRepository: orderRepository,
		eventStore:      eventStore,
	}
}

// Execute executes the get order events use case
func (uc *GetOrderEvents) Execute(ctx context.Context, query *GetOrderQuery) (*OrderEventsView, error) {
	orderID, err := models.NewID(query.OrderID)
	if err != nil {
		return nil, errors.Wrap(domain.ErrValidation, "invalid order ID")
	}

	order, err := uc.orderRepository.FindByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load order")
	}
	if order == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
	}

	recorded, err := uc.eventStore.GetEvents(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load order events")
	}

	views := make([]OrderEventView, 0, len(recorded))
	for _, event := range recorded {
		data, err := event.MarshalPayload()
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal event payload")
		}
		views = append(views, OrderEventView{
			EventID:   event.ID.String(),
			EventType: event.EventType,
			Data:      data,
			Timestamp: event.Timestamp,
		})
	}

	return &OrderEventsView{
		OrderID: orderID.String(),
		Events:  views,
	}, nil
}
