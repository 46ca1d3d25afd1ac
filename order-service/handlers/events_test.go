package handlers

import (
	"context"
	"testing"

	"github.com/allconnect/order-system/order-service/application"
	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/order-service/infrastructure"
	"github.com/allconnect/order-system/shared/events"
	"github.com/allconnect/order-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventFixture struct {
	orders    *infrastructure.MemoryOrderRepository
	scheduler *recordingScheduler
	handlers  *OrderEventHandlers
}

func newEventFixture(t *testing.T) *eventFixture {
	t.Helper()

	orders := infrastructure.NewMemoryOrderRepository()
	scheduler := &recordingScheduler{}
	cancelOrder := application.NewCancelOrder(orders, &recordingPublisher{}, scheduler)

	return &eventFixture{
		orders:    orders,
		scheduler: scheduler,
		handlers:  NewOrderEventHandlers(scheduler, cancelOrder),
	}
}

func (f *eventFixture) seedOrder(t *testing.T) *domain.Order {
	t.Helper()

	order, err := domain.CreateOrder(
		models.GenerateUUID(),
		[]domain.LineItem{{
			ProductID:   models.GenerateUUID(),
			ProductType: domain.ProductTypeDigital,
			Quantity:    1,
			UnitPrice:   models.NewMoney(50000, "COP"),
		}},
		"",
		"credit_card",
		testPricing,
	)
	require.NoError(t, err)
	order.ClearEvents()
	require.NoError(t, f.orders.Save(context.Background(), order))
	return order
}

func TestOrderEventHandlersHandlerID(t *testing.T) {
	f := newEventFixture(t)
	assert.Equal(t, "order-service-event-handler", f.handlers.HandlerID())
}

func TestHandleOrderCreated(t *testing.T) {
	f := newEventFixture(t)
	orderID := models.GenerateUUID()

	event := events.NewEvent(orderID, events.OrderCreatedEvent, map[string]string{"order_id": orderID.String()})
	require.NoError(t, f.handlers.Handle(context.Background(), event))

	require.Len(t, f.scheduler.starts, 1)
	assert.Equal(t, orderID, f.scheduler.starts[0])
}

func TestHandleCancellationRequested(t *testing.T) {
	f := newEventFixture(t)
	order := f.seedOrder(t)

	event := events.NewEvent(order.ID, events.OrderCancellationRequestedEvent, map[string]string{
		"order_id": order.ID.String(),
		"reason":   "customer request",
	})
	require.NoError(t, f.handlers.Handle(context.Background(), event))

	saved, err := f.orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, saved.Status)

	require.Len(t, f.scheduler.compensations, 1)
	assert.Equal(t, "customer request", f.scheduler.reasons[0])
}

func TestHandleCancellationRequested_FallsBackToAggregateID(t *testing.T) {
	f := newEventFixture(t)
	order := f.seedOrder(t)

	event := events.NewEvent(order.ID, events.OrderCancellationRequestedEvent, map[string]string{})
	require.NoError(t, f.handlers.Handle(context.Background(), event))

	saved, err := f.orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, saved.Status)
}

func TestHandleCancellationRequested_DropsUndeliverable(t *testing.T) {
	f := newEventFixture(t)

	t.Run("unknown order", func(t *testing.T) {
		event := events.NewEvent(models.GenerateUUID(), events.OrderCancellationRequestedEvent, map[string]string{})
		assert.NoError(t, f.handlers.Handle(context.Background(), event))
	})

	t.Run("terminal order", func(t *testing.T) {
		order := f.seedOrder(t)
		loaded, err := f.orders.FindByID(context.Background(), order.ID)
		require.NoError(t, err)
		require.NoError(t, loaded.Complete())
		loaded.ClearEvents()
		require.NoError(t, f.orders.Save(context.Background(), loaded))

		event := events.NewEvent(order.ID, events.OrderCancellationRequestedEvent, map[string]string{})
		assert.NoError(t, f.handlers.Handle(context.Background(), event))
		assert.Empty(t, f.scheduler.compensations)
	})
}

func TestHandleIgnoresUnknownEventTypes(t *testing.T) {
	f := newEventFixture(t)

	event := events.NewEvent(models.GenerateUUID(), events.SagaCompletedEvent, nil)
	require.NoError(t, f.handlers.Handle(context.Background(), event))
	assert.Empty(t, f.scheduler.starts)
	assert.Empty(t, f.scheduler.compensations)
}
