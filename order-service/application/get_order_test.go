package application

import (
	"context"
	"testing"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/order-service/infrastructure"
	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrderExecute(t *testing.T) {
	orders := infrastructure.NewMemoryOrderRepository()
	uc := NewGetOrder(orders)
	order := seedOrder(t, orders)

	view, err := uc.Execute(context.Background(), &GetOrderQuery{OrderID: order.ID.String()})
	require.NoError(t, err)

	assert.Equal(t, order.ID.String(), view.OrderID)
	assert.Equal(t, order.CustomerID.String(), view.CustomerID)
	assert.Equal(t, string(domain.OrderStatusCreated), view.Status)
	assert.Equal(t, int64(100000), view.Subtotal)
	assert.Equal(t, int64(19000), view.Tax)
	assert.Equal(t, int64(15000), view.Shipping)
	assert.Equal(t, int64(134000), view.Total)
	assert.Equal(t, "COP", view.Currency)
	require.Len(t, view.Items, 1)
	assert.Equal(t, "physical", view.Items[0].ProductType)
	assert.Nil(t, view.PaymentTransactionID)
}

func TestGetOrderExecute_NotFound(t *testing.T) {
	uc := NewGetOrder(infrastructure.NewMemoryOrderRepository())

	_, err := uc.Execute(context.Background(), &GetOrderQuery{OrderID: models.GenerateUUID().String()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestGetOrderStatusExecute(t *testing.T) {
	orders := infrastructure.NewMemoryOrderRepository()
	sagas := infrastructure.NewMemorySagaRepository()
	uc := NewGetOrderStatus(orders, sagas)
	order := seedOrder(t, orders)

	t.Run("before the saga starts", func(t *testing.T) {
		view, err := uc.Execute(context.Background(), &GetOrderQuery{OrderID: order.ID.String()})
		require.NoError(t, err)
		assert.Equal(t, string(domain.OrderStatusCreated), view.Status)
		assert.Nil(t, view.Fulfillment)
	})

	t.Run("with a run in progress", func(t *testing.T) {
		run := domain.NewSagaRun(order.ID)
		require.NoError(t, run.BeginStep(domain.StepConfirmProvider))
		run.RecordError("UPDATE_STOCK failed: catalog timeout")
		require.NoError(t, sagas.Create(context.Background(), run))

		view, err := uc.Execute(context.Background(), &GetOrderQuery{OrderID: order.ID.String()})
		require.NoError(t, err)
		require.NotNil(t, view.Fulfillment)
		assert.Equal(t, string(domain.StepConfirmProvider), view.Fulfillment.CurrentStep)
		assert.Equal(t, string(domain.SagaStatusInProgress), view.Fulfillment.Status)
		assert.Contains(t, view.Fulfillment.ErrorMessage, "UPDATE_STOCK")
	})
}
