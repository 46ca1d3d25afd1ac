package infrastructure

import (
	"context"
	"testing"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrder(t *testing.T) *domain.Order {
	t.Helper()

	order, err := domain.CreateOrder(
		models.GenerateUUID(),
		[]domain.LineItem{{
			ProductID:   models.GenerateUUID(),
			ProductType: domain.ProductTypePhysical,
			Quantity:    1,
			UnitPrice:   models.NewMoney(100000, "COP"),
		}},
		"Calle 123",
		"credit_card",
		domain.Pricing{TaxRateBasisPoints: 1900, ShippingFlatFee: 15000},
	)
	require.NoError(t, err)
	order.ClearEvents()
	return order
}

func TestMemoryOrderRepository_SaveAndFind(t *testing.T) {
	repo := NewMemoryOrderRepository()
	ctx := context.Background()
	order := newOrder(t)

	require.NoError(t, repo.Save(ctx, order))

	got, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, order.ID, got.ID)
	assert.Equal(t, order.Total, got.Total)
	require.Len(t, got.Items, 1)

	missing, err := repo.FindByID(ctx, models.GenerateUUID())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryOrderRepository_StaleVersionRejected(t *testing.T) {
	repo := NewMemoryOrderRepository()
	ctx := context.Background()
	order := newOrder(t)
	require.NoError(t, repo.Save(ctx, order))

	// Two readers load the same version; the writer that fell behind loses.
	first, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	second, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)

	require.NoError(t, first.Cancel())
	require.NoError(t, repo.Save(ctx, first))
	require.NoError(t, first.Refund())
	require.NoError(t, repo.Save(ctx, first))

	require.NoError(t, second.Complete())
	err = repo.Save(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStaleVersion))
}

func TestMemoryOrderRepository_FindByCustomerID(t *testing.T) {
	repo := NewMemoryOrderRepository()
	ctx := context.Background()

	order := newOrder(t)
	other := newOrder(t)
	require.NoError(t, repo.Save(ctx, order))
	require.NoError(t, repo.Save(ctx, other))

	got, err := repo.FindByCustomerID(ctx, order.CustomerID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, order.ID, got[0].ID)
}

func TestMemorySagaRepository_CreateRejectsActiveDuplicate(t *testing.T) {
	repo := NewMemorySagaRepository()
	ctx := context.Background()
	orderID := models.GenerateUUID()

	require.NoError(t, repo.Create(ctx, domain.NewSagaRun(orderID)))

	err := repo.Create(ctx, domain.NewSagaRun(orderID))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSagaExists))
}

func TestMemorySagaRepository_GetNotFound(t *testing.T) {
	repo := NewMemorySagaRepository()

	_, err := repo.Get(context.Background(), models.GenerateUUID())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestMemorySagaRepository_SaveRejectsStaleVersion(t *testing.T) {
	repo := NewMemorySagaRepository()
	ctx := context.Background()
	run := domain.NewSagaRun(models.GenerateUUID())
	require.NoError(t, repo.Create(ctx, run))

	fresh, err := repo.Get(ctx, run.OrderID)
	require.NoError(t, err)
	require.NoError(t, fresh.BeginStep(domain.StepProcessPayment))
	require.NoError(t, repo.Save(ctx, fresh))

	// A writer holding the original version loses.
	err = repo.Save(ctx, run)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStaleVersion))
}

func TestMemorySagaRepository_SaveAcceptsMultiBumpMutations(t *testing.T) {
	repo := NewMemorySagaRepository()
	ctx := context.Background()
	run := domain.NewSagaRun(models.GenerateUUID())
	require.NoError(t, repo.Create(ctx, run))

	// StartCompensation with a reason bumps the version twice before the
	// next save; the guard must match the loaded version, not version-1.
	loaded, err := repo.Get(ctx, run.OrderID)
	require.NoError(t, err)
	require.NoError(t, loaded.StartCompensation("payment declined"))
	require.NoError(t, repo.Save(ctx, loaded))

	loaded.RecordError("compensation of PROCESS_PAYMENT failed")
	require.NoError(t, loaded.MarkCompensated())
	require.NoError(t, repo.Save(ctx, loaded))

	got, err := repo.Get(ctx, run.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompensated, got.Status)
	assert.Contains(t, got.ErrorMessage, "payment declined")
	assert.Contains(t, got.ErrorMessage, "PROCESS_PAYMENT")
}

func TestMemorySagaRepository_SaveRejectsLostUpdateDespiteHigherVersion(t *testing.T) {
	repo := NewMemorySagaRepository()
	ctx := context.Background()
	run := domain.NewSagaRun(models.GenerateUUID())
	require.NoError(t, repo.Create(ctx, run))

	fresh, err := repo.Get(ctx, run.OrderID)
	require.NoError(t, err)
	require.NoError(t, fresh.BeginStep(domain.StepProcessPayment))
	require.NoError(t, repo.Save(ctx, fresh))

	// The stale writer's double bump pushes its version past the stored
	// one; a version-ordering check alone would let it clobber the fresh
	// write.
	require.NoError(t, run.StartCompensation("late cancel"))
	err = repo.Save(ctx, run)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStaleVersion))
}

func TestMemorySagaRepository_RoundTrip(t *testing.T) {
	repo := NewMemorySagaRepository()
	ctx := context.Background()

	run := domain.NewSagaRun(models.GenerateUUID())
	productID := models.GenerateUUID()
	require.NoError(t, run.BeginStep(domain.StepProcessPayment))
	require.NoError(t, run.CompleteStep(domain.StepProcessPayment, map[string]string{
		domain.CompDataPaymentTransactionID: "txn-7",
	}))
	require.NoError(t, run.BeginStep(domain.StepUpdateStock))
	require.NoError(t, run.CompleteStep(domain.StepUpdateStock, map[string]string{
		"stock:" + productID.String(): "4",
	}))
	run.RecordError("SEND_NOTIFICATION failed: smtp down")
	require.NoError(t, repo.Create(ctx, run))

	got, err := repo.Get(ctx, run.OrderID)
	require.NoError(t, err)
	assert.Equal(t, *run, *got)
	assert.Equal(t, domain.StepUpdateStock, got.CurrentStep)
	assert.Equal(t, domain.SagaStatusInProgress, got.Status)
	assert.True(t, got.PaymentCompleted)
	assert.True(t, got.StockUpdated)
	assert.False(t, got.ProviderConfirmed)
	assert.Equal(t, "txn-7", got.CompensationData[domain.CompDataPaymentTransactionID])
	assert.Equal(t, "4", got.CompensationData["stock:"+productID.String()])
	assert.Equal(t, "SEND_NOTIFICATION failed: smtp down", got.ErrorMessage)
	assert.Equal(t, run.Version.Value, got.Version.Value)
}

func TestMemorySagaRepository_CloneIsolation(t *testing.T) {
	repo := NewMemorySagaRepository()
	ctx := context.Background()
	run := domain.NewSagaRun(models.GenerateUUID())
	require.NoError(t, repo.Create(ctx, run))

	got, err := repo.Get(ctx, run.OrderID)
	require.NoError(t, err)
	got.CompensationData["k"] = "v"

	again, err := repo.Get(ctx, run.OrderID)
	require.NoError(t, err)
	assert.NotContains(t, again.CompensationData, "k")
}

func TestMemorySagaRepository_ListByStatus(t *testing.T) {
	repo := NewMemorySagaRepository()
	ctx := context.Background()

	active := domain.NewSagaRun(models.GenerateUUID())
	require.NoError(t, repo.Create(ctx, active))

	done := domain.NewSagaRun(models.GenerateUUID())
	require.NoError(t, done.Complete())
	require.NoError(t, repo.Create(ctx, done))

	inProgress, err := repo.ListByStatus(ctx, domain.SagaStatusInProgress)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, active.OrderID, inProgress[0].OrderID)

	completed, err := repo.ListByStatus(ctx, domain.SagaStatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)

	failed, err := repo.ListByStatus(ctx, domain.SagaStatusFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}
