package saga

import (
	"context"
	"testing"
	"time"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerExecutesEnqueuedSaga(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	order := f.newOrder(t, physicalItems(1))

	runner := NewRunner(f.orch, f.sagas, RunnerConfig{Workers: 2, QueueSize: 8})
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	require.NoError(t, runner.EnqueueStart(ctx, order.ID))

	require.Eventually(t, func() bool {
		got, err := f.orders.FindByID(ctx, order.ID)
		return err == nil && got.Status == domain.OrderStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunnerExecutesEnqueuedCompensation(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	order := f.newOrder(t, physicalItems(1))

	run := domain.NewSagaRun(order.ID)
	require.NoError(t, run.CompleteStep(domain.StepProcessPayment, map[string]string{
		domain.CompDataPaymentTransactionID: "txn-1",
	}))
	require.NoError(t, f.sagas.Create(ctx, run))

	runner := NewRunner(f.orch, f.sagas, RunnerConfig{Workers: 1})
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	require.NoError(t, runner.EnqueueCompensation(ctx, order.ID, "cancellation requested"))

	require.Eventually(t, func() bool {
		got, err := f.sagas.Get(ctx, order.ID)
		return err == nil && got.Status == domain.SagaStatusCompensated
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"txn-1"}, f.payment.refunded)
}

func TestRunnerRecoverySweep(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()

	// A run interrupted mid-forward-pass and one interrupted mid-compensation.
	interrupted := f.newOrder(t, physicalItems(1))
	interruptedRun := domain.NewSagaRun(interrupted.ID)
	require.NoError(t, interruptedRun.CompleteStep(domain.StepProcessPayment, map[string]string{
		domain.CompDataPaymentTransactionID: "txn-a",
	}))
	require.NoError(t, f.sagas.Create(ctx, interruptedRun))

	halfCompensated := f.newOrder(t, physicalItems(1))
	halfRun := domain.NewSagaRun(halfCompensated.ID)
	require.NoError(t, halfRun.CompleteStep(domain.StepProcessPayment, map[string]string{
		domain.CompDataPaymentTransactionID: "txn-b",
	}))
	require.NoError(t, halfRun.StartCompensation("hard failure before restart"))
	require.NoError(t, f.sagas.Create(ctx, halfRun))

	// FAILED runs wait for an operator and are not resumed.
	failedOrder := f.newOrder(t, physicalItems(1))
	failedRun := domain.NewSagaRun(failedOrder.ID)
	failedRun.MarkFailed("saga store unavailable")
	require.NoError(t, f.sagas.Create(ctx, failedRun))

	runner := NewRunner(f.orch, f.sagas, RunnerConfig{Workers: 2})
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	require.Eventually(t, func() bool {
		resumed, err := f.sagas.Get(ctx, interrupted.ID)
		if err != nil || resumed.Status != domain.SagaStatusCompleted {
			return false
		}
		compensated, err := f.sagas.Get(ctx, halfCompensated.ID)
		return err == nil && compensated.Status == domain.SagaStatusCompensated
	}, 2*time.Second, 10*time.Millisecond)

	// The resumed forward run never re-charges.
	assert.Zero(t, f.log.count("charge"))
	assert.Contains(t, f.payment.refunded, "txn-b")

	still, err := f.sagas.Get(ctx, failedOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusFailed, still.Status)
}
