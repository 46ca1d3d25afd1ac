package saga

import (
	"context"
	"sync"
	"testing"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/order-service/infrastructure"
	"github.com/allconnect/order-system/shared/breaker"
	"github.com/allconnect/order-system/shared/events"
	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callLog records collaborator invocations across all fakes in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.all() {
		if c == call {
			n++
		}
	}
	return n
}

type fakePayment struct {
	log       *callLog
	chargeErr error
	refundErr error
	refunded  []string
	mu        sync.Mutex
}

func (f *fakePayment) Charge(ctx context.Context, orderID models.ID, amount models.Money, method string) (string, error) {
	f.log.add("charge")
	if f.chargeErr != nil {
		return "", f.chargeErr
	}
	return "txn-1", nil
}

func (f *fakePayment) Refund(ctx context.Context, transactionID string) error {
	f.log.add("refund")
	if f.refundErr != nil {
		return f.refundErr
	}
	f.mu.Lock()
	f.refunded = append(f.refunded, transactionID)
	f.mu.Unlock()
	return nil
}

type fakeInventory struct {
	log       *callLog
	adjustErr error
	deltas    map[string][]int
	mu        sync.Mutex
}

func (f *fakeInventory) AdjustStock(ctx context.Context, productID models.ID, delta int) error {
	if delta < 0 {
		f.log.add("deduct")
	} else {
		f.log.add("restock")
	}
	if f.adjustErr != nil && delta < 0 {
		return f.adjustErr
	}
	f.mu.Lock()
	if f.deltas == nil {
		f.deltas = make(map[string][]int)
	}
	f.deltas[productID.String()] = append(f.deltas[productID.String()], delta)
	f.mu.Unlock()
	return nil
}

type fakeProvider struct {
	log        *callLog
	confirmErr error
	cancelled  []string
	mu         sync.Mutex
}

func (f *fakeProvider) Confirm(ctx context.Context, orderID models.ID) (string, error) {
	f.log.add("confirm")
	if f.confirmErr != nil {
		return "", f.confirmErr
	}
	return "conf-1", nil
}

func (f *fakeProvider) Cancel(ctx context.Context, confirmationID string) error {
	f.log.add("provider-cancel")
	f.mu.Lock()
	f.cancelled = append(f.cancelled, confirmationID)
	f.mu.Unlock()
	return nil
}

type fakeNotifier struct {
	log        *callLog
	publishErr error
	sent       []domain.Notification
	mu         sync.Mutex
}

func (f *fakeNotifier) Publish(ctx context.Context, notification domain.Notification) error {
	f.log.add("notify")
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, notification)
	f.mu.Unlock()
	return nil
}

type fakeInvoicer struct {
	log       *callLog
	createErr error
	voided    []string
	mu        sync.Mutex
}

func (f *fakeInvoicer) CreateInvoice(ctx context.Context, orderID, customerID models.ID, amount, tax models.Money) (string, error) {
	f.log.add("invoice")
	if f.createErr != nil {
		return "", f.createErr
	}
	return "inv-1", nil
}

func (f *fakeInvoicer) VoidInvoice(ctx context.Context, invoiceID string) error {
	f.log.add("void-invoice")
	f.mu.Lock()
	f.voided = append(f.voided, invoiceID)
	f.mu.Unlock()
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evts...)
	return nil
}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, len(p.events))
	for i, e := range p.events {
		types[i] = e.EventType
	}
	return types
}

type sagaFixture struct {
	orders    *infrastructure.MemoryOrderRepository
	sagas     *infrastructure.MemorySagaRepository
	publisher *recordingPublisher
	log       *callLog
	payment   *fakePayment
	inventory *fakeInventory
	provider  *fakeProvider
	notifier  *fakeNotifier
	invoicer  *fakeInvoicer
	orch      *Orchestrator
}

func newSagaFixture(t *testing.T) *sagaFixture {
	t.Helper()

	log := &callLog{}
	f := &sagaFixture{
		orders:    infrastructure.NewMemoryOrderRepository(),
		sagas:     infrastructure.NewMemorySagaRepository(),
		publisher: &recordingPublisher{},
		log:       log,
		payment:   &fakePayment{log: log},
		inventory: &fakeInventory{log: log},
		provider:  &fakeProvider{log: log},
		notifier:  &fakeNotifier{log: log},
		invoicer:  &fakeInvoicer{log: log},
	}

	f.orch = NewOrchestrator(
		f.orders,
		f.sagas,
		Collaborators{
			Payment:   f.payment,
			Inventory: f.inventory,
			Provider:  f.provider,
			Notifier:  f.notifier,
			Invoicer:  f.invoicer,
		},
		f.publisher,
		breaker.NewRegistry(breaker.Config{}),
		GuardConfig{},
	)
	return f
}

var testPricing = domain.Pricing{TaxRateBasisPoints: 1900, ShippingFlatFee: 15000}

func (f *sagaFixture) newOrder(t *testing.T, items []domain.LineItem) *domain.Order {
	t.Helper()

	order, err := domain.CreateOrder(models.GenerateUUID(), items, "Calle 123", "credit_card", testPricing)
	require.NoError(t, err)
	order.ClearEvents()
	require.NoError(t, f.orders.Save(context.Background(), order))
	return order
}

func physicalItems(qty int) []domain.LineItem {
	return []domain.LineItem{{
		ProductID:   models.GenerateUUID(),
		ProductType: domain.ProductTypePhysical,
		Quantity:    qty,
		UnitPrice:   models.NewMoney(100000, "COP"),
	}}
}

func TestOrchestratorRun_HappyPath(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	order := f.newOrder(t, physicalItems(2))

	require.NoError(t, f.orch.Run(ctx, order.ID))

	got, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, got.Status)
	require.NotNil(t, got.PaymentTransactionID)
	assert.Equal(t, "txn-1", *got.PaymentTransactionID)
	require.NotNil(t, got.ProviderConfirmationID)
	assert.Equal(t, "conf-1", *got.ProviderConfirmationID)
	require.NotNil(t, got.InvoiceID)
	assert.Equal(t, "inv-1", *got.InvoiceID)

	run, err := f.sagas.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompleted, run.Status)
	assert.Equal(t, domain.StepCompleted, run.CurrentStep)
	assert.True(t, run.PaymentCompleted)
	assert.True(t, run.StockUpdated)
	assert.True(t, run.ProviderConfirmed)
	assert.True(t, run.NotificationSent)
	assert.True(t, run.InvoiceCreated)
	assert.Equal(t, "txn-1", run.CompensationData[domain.CompDataPaymentTransactionID])

	assert.Equal(t, []string{"charge", "deduct", "confirm", "notify", "invoice"}, f.log.all())
	assert.Contains(t, f.publisher.eventTypes(), events.SagaStartedEvent)
	assert.Contains(t, f.publisher.eventTypes(), events.OrderCompletedEvent)
	assert.Contains(t, f.publisher.eventTypes(), events.SagaCompletedEvent)
}

func TestOrchestratorRun_PaymentHardFailure(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	f.payment.chargeErr = errors.New("card declined")
	order := f.newOrder(t, physicalItems(1))

	require.NoError(t, f.orch.Run(ctx, order.ID))

	got, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	// Nothing was captured, so there is nothing to refund.
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)

	run, err := f.sagas.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompensated, run.Status)
	assert.False(t, run.PaymentCompleted)
	assert.Contains(t, run.ErrorMessage, "PROCESS_PAYMENT")

	assert.Zero(t, f.log.count("refund"))
	assert.Zero(t, f.log.count("deduct"))
	assert.Contains(t, f.publisher.eventTypes(), events.SagaCompensatedEvent)
	assert.Contains(t, f.publisher.eventTypes(), events.OrderCancelledEvent)
}

func TestOrchestratorRun_ProviderFailureRefundsAndRestocks(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	f.provider.confirmErr = errors.New("provider down")
	order := f.newOrder(t, physicalItems(3))
	productID := order.Items[0].ProductID.String()

	require.NoError(t, f.orch.Run(ctx, order.ID))

	got, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	// The captured payment was undone, so the order ends REFUNDED.
	assert.Equal(t, domain.OrderStatusRefunded, got.Status)

	run, err := f.sagas.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompensated, run.Status)

	// The exact captured transaction is refunded and the exact deducted
	// quantity restocked. No invoice existed, so none is voided.
	assert.Equal(t, []string{"txn-1"}, f.payment.refunded)
	assert.Equal(t, []int{-3, 3}, f.inventory.deltas[productID])
	assert.Zero(t, f.log.count("void-invoice"))
	assert.Zero(t, f.log.count("invoice"))
	assert.Contains(t, f.publisher.eventTypes(), events.OrderRefundedEvent)
}

func TestOrchestratorCompensate_PersistsDespiteFailedActions(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	f.provider.confirmErr = errors.New("provider down")
	f.payment.refundErr = errors.New("refund rejected")
	order := f.newOrder(t, physicalItems(2))
	productID := order.Items[0].ProductID.String()

	require.NoError(t, f.orch.Run(ctx, order.ID))

	// The failure reason and the failed refund each append to the run's
	// error log between saves; the run must still land COMPENSATED.
	run, err := f.sagas.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompensated, run.Status)
	assert.Contains(t, run.ErrorMessage, "CONFIRM_PROVIDER")
	assert.Contains(t, run.ErrorMessage, "compensation of PROCESS_PAYMENT failed")

	got, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, got.Status)

	// The restock still ran even though the refund did not.
	assert.Equal(t, []int{-2, 2}, f.inventory.deltas[productID])
	assert.Contains(t, f.publisher.eventTypes(), events.SagaCompensatedEvent)
}

func TestOrchestratorRun_SoftFailureDoesNotAbort(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	f.notifier.publishErr = errors.New("smtp relay down")
	order := f.newOrder(t, physicalItems(1))

	require.NoError(t, f.orch.Run(ctx, order.ID))

	got, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, got.Status)

	run, err := f.sagas.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompleted, run.Status)
	assert.False(t, run.NotificationSent)
	assert.True(t, run.InvoiceCreated)
	assert.Contains(t, run.ErrorMessage, "SEND_NOTIFICATION")

	assert.Zero(t, f.log.count("refund"))
}

func TestOrchestratorRun_StockSoftFailureContinues(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	f.inventory.adjustErr = errors.New("catalog timeout")
	order := f.newOrder(t, physicalItems(1))

	require.NoError(t, f.orch.Run(ctx, order.ID))

	got, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, got.Status)

	run, err := f.sagas.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, run.StockUpdated)
	assert.Contains(t, run.ErrorMessage, "UPDATE_STOCK")
}

func TestOrchestratorRun_CompletedStepsNotReinvoked(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	order := f.newOrder(t, physicalItems(1))

	run := domain.NewSagaRun(order.ID)
	require.NoError(t, run.CompleteStep(domain.StepProcessPayment, map[string]string{
		domain.CompDataPaymentTransactionID: "txn-prior",
	}))
	require.NoError(t, f.sagas.Create(ctx, run))

	require.NoError(t, f.orch.Run(ctx, order.ID))

	// The charge is never repeated; the rest of the sequence runs.
	assert.Zero(t, f.log.count("charge"))
	assert.Equal(t, 1, f.log.count("confirm"))

	got, err := f.sagas.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompleted, got.Status)
	assert.Equal(t, "txn-prior", got.CompensationData[domain.CompDataPaymentTransactionID])
}

func TestOrchestratorRun_DuplicateTriggerIsNoOp(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	order := f.newOrder(t, physicalItems(1))

	require.NoError(t, f.orch.Run(ctx, order.ID))
	require.NoError(t, f.orch.Run(ctx, order.ID))

	assert.Equal(t, 1, f.log.count("charge"))
	assert.Equal(t, 1, f.log.count("confirm"))
	assert.Equal(t, 1, f.log.count("invoice"))
}

func TestOrchestratorRun_SkipsTerminalOrderWithoutRun(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	order := f.newOrder(t, physicalItems(1))

	loaded, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Cancel())
	loaded.ClearEvents()
	require.NoError(t, f.orders.Save(ctx, loaded))

	require.NoError(t, f.orch.Run(ctx, order.ID))

	assert.Empty(t, f.log.all())
	_, err = f.sagas.Get(ctx, order.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestOrchestratorComplete_CancelBeforeCompletionWins(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	order := f.newOrder(t, physicalItems(2))
	productID := order.Items[0].ProductID.String()

	run := domain.NewSagaRun(order.ID)
	require.NoError(t, run.CompleteStep(domain.StepProcessPayment, map[string]string{
		domain.CompDataPaymentTransactionID: "txn-1",
	}))
	require.NoError(t, run.CompleteStep(domain.StepUpdateStock, map[string]string{
		"stock:" + productID: "2",
	}))
	require.NoError(t, run.CompleteStep(domain.StepConfirmProvider, map[string]string{
		domain.CompDataProviderConfirmationID: "conf-1",
	}))
	require.NoError(t, run.CompleteStep(domain.StepSendNotification, nil))
	require.NoError(t, run.CompleteStep(domain.StepCreateInvoice, map[string]string{
		domain.CompDataInvoiceID: "inv-1",
	}))
	require.NoError(t, f.sagas.Create(ctx, run))

	loaded, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Cancel())
	loaded.ClearEvents()
	require.NoError(t, f.orders.Save(ctx, loaded))

	require.NoError(t, f.orch.Run(ctx, order.ID))

	got, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, got.Status)

	gotRun, err := f.sagas.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusCompensated, gotRun.Status)
}

func TestOrchestratorCompensate_StrictReverseOrder(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	order := f.newOrder(t, physicalItems(2))
	productID := order.Items[0].ProductID.String()

	run := domain.NewSagaRun(order.ID)
	require.NoError(t, run.CompleteStep(domain.StepProcessPayment, map[string]string{
		domain.CompDataPaymentTransactionID: "txn-9",
	}))
	require.NoError(t, run.CompleteStep(domain.StepUpdateStock, map[string]string{
		"stock:" + productID: "2",
	}))
	require.NoError(t, run.CompleteStep(domain.StepConfirmProvider, map[string]string{
		domain.CompDataProviderConfirmationID: "conf-9",
	}))
	require.NoError(t, run.CompleteStep(domain.StepSendNotification, nil))
	require.NoError(t, run.CompleteStep(domain.StepCreateInvoice, map[string]string{
		domain.CompDataInvoiceID: "inv-9",
	}))
	require.NoError(t, f.sagas.Create(ctx, run))

	require.NoError(t, f.orch.Compensate(ctx, order.ID, "cancellation requested"))

	assert.Equal(t, []string{"void-invoice", "notify", "provider-cancel", "restock", "refund"}, f.log.all())
	assert.Equal(t, []string{"inv-9"}, f.invoicer.voided)
	assert.Equal(t, []string{"conf-9"}, f.provider.cancelled)
	assert.Equal(t, []string{"txn-9"}, f.payment.refunded)
	assert.Equal(t, []int{2}, f.inventory.deltas[productID])

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, events.NotificationOrderCancelled, f.notifier.sent[0].Type)
}

func TestOrchestratorCompensate_NoRunIsNoOp(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	order := f.newOrder(t, physicalItems(1))

	require.NoError(t, f.orch.Compensate(ctx, order.ID, "cancelled before start"))
	assert.Empty(t, f.log.all())
}

func TestOrchestratorCompensate_TerminalRunIsNoOp(t *testing.T) {
	f := newSagaFixture(t)
	ctx := context.Background()
	order := f.newOrder(t, physicalItems(1))

	require.NoError(t, f.orch.Run(ctx, order.ID))
	before := len(f.log.all())

	require.NoError(t, f.orch.Compensate(ctx, order.ID, "late cancel"))
	assert.Len(t, f.log.all(), before)
}
