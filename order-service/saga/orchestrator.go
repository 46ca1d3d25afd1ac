// Package saga drives an order through the fixed fulfillment sequence
// PROCESS_PAYMENT, UPDATE_STOCK, CONFIRM_PROVIDER, SEND_NOTIFICATION,
// CREATE_INVOICE, persisting progress after every step attempt. On an
// irrecoverable failure it walks the completed steps in reverse and runs
// their compensating actions.
package saga

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/shared/breaker"
	"github.com/allconnect/order-system/shared/events"
	"github.com/allconnect/order-system/shared/models"
	"github.com/allconnect/order-system/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// Collaborator names used for circuit breakers and metrics.
const (
	CollaboratorPayment   = "payment"
	CollaboratorInventory = "inventory"
	CollaboratorProvider  = "provider"
	CollaboratorNotifier  = "notifier"
	CollaboratorInvoicer  = "invoicer"
)

// Collaborators bundles the capability interfaces the saga calls outward
// through. The orchestrator implements none of them.
type Collaborators struct {
	Payment   domain.PaymentGateway
	Inventory domain.InventoryGateway
	Provider  domain.ProviderConfirmationGateway
	Notifier  domain.Notifier
	Invoicer  domain.Invoicer
}

// stepDef binds a forward step to its executor and failure class. Steps
// marked critical abort the saga and trigger compensation when they fail;
// the rest are best-effort side effects the saga survives.
type stepDef struct {
	step     domain.SagaStep
	critical bool
	execute  func(ctx context.Context, order *domain.Order, run *domain.SagaRun) error
}

// Orchestrator is the step-sequencing engine. One instance serves all
// orders; per-order keyed locking keeps forward execution and compensation
// for the same order from racing while unrelated orders proceed fully
// concurrently.
type Orchestrator struct {
	orders    domain.OrderRepository
	sagas     domain.SagaRepository
	gw        Collaborators
	publisher events.Publisher

	paymentGuard   *Guard
	inventoryGuard *Guard
	providerGuard  *Guard
	notifierGuard  *Guard
	invoicerGuard  *Guard

	steps []stepDef
	locks keyedMutex
}

// NewOrchestrator wires the engine. Breakers come from the injected
// registry; calls holds the per-attempt timeout and retry policy applied to
// every collaborator.
func NewOrchestrator(
	orders domain.OrderRepository,
	sagas domain.SagaRepository,
	gw Collaborators,
	publisher events.Publisher,
	registry *breaker.Registry,
	calls GuardConfig,
) *Orchestrator {
	o := &Orchestrator{
		orders:    orders,
		sagas:     sagas,
		gw:        gw,
		publisher: publisher,
	}

	// The payment fallback must surface as a hard failure; it never
	// fabricates a successful charge.
	o.paymentGuard = NewGuard(CollaboratorPayment, registry.Get(CollaboratorPayment), calls).
		WithFallback(func(ctx context.Context, callErr error) error {
			return errors.Wrap(callErr, "payment collaborator unavailable")
		})
	o.inventoryGuard = NewGuard(CollaboratorInventory, registry.Get(CollaboratorInventory), calls)
	o.providerGuard = NewGuard(CollaboratorProvider, registry.Get(CollaboratorProvider), calls)
	o.notifierGuard = NewGuard(CollaboratorNotifier, registry.Get(CollaboratorNotifier), calls)
	o.invoicerGuard = NewGuard(CollaboratorInvoicer, registry.Get(CollaboratorInvoicer), calls)

	o.steps = []stepDef{
		{step: domain.StepProcessPayment, critical: true, execute: o.executePayment},
		{step: domain.StepUpdateStock, critical: false, execute: o.executeStock},
		{step: domain.StepConfirmProvider, critical: true, execute: o.executeProvider},
		{step: domain.StepSendNotification, critical: false, execute: o.executeNotification},
		{step: domain.StepCreateInvoice, critical: false, execute: o.executeInvoice},
	}

	return o
}

// Run executes the forward sequence for the order, creating the saga run if
// none exists yet and resuming from persisted flags otherwise. Duplicate
// triggers are no-ops: completed steps are never re-invoked.
func (o *Orchestrator) Run(ctx context.Context, orderID models.ID) error {
	run, proceed, err := o.ensureRun(ctx, orderID)
	if err != nil || !proceed {
		return err
	}

	if run.Status == domain.SagaStatusCompensating {
		// Crash recovery picked up a half-finished compensation.
		return o.Compensate(ctx, orderID, "")
	}

	for _, st := range o.steps {
		proceed, stepErr := o.runStep(ctx, orderID, st)
		if !proceed {
			// A cancel request took the run over; its worker owns the
			// compensation.
			return nil
		}
		if stepErr != nil {
			return o.Compensate(ctx, orderID, stepErr.Error())
		}
	}

	return o.complete(ctx, orderID)
}

// ensureRun loads or creates the saga run under the order lock. proceed is
// false when there is nothing left for forward execution to do.
func (o *Orchestrator) ensureRun(ctx context.Context, orderID models.ID) (*domain.SagaRun, bool, error) {
	unlock := o.locks.lock(orderID)
	defer unlock()

	order, err := o.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to load order")
	}
	if order == nil {
		return nil, false, errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
	}

	run, err := o.sagas.Get(ctx, orderID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, false, errors.Wrap(err, "failed to load saga run")
	}

	if run == nil {
		// A cancel that raced ahead of the saga start leaves a terminal
		// order with no run; starting fulfillment now would charge a
		// cancelled order.
		if order.Status.IsTerminal() {
			log.Printf("saga: order %s already %s, skipping saga start", orderID, order.Status)
			return nil, false, nil
		}

		run = domain.NewSagaRun(orderID)
		if err := o.sagas.Create(ctx, run); err != nil {
			if errors.Is(err, domain.ErrSagaExists) {
				run, err = o.sagas.Get(ctx, orderID)
				if err != nil {
					return nil, false, errors.Wrap(err, "failed to reload saga run")
				}
			} else {
				return nil, false, errors.Wrap(err, "failed to create saga run")
			}
		} else {
			o.publishSagaEvent(ctx, orderID, events.SagaStartedEvent, nil)
		}
	}

	if run.Status.IsTerminal() {
		return run, false, nil
	}
	return run, true, nil
}

// runStep executes one forward step under the order lock. The lock is
// released between steps so a pending cancel can take over at the next step
// boundary. proceed reports whether forward execution still owns the run;
// a non-nil error is always a hard failure.
func (o *Orchestrator) runStep(ctx context.Context, orderID models.ID, st stepDef) (proceed bool, err error) {
	unlock := o.locks.lock(orderID)
	defer unlock()

	run, err := o.sagas.Get(ctx, orderID)
	if err != nil {
		return false, errors.Wrap(domain.ErrHardStepFailure, err.Error())
	}
	if run.Status != domain.SagaStatusInProgress {
		return false, nil
	}

	// Idempotency: a completed step is never re-invoked, so duplicate
	// triggers and restarts cannot double-charge or double-confirm.
	if run.StepCompleted(st.step) {
		return true, nil
	}

	order, err := o.orders.FindByID(ctx, orderID)
	if err != nil || order == nil {
		return false, errors.Wrapf(domain.ErrHardStepFailure, "order %s unavailable", orderID)
	}

	// Persist the step about to be attempted before calling out, so a
	// crashed process resumes here instead of restarting from the top.
	if err := run.BeginStep(st.step); err != nil {
		return false, nil
	}
	if err := o.sagas.Save(ctx, run); err != nil {
		return false, errors.Wrap(domain.ErrHardStepFailure, err.Error())
	}

	stepCtx, span := telemetry.StartSpan(ctx, "saga.step."+string(st.step))
	span.SetAttributes(attribute.String("order.id", orderID.String()))
	execErr := st.execute(stepCtx, order, run)
	span.End()

	outcome := "success"
	if execErr != nil {
		outcome = "failure"
	}
	telemetry.RecordCounter(ctx, "saga_step_attempts_total", "Saga step attempts", 1,
		attribute.String("step", string(st.step)),
		attribute.String("outcome", outcome),
	)

	if execErr == nil {
		return true, nil
	}

	if !st.critical {
		// Best-effort side effect: leave the flag unset and move on.
		log.Printf("saga: order %s step %s failed (continuing): %v", orderID, st.step, execErr)
		run.RecordError(fmt.Sprintf("%s failed: %v", st.step, execErr))
		if err := o.sagas.Save(ctx, run); err != nil {
			log.Printf("saga: order %s failed to record soft failure: %v", orderID, err)
		}
		return true, nil
	}

	run.RecordError(fmt.Sprintf("%s failed: %v", st.step, execErr))
	if err := o.sagas.Save(ctx, run); err != nil {
		log.Printf("saga: order %s failed to record hard failure: %v", orderID, err)
	}
	return true, errors.Wrapf(domain.ErrHardStepFailure, "%s: %v", st.step, execErr)
}

func (o *Orchestrator) executePayment(ctx context.Context, order *domain.Order, run *domain.SagaRun) error {
	order.BeginPayment()
	if err := o.orders.Save(ctx, order); err != nil {
		return errors.Wrap(err, "failed to persist payment pending status")
	}

	var transactionID string
	err := o.paymentGuard.Call(ctx, func(ctx context.Context) error {
		var callErr error
		transactionID, callErr = o.gw.Payment.Charge(ctx, order.ID, order.Total, order.PaymentMethod)
		return callErr
	})
	if err != nil {
		return err
	}

	if err := run.CompleteStep(domain.StepProcessPayment, map[string]string{
		domain.CompDataPaymentTransactionID: transactionID,
	}); err != nil {
		return err
	}
	if err := o.sagas.Save(ctx, run); err != nil {
		return errors.Wrap(err, "failed to persist payment completion")
	}

	order.CompletePayment(transactionID)
	return errors.Wrap(o.orders.Save(ctx, order), "failed to persist captured payment")
}

func (o *Orchestrator) executeStock(ctx context.Context, order *domain.Order, run *domain.SagaRun) error {
	deducted := make(map[string]string)

	for _, item := range order.Items {
		if item.ProductType != domain.ProductTypePhysical {
			continue
		}
		item := item
		err := o.inventoryGuard.Call(ctx, func(ctx context.Context) error {
			return o.gw.Inventory.AdjustStock(ctx, item.ProductID, -item.Quantity)
		})
		if err != nil {
			// Deductions that already happened are recorded so
			// compensation re-increments exactly those.
			if len(deducted) > 0 {
				if flagErr := run.CompleteStep(domain.StepUpdateStock, deducted); flagErr == nil {
					if saveErr := o.sagas.Save(ctx, run); saveErr != nil {
						log.Printf("saga: order %s failed to persist partial stock deduction: %v", order.ID, saveErr)
					}
				}
			}
			return err
		}
		deducted[stockCompKey(item.ProductID)] = strconv.Itoa(item.Quantity)
	}

	if len(deducted) == 0 {
		// Nothing physical to deduct; the step completes without a
		// compensating obligation.
		return nil
	}

	if err := run.CompleteStep(domain.StepUpdateStock, deducted); err != nil {
		return err
	}
	return errors.Wrap(o.sagas.Save(ctx, run), "failed to persist stock deduction")
}

func (o *Orchestrator) executeProvider(ctx context.Context, order *domain.Order, run *domain.SagaRun) error {
	order.BeginProviderConfirmation()
	if err := o.orders.Save(ctx, order); err != nil {
		return errors.Wrap(err, "failed to persist provider pending status")
	}

	var confirmationID string
	err := o.providerGuard.Call(ctx, func(ctx context.Context) error {
		var callErr error
		confirmationID, callErr = o.gw.Provider.Confirm(ctx, order.ID)
		return callErr
	})
	if err != nil {
		return err
	}

	if err := run.CompleteStep(domain.StepConfirmProvider, map[string]string{
		domain.CompDataProviderConfirmationID: confirmationID,
	}); err != nil {
		return err
	}
	if err := o.sagas.Save(ctx, run); err != nil {
		return errors.Wrap(err, "failed to persist provider confirmation")
	}

	order.ConfirmProvider(confirmationID)
	return errors.Wrap(o.orders.Save(ctx, order), "failed to persist confirmed provider")
}

func (o *Orchestrator) executeNotification(ctx context.Context, order *domain.Order, run *domain.SagaRun) error {
	err := o.notifierGuard.Call(ctx, func(ctx context.Context) error {
		return o.gw.Notifier.Publish(ctx, domain.Notification{
			Type:       events.NotificationOrderConfirmation,
			CustomerID: order.CustomerID,
			OrderID:    order.ID,
			Channel:    "email",
		})
	})
	if err != nil {
		return err
	}

	if err := run.CompleteStep(domain.StepSendNotification, nil); err != nil {
		return err
	}
	return errors.Wrap(o.sagas.Save(ctx, run), "failed to persist notification dispatch")
}

func (o *Orchestrator) executeInvoice(ctx context.Context, order *domain.Order, run *domain.SagaRun) error {
	var invoiceID string
	err := o.invoicerGuard.Call(ctx, func(ctx context.Context) error {
		var callErr error
		invoiceID, callErr = o.gw.Invoicer.CreateInvoice(ctx, order.ID, order.CustomerID, order.Total, order.Tax)
		return callErr
	})
	if err != nil {
		return err
	}

	if err := run.CompleteStep(domain.StepCreateInvoice, map[string]string{
		domain.CompDataInvoiceID: invoiceID,
	}); err != nil {
		return err
	}
	if err := o.sagas.Save(ctx, run); err != nil {
		return errors.Wrap(err, "failed to persist invoice creation")
	}

	order.AttachInvoice(invoiceID)
	return errors.Wrap(o.orders.Save(ctx, order), "failed to persist invoice reference")
}

// complete finalizes a run whose forward steps all succeeded or soft-failed.
func (o *Orchestrator) complete(ctx context.Context, orderID models.ID) error {
	unlock := o.locks.lock(orderID)

	run, err := o.sagas.Get(ctx, orderID)
	if err != nil {
		unlock()
		return errors.Wrap(err, "failed to load saga run for completion")
	}
	if run.Status != domain.SagaStatusInProgress {
		unlock()
		return nil
	}

	order, err := o.orders.FindByID(ctx, orderID)
	if err != nil || order == nil {
		unlock()
		return errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
	}

	// A cancel that was accepted between the last step and completion wins:
	// the order must not end up COMPLETED.
	if order.Status == domain.OrderStatusCancelled {
		unlock()
		return o.Compensate(ctx, orderID, "cancelled before completion")
	}

	if err := run.Complete(); err != nil {
		unlock()
		return err
	}
	if err := o.sagas.Save(ctx, run); err != nil {
		unlock()
		return errors.Wrap(err, "failed to persist saga completion")
	}

	if err := order.Complete(); err != nil {
		unlock()
		return err
	}
	if err := o.orders.Save(ctx, order); err != nil {
		unlock()
		return errors.Wrap(err, "failed to persist completed order")
	}
	unlock()

	o.publishAggregateEvents(ctx, order)
	o.publishSagaEvent(ctx, orderID, events.SagaCompletedEvent, nil)
	log.Printf("saga: order %s completed", orderID)
	return nil
}

// Compensate undoes completed steps in strict reverse forward order, using
// the compensation data captured during the forward pass. Each compensating
// action is independently best-effort: its own failure is logged and the
// walk continues. Only a saga store failure aborts the routine, leaving the
// run FAILED for operator intervention.
func (o *Orchestrator) Compensate(ctx context.Context, orderID models.ID, reason string) error {
	unlock := o.locks.lock(orderID)
	defer unlock()

	run, err := o.sagas.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Order cancelled before the saga ever started: nothing to undo.
			return nil
		}
		return errors.Wrap(domain.ErrCompensationFatal, err.Error())
	}
	if run.Status.IsTerminal() {
		return nil
	}

	if run.Status != domain.SagaStatusCompensating {
		if err := run.StartCompensation(reason); err != nil {
			return err
		}
		if err := o.sagas.Save(ctx, run); err != nil {
			return o.failRun(ctx, run, err)
		}
	}

	order, err := o.orders.FindByID(ctx, orderID)
	if err != nil || order == nil {
		return o.failRun(ctx, run, errors.Errorf("order %s unavailable during compensation", orderID))
	}

	// Reverse walk, gated on completion flags only.
	if run.InvoiceCreated {
		o.compensateStep(ctx, run, domain.StepCreateInvoice, func(ctx context.Context) error {
			return o.invoicerGuard.Call(ctx, func(ctx context.Context) error {
				return o.gw.Invoicer.VoidInvoice(ctx, run.CompensationData[domain.CompDataInvoiceID])
			})
		})
	}

	if run.NotificationSent {
		o.compensateStep(ctx, run, domain.StepSendNotification, func(ctx context.Context) error {
			return o.notifierGuard.Call(ctx, func(ctx context.Context) error {
				return o.gw.Notifier.Publish(ctx, domain.Notification{
					Type:       events.NotificationOrderCancelled,
					CustomerID: order.CustomerID,
					OrderID:    order.ID,
					Channel:    "email",
				})
			})
		})
	}

	if run.ProviderConfirmed {
		o.compensateStep(ctx, run, domain.StepConfirmProvider, func(ctx context.Context) error {
			return o.providerGuard.Call(ctx, func(ctx context.Context) error {
				return o.gw.Provider.Cancel(ctx, run.CompensationData[domain.CompDataProviderConfirmationID])
			})
		})
	}

	if run.StockUpdated {
		o.compensateStep(ctx, run, domain.StepUpdateStock, func(ctx context.Context) error {
			return o.restock(ctx, order, run)
		})
	}

	refunded := run.PaymentCompleted
	if run.PaymentCompleted {
		o.compensateStep(ctx, run, domain.StepProcessPayment, func(ctx context.Context) error {
			return o.paymentGuard.Call(ctx, func(ctx context.Context) error {
				return o.gw.Payment.Refund(ctx, run.CompensationData[domain.CompDataPaymentTransactionID])
			})
		})
	}

	if err := run.MarkCompensated(); err != nil {
		return err
	}
	if err := o.sagas.Save(ctx, run); err != nil {
		return o.failRun(ctx, run, err)
	}

	// REFUNDED when a captured payment had to be undone, CANCELLED
	// otherwise. cancelOrder may have flipped the order to CANCELLED
	// already; refunds still override that.
	if refunded {
		if err := order.Refund(); err != nil {
			log.Printf("saga: order %s refund status rejected: %v", orderID, err)
		}
	} else if !order.Status.IsTerminal() {
		if err := order.Cancel(); err != nil {
			log.Printf("saga: order %s cancel status rejected: %v", orderID, err)
		}
	}
	if err := o.orders.Save(ctx, order); err != nil {
		log.Printf("saga: order %s failed to persist post-compensation status: %v", orderID, err)
	}

	o.publishAggregateEvents(ctx, order)
	o.publishSagaEvent(ctx, orderID, events.SagaCompensatedEvent, map[string]interface{}{
		"refunded": refunded,
	})
	log.Printf("saga: order %s compensated (refunded=%t)", orderID, refunded)
	return nil
}

// compensateStep runs one compensating action, recording but not
// propagating its failure so the remaining compensations still run.
func (o *Orchestrator) compensateStep(ctx context.Context, run *domain.SagaRun, step domain.SagaStep, fn func(ctx context.Context) error) {
	err := fn(ctx)

	outcome := "success"
	if err != nil {
		outcome = "failure"
		log.Printf("saga: order %s compensation of %s failed: %v", run.OrderID, step, err)
		run.RecordError(fmt.Sprintf("compensation of %s failed: %v", step, err))
	}
	telemetry.RecordCounter(ctx, "saga_compensations_total", "Saga compensating actions", 1,
		attribute.String("step", string(step)),
		attribute.String("outcome", outcome),
	)
}

// restock re-increments exactly the quantities the forward pass deducted.
func (o *Orchestrator) restock(ctx context.Context, order *domain.Order, run *domain.SagaRun) error {
	var firstErr error
	for _, item := range order.Items {
		qty, ok := run.CompensationData[stockCompKey(item.ProductID)]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(qty)
		if err != nil {
			continue
		}
		item := item
		err = o.inventoryGuard.Call(ctx, func(ctx context.Context) error {
			return o.gw.Inventory.AdjustStock(ctx, item.ProductID, n)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// failRun marks the run FAILED after the saga store itself broke during
// compensation. Persisting the terminal state is best-effort at this point.
func (o *Orchestrator) failRun(ctx context.Context, run *domain.SagaRun, cause error) error {
	log.Printf("saga: order %s compensation fatal: %v", run.OrderID, cause)
	run.MarkFailed(cause.Error())
	if err := o.sagas.Save(ctx, run); err != nil {
		log.Printf("saga: order %s could not persist FAILED state: %v", run.OrderID, err)
	}
	o.publishSagaEvent(ctx, run.OrderID, events.SagaFailedEvent, map[string]interface{}{
		"error": cause.Error(),
	})
	return errors.Wrap(domain.ErrCompensationFatal, cause.Error())
}

func (o *Orchestrator) publishSagaEvent(ctx context.Context, orderID models.ID, eventType string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["order_id"] = orderID.String()

	event := events.NewEvent(orderID, eventType, data).WithCorrelationID(orderID)
	if err := o.publisher.Publish(ctx, event); err != nil {
		log.Printf("saga: order %s failed to publish %s: %v", orderID, eventType, err)
	}
}

func (o *Orchestrator) publishAggregateEvents(ctx context.Context, order *domain.Order) {
	recorded := order.Events()
	if len(recorded) == 0 {
		return
	}
	if err := o.publisher.Publish(ctx, recorded...); err != nil {
		log.Printf("saga: order %s failed to publish lifecycle events: %v", order.ID, err)
	}
	order.ClearEvents()
}

func stockCompKey(productID models.ID) string {
	return "stock:" + productID.String()
}

// keyedMutex serializes work per order id while leaving different orders
// fully concurrent. Entries are never evicted, so the map grows by one
// mutex per order seen over the process lifetime; safe eviction would need
// waiter refcounting.
type keyedMutex struct {
	mu sync.Map
}

func (k *keyedMutex) lock(id models.ID) func() {
	v, _ := k.mu.LoadOrStore(id, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
