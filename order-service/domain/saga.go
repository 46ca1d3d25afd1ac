package domain

import (
	"context"

	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
)

// SagaStep identifies a position in the fixed forward sequence.
type SagaStep string

const (
	StepCreated          SagaStep = "CREATED"
	StepProcessPayment   SagaStep = "PROCESS_PAYMENT"
	StepUpdateStock      SagaStep = "UPDATE_STOCK"
	StepConfirmProvider  SagaStep = "CONFIRM_PROVIDER"
	StepSendNotification SagaStep = "SEND_NOTIFICATION"
	StepCreateInvoice    SagaStep = "CREATE_INVOICE"
	StepCompleted        SagaStep = "COMPLETED"
	StepCompensating     SagaStep = "COMPENSATING"
)

// ForwardSteps is the forward execution order. Compensation walks it in
// reverse.
var ForwardSteps = []SagaStep{
	StepProcessPayment,
	StepUpdateStock,
	StepConfirmProvider,
	StepSendNotification,
	StepCreateInvoice,
}

// SagaStatus represents the lifecycle state of a saga run.
type SagaStatus string

const (
	SagaStatusInProgress   SagaStatus = "IN_PROGRESS"
	SagaStatusCompleted    SagaStatus = "COMPLETED"
	SagaStatusCompensating SagaStatus = "COMPENSATING"
	SagaStatusCompensated  SagaStatus = "COMPENSATED"
	SagaStatusFailed       SagaStatus = "FAILED"
)

// IsTerminal reports whether the run will never be mutated again.
func (s SagaStatus) IsTerminal() bool {
	return s == SagaStatusCompleted || s == SagaStatusCompensated || s == SagaStatusFailed
}

// Compensation data keys captured during the forward pass.
const (
	CompDataPaymentTransactionID   = "paymentTransactionId"
	CompDataProviderConfirmationID = "providerConfirmationId"
	CompDataInvoiceID              = "invoiceId"
)

// SagaRun is the durable record of one saga execution for one order.
// Completion flags are the sole source of truth for whether a step's
// compensating action must run; they only ever transition false to true.
type SagaRun struct {
	OrderID     models.ID
	CurrentStep SagaStep
	Status      SagaStatus

	PaymentCompleted  bool
	StockUpdated      bool
	ProviderConfirmed bool
	NotificationSent  bool
	InvoiceCreated    bool

	// CompensationData holds values captured at step-success time that the
	// matching compensating action will need later (transaction ids, per
	// product deducted quantities).
	CompensationData map[string]string

	ErrorMessage string

	Timestamps models.Timestamps
	Version    models.Version

	// persistedVersion is the version this run last had in the store.
	// Mutations may bump Version more than once between saves, so
	// optimistic save guards must match on this, not on Version-1.
	persistedVersion int
}

// NewSagaRun creates a run positioned before the first forward step.
func NewSagaRun(orderID models.ID) *SagaRun {
	return &SagaRun{
		OrderID:          orderID,
		CurrentStep:      StepCreated,
		Status:           SagaStatusInProgress,
		CompensationData: make(map[string]string),
		Timestamps:       models.NewTimestamps(),
		Version:          models.NewVersion(),
	}
}

// BeginStep records the step about to be attempted. Written to the store
// before the collaborator call so a crashed process can resume here.
func (r *SagaRun) BeginStep(step SagaStep) error {
	if r.Status != SagaStatusInProgress {
		return errors.Wrapf(ErrInvalidState, "cannot begin step %s in saga status %s", step, r.Status)
	}
	r.CurrentStep = step
	r.touch()
	return nil
}

// CompleteStep flips the step's completion flag and stores compensation
// data. Flags are monotonic: completing an already completed step is a
// no-op for the flag.
func (r *SagaRun) CompleteStep(step SagaStep, compensationData map[string]string) error {
	switch step {
	case StepProcessPayment:
		r.PaymentCompleted = true
	case StepUpdateStock:
		r.StockUpdated = true
	case StepConfirmProvider:
		r.ProviderConfirmed = true
	case StepSendNotification:
		r.NotificationSent = true
	case StepCreateInvoice:
		r.InvoiceCreated = true
	default:
		return errors.Errorf("unknown saga step %s", step)
	}

	for k, v := range compensationData {
		r.CompensationData[k] = v
	}
	r.touch()
	return nil
}

// StepCompleted reports whether the step's completion flag is set. The
// orchestrator checks this before every collaborator call so duplicate
// triggers and restarts never double-charge or double-confirm.
func (r *SagaRun) StepCompleted(step SagaStep) bool {
	switch step {
	case StepProcessPayment:
		return r.PaymentCompleted
	case StepUpdateStock:
		return r.StockUpdated
	case StepConfirmProvider:
		return r.ProviderConfirmed
	case StepSendNotification:
		return r.NotificationSent
	case StepCreateInvoice:
		return r.InvoiceCreated
	}
	return false
}

// RecordError appends a failure detail without changing status.
func (r *SagaRun) RecordError(msg string) {
	if r.ErrorMessage == "" {
		r.ErrorMessage = msg
	} else {
		r.ErrorMessage = r.ErrorMessage + "; " + msg
	}
	r.touch()
}

// Complete marks the run COMPLETED. Terminal.
func (r *SagaRun) Complete() error {
	if r.Status != SagaStatusInProgress {
		return errors.Wrapf(ErrInvalidState, "cannot complete saga in status %s", r.Status)
	}
	r.CurrentStep = StepCompleted
	r.Status = SagaStatusCompleted
	r.touch()
	return nil
}

// StartCompensation moves the run into the compensating phase. Entered from
// a hard forward failure or an explicit cancel request.
func (r *SagaRun) StartCompensation(reason string) error {
	if r.Status.IsTerminal() {
		return errors.Wrapf(ErrInvalidState, "cannot compensate saga in status %s", r.Status)
	}
	r.CurrentStep = StepCompensating
	r.Status = SagaStatusCompensating
	if reason != "" {
		r.RecordError(reason)
	}
	r.touch()
	return nil
}

// MarkCompensated marks the run COMPENSATED after every applicable
// compensating action has been attempted. Terminal.
func (r *SagaRun) MarkCompensated() error {
	if r.Status != SagaStatusCompensating {
		return errors.Wrapf(ErrInvalidState, "cannot mark compensated in status %s", r.Status)
	}
	r.Status = SagaStatusCompensated
	r.touch()
	return nil
}

// MarkFailed marks the run FAILED with the fatal error recorded. Terminal;
// requires operator intervention and is never auto-retried.
func (r *SagaRun) MarkFailed(msg string) {
	r.Status = SagaStatusFailed
	r.RecordError(msg)
	r.touch()
}

func (r *SagaRun) touch() {
	r.Timestamps = r.Timestamps.Update()
	r.Version = r.Version.Update()
}

// PersistedVersion returns the version the run last had in the store, or
// zero for a run never stored.
func (r *SagaRun) PersistedVersion() int {
	return r.persistedVersion
}

// MarkPersisted records that the current version is now in the store.
// Repositories call it after every successful load and write.
func (r *SagaRun) MarkPersisted() {
	r.persistedVersion = r.Version.Value
}

// SagaRepository is the durable saga state store. Save is an atomic upsert
// guarded on PersistedVersion, rejecting concurrent writers for the same
// order (single writer per order); at most one non-terminal run may exist
// per order id.
type SagaRepository interface {
	Create(ctx context.Context, run *SagaRun) error
	Get(ctx context.Context, orderID models.ID) (*SagaRun, error)
	Save(ctx context.Context, run *SagaRun) error
	ListByStatus(ctx context.Context, status SagaStatus) ([]*SagaRun, error)
}
