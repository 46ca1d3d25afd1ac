package saga

import (
	"context"
	"log"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// job is one unit of saga work: a forward run or a compensation.
type job struct {
	orderID    models.ID
	compensate bool
	reason     string
}

// Runner owns the bounded worker pool that executes sagas off the request
// path. The handoff between "order created" and "saga running" is an
// explicit Enqueue; nothing starts a saga implicitly.
type Runner struct {
	orchestrator *Orchestrator
	sagas        domain.SagaRepository

	jobs    chan job
	workers int
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// RunnerConfig sizes the pool.
type RunnerConfig struct {
	// Workers is the number of concurrent saga executors. Defaults to 4.
	Workers int

	// QueueSize bounds the backlog of pending saga jobs. Defaults to 64.
	QueueSize int
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// NewRunner creates a stopped runner.
func NewRunner(orchestrator *Orchestrator, sagas domain.SagaRepository, config RunnerConfig) *Runner {
	config = config.withDefaults()
	return &Runner{
		orchestrator: orchestrator,
		sagas:        sagas,
		jobs:         make(chan job, config.QueueSize),
		workers:      config.Workers,
	}
}

// Start launches the workers and sweeps the store for runs that were
// IN_PROGRESS or COMPENSATING when a previous process died, re-enqueueing
// them. Resumption re-validates completion flags, so replaying a partially
// executed saga is safe.
func (r *Runner) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < r.workers; i++ {
		r.group.Go(func() error {
			r.work(ctx)
			return nil
		})
	}

	return r.recover(ctx)
}

// Stop drains the workers.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.group != nil {
		_ = r.group.Wait()
	}
}

// EnqueueStart schedules forward execution for the order.
func (r *Runner) EnqueueStart(ctx context.Context, orderID models.ID) error {
	return r.enqueue(ctx, job{orderID: orderID})
}

// EnqueueCompensation schedules the compensation path for the order.
func (r *Runner) EnqueueCompensation(ctx context.Context, orderID models.ID, reason string) error {
	return r.enqueue(ctx, job{orderID: orderID, compensate: true, reason: reason})
}

func (r *Runner) enqueue(ctx context.Context, j job) error {
	select {
	case r.jobs <- j:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "saga queue unavailable")
	}
}

func (r *Runner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.jobs:
			var err error
			if j.compensate {
				err = r.orchestrator.Compensate(ctx, j.orderID, j.reason)
			} else {
				err = r.orchestrator.Run(ctx, j.orderID)
			}
			if err != nil {
				log.Printf("saga worker: order %s: %v", j.orderID, err)
			}
		}
	}
}

// recover re-enqueues runs with no owning live worker. FAILED runs are
// deliberately left alone: they wait for an operator.
func (r *Runner) recover(ctx context.Context) error {
	inProgress, err := r.sagas.ListByStatus(ctx, domain.SagaStatusInProgress)
	if err != nil {
		return errors.Wrap(err, "recovery sweep failed")
	}
	for _, run := range inProgress {
		log.Printf("saga recovery: resuming order %s from step %s", run.OrderID, run.CurrentStep)
		if err := r.EnqueueStart(ctx, run.OrderID); err != nil {
			return err
		}
	}

	compensating, err := r.sagas.ListByStatus(ctx, domain.SagaStatusCompensating)
	if err != nil {
		return errors.Wrap(err, "recovery sweep failed")
	}
	for _, run := range compensating {
		log.Printf("saga recovery: resuming compensation for order %s", run.OrderID)
		if err := r.EnqueueCompensation(ctx, run.OrderID, ""); err != nil {
			return err
		}
	}

	return nil
}
