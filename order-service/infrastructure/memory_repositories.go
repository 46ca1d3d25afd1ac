package infrastructure

import (
	"context"
	"sync"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
)

// In-memory repository implementations used for local runs and tests. They
// honor the same contracts as the Postgres implementations: optimistic
// version checks on save and at most one active saga run per order.

// MemoryOrderRepository implements OrderRepository in process memory.
type MemoryOrderRepository struct {
	mu     sync.RWMutex
	orders map[models.ID]domain.Order
}

// NewMemoryOrderRepository creates an empty in-memory order repository.
func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{orders: make(map[models.ID]domain.Order)}
}

// Save inserts or updates the order, rejecting stale versions.
func (r *MemoryOrderRepository) Save(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.orders[order.ID]
	if ok && order.Version.Value != existing.Version.Value+1 && order.Version.Value != existing.Version.Value {
		return errors.Wrapf(domain.ErrStaleVersion, "order %s version %d", order.ID, order.Version.Value)
	}

	stored := *order
	stored.Items = append([]domain.LineItem(nil), order.Items...)
	stored.ClearEvents()
	r.orders[order.ID] = stored
	return nil
}

// FindByID returns the order or nil when absent.
func (r *MemoryOrderRepository) FindByID(ctx context.Context, id models.ID) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	out := stored
	out.Items = append([]domain.LineItem(nil), stored.Items...)
	return &out, nil
}

// FindByCustomerID returns all orders for the customer.
func (r *MemoryOrderRepository) FindByCustomerID(ctx context.Context, customerID models.ID) ([]*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Order
	for _, stored := range r.orders {
		if stored.CustomerID == customerID {
			o := stored
			o.Items = append([]domain.LineItem(nil), stored.Items...)
			out = append(out, &o)
		}
	}
	return out, nil
}

// MemorySagaRepository implements SagaRepository in process memory.
type MemorySagaRepository struct {
	mu   sync.RWMutex
	runs map[models.ID]domain.SagaRun
}

// NewMemorySagaRepository creates an empty in-memory saga store.
func NewMemorySagaRepository() *MemorySagaRepository {
	return &MemorySagaRepository{runs: make(map[models.ID]domain.SagaRun)}
}

// Create inserts a run, enforcing at most one active run per order id.
func (r *MemorySagaRepository) Create(ctx context.Context, run *domain.SagaRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.runs[run.OrderID]; ok && !existing.Status.IsTerminal() {
		return errors.Wrapf(domain.ErrSagaExists, "order %s", run.OrderID)
	}
	r.runs[run.OrderID] = cloneRun(run)
	run.MarkPersisted()
	return nil
}

// Get returns the run or ErrNotFound.
func (r *MemorySagaRepository) Get(ctx context.Context, orderID models.ID) (*domain.SagaRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.runs[orderID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "saga run for order %s", orderID)
	}
	out := cloneRun(&stored)
	return &out, nil
}

// Save upserts the run, rejecting writers whose loaded version no longer
// matches the stored one. Domain mutations may bump Version several times
// between saves, so the guard matches on the version the writer loaded.
func (r *MemorySagaRepository) Save(ctx context.Context, run *domain.SagaRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.runs[run.OrderID]
	if ok && existing.Version.Value != run.PersistedVersion() {
		return errors.Wrapf(domain.ErrStaleVersion, "saga run for order %s version %d", run.OrderID, run.Version.Value)
	}
	r.runs[run.OrderID] = cloneRun(run)
	run.MarkPersisted()
	return nil
}

// ListByStatus returns runs in the given status, for recovery sweeps.
func (r *MemorySagaRepository) ListByStatus(ctx context.Context, status domain.SagaStatus) ([]*domain.SagaRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.SagaRun
	for _, stored := range r.runs {
		if stored.Status == status {
			run := cloneRun(&stored)
			out = append(out, &run)
		}
	}
	return out, nil
}

func cloneRun(run *domain.SagaRun) domain.SagaRun {
	out := *run
	out.CompensationData = make(map[string]string, len(run.CompensationData))
	for k, v := range run.CompensationData {
		out.CompensationData[k] = v
	}
	out.MarkPersisted()
	return out
}
