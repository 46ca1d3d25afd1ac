package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// PostgresSagaRepository implements SagaRepository using PostgreSQL.
// Saga runs are keyed by order ID; a unique constraint on order_id keeps
// at most one active run per order.
type PostgresSagaRepository struct {
	db *sqlx.DB
}

// NewPostgresSagaRepository creates a new PostgresSagaRepository
func NewPostgresSagaRepository(db *sqlx.DB) *PostgresSagaRepository {
	return &PostgresSagaRepository{db: db}
}

// postgresSagaRun represents a saga run row
type postgresSagaRun struct {
	OrderID           string    `db:"order_id"`
	CurrentStep       string    `db:"current_step"`
	Status            string    `db:"status"`
	PaymentCompleted  bool      `db:"payment_completed"`
	StockUpdated      bool      `db:"stock_updated"`
	ProviderConfirmed bool      `db:"provider_confirmed"`
	NotificationSent  bool      `db:"notification_sent"`
	InvoiceCreated    bool      `db:"invoice_created"`
	CompensationData  []byte    `db:"compensation_data"`
	ErrorMessage      string    `db:"error_message"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
	Version           int       `db:"version"`
}

// Create inserts a new saga run. A unique violation on order_id means a run
// already exists for the order and maps to ErrSagaExists.
func (r *PostgresSagaRepository) Create(ctx context.Context, run *domain.SagaRun) error {
	pgRun, err := r.toPostgres(run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO saga_runs (
			order_id, current_step, status,
			payment_completed, stock_updated, provider_confirmed,
			notification_sent, invoice_created,
			compensation_data, error_message,
			created_at, updated_at, version
		) VALUES (
			:order_id, :current_step, :status,
			:payment_completed, :stock_updated, :provider_confirmed,
			:notification_sent, :invoice_created,
			:compensation_data, :error_message,
			:created_at, :updated_at, :version
		)`

	_, err = r.db.NamedExecContext(ctx, query, pgRun)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return errors.Wrapf(domain.ErrSagaExists, "order %s", run.OrderID)
		}
		return errors.Wrap(err, "failed to insert saga run")
	}
	run.MarkPersisted()
	return nil
}

// Get finds the saga run for an order
func (r *PostgresSagaRepository) Get(ctx context.Context, orderID models.ID) (*domain.SagaRun, error) {
	query := `
		SELECT order_id, current_step, status,
			   payment_completed, stock_updated, provider_confirmed,
			   notification_sent, invoice_created,
			   compensation_data, error_message,
			   created_at, updated_at, version
		FROM saga_runs
		WHERE order_id = $1`

	var pgRun postgresSagaRun
	err := r.db.GetContext(ctx, &pgRun, query, orderID.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(domain.ErrNotFound, "saga run for order %s", orderID)
		}
		return nil, errors.Wrap(err, "failed to find saga run")
	}

	return r.toDomain(&pgRun)
}

// Save updates an existing saga run with an optimistic version check. The
// guard matches the version the run was loaded at, not Version-1: domain
// mutations may bump the version several times between saves.
func (r *PostgresSagaRepository) Save(ctx context.Context, run *domain.SagaRun) error {
	pgRun, err := r.toPostgres(run)
	if err != nil {
		return err
	}

	query := `
		UPDATE saga_runs
		SET current_step = :current_step,
			status = :status,
			payment_completed = :payment_completed,
			stock_updated = :stock_updated,
			provider_confirmed = :provider_confirmed,
			notification_sent = :notification_sent,
			invoice_created = :invoice_created,
			compensation_data = :compensation_data,
			error_message = :error_message,
			updated_at = :updated_at,
			version = :version
		WHERE order_id = :order_id AND version = :old_version`

	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"order_id":           pgRun.OrderID,
		"current_step":       pgRun.CurrentStep,
		"status":             pgRun.Status,
		"payment_completed":  pgRun.PaymentCompleted,
		"stock_updated":      pgRun.StockUpdated,
		"provider_confirmed": pgRun.ProviderConfirmed,
		"notification_sent":  pgRun.NotificationSent,
		"invoice_created":    pgRun.InvoiceCreated,
		"compensation_data":  pgRun.CompensationData,
		"error_message":      pgRun.ErrorMessage,
		"updated_at":         pgRun.UpdatedAt,
		"version":            pgRun.Version,
		"old_version":        run.PersistedVersion(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to update saga run")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read update result")
	}
	if affected == 0 {
		return errors.Wrapf(domain.ErrStaleVersion, "saga run for order %s version %d", run.OrderID, run.Version.Value)
	}
	run.MarkPersisted()
	return nil
}

// ListByStatus lists saga runs in a given status, oldest first. Used by the
// recovery sweep at startup.
func (r *PostgresSagaRepository) ListByStatus(ctx context.Context, status domain.SagaStatus) ([]*domain.SagaRun, error) {
	query := `
		SELECT order_id, current_step, status,
			   payment_completed, stock_updated, provider_confirmed,
			   notification_sent, invoice_created,
			   compensation_data, error_message,
			   created_at, updated_at, version
		FROM saga_runs
		WHERE status = $1
		ORDER BY created_at ASC`

	var pgRuns []postgresSagaRun
	err := r.db.SelectContext(ctx, &pgRuns, query, string(status))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list saga runs")
	}

	runs := make([]*domain.SagaRun, len(pgRuns))
	for i, pgRun := range pgRuns {
		run, err := r.toDomain(&pgRun)
		if err != nil {
			return nil, err
		}
		runs[i] = run
	}
	return runs, nil
}

func (r *PostgresSagaRepository) toPostgres(run *domain.SagaRun) (*postgresSagaRun, error) {
	compData, err := json.Marshal(run.CompensationData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal compensation data")
	}

	return &postgresSagaRun{
		OrderID:           run.OrderID.String(),
		CurrentStep:       string(run.CurrentStep),
		Status:            string(run.Status),
		PaymentCompleted:  run.PaymentCompleted,
		StockUpdated:      run.StockUpdated,
		ProviderConfirmed: run.ProviderConfirmed,
		NotificationSent:  run.NotificationSent,
		InvoiceCreated:    run.InvoiceCreated,
		CompensationData:  compData,
		ErrorMessage:      run.ErrorMessage,
		CreatedAt:         run.Timestamps.CreatedAt,
		UpdatedAt:         run.Timestamps.UpdatedAt,
		Version:           run.Version.Value,
	}, nil
}

func (r *PostgresSagaRepository) toDomain(pgRun *postgresSagaRun) (*domain.SagaRun, error) {
	compData := make(map[string]string)
	if len(pgRun.CompensationData) > 0 {
		if err := json.Unmarshal(pgRun.CompensationData, &compData); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal compensation data")
		}
	}

	run := &domain.SagaRun{
		OrderID:           models.ID(pgRun.OrderID),
		CurrentStep:       domain.SagaStep(pgRun.CurrentStep),
		Status:            domain.SagaStatus(pgRun.Status),
		PaymentCompleted:  pgRun.PaymentCompleted,
		StockUpdated:      pgRun.StockUpdated,
		ProviderConfirmed: pgRun.ProviderConfirmed,
		NotificationSent:  pgRun.NotificationSent,
		InvoiceCreated:    pgRun.InvoiceCreated,
		CompensationData:  compData,
		ErrorMessage:      pgRun.ErrorMessage,
		Timestamps: models.Timestamps{
			CreatedAt: pgRun.CreatedAt,
			UpdatedAt: pgRun.UpdatedAt,
		},
		Version: models.Version{Value: pgRun.Version},
	}
	run.MarkPersisted()
	return run, nil
}
