package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PostgresOrderRepository implements OrderRepository using PostgreSQL
type PostgresOrderRepository struct {
	db *sqlx.DB
}

// NewPostgresOrderRepository creates a new PostgresOrderRepository
func NewPostgresOrderRepository(db *sqlx.DB) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

// postgresOrder represents an order row
type postgresOrder struct {
	ID                     string     `db:"id"`
	CustomerID             string     `db:"customer_id"`
	Items                  []byte     `db:"items"`
	ShippingAddress        string     `db:"shipping_address"`
	PaymentMethod          string     `db:"payment_method"`
	Subtotal               int64      `db:"subtotal"`
	Tax                    int64      `db:"tax"`
	Shipping               int64      `db:"shipping"`
	Total                  int64      `db:"total"`
	Currency               string     `db:"currency"`
	Status                 string     `db:"status"`
	PaymentTransactionID   *string    `db:"payment_transaction_id"`
	ProviderConfirmationID *string    `db:"provider_confirmation_id"`
	InvoiceID              *string    `db:"invoice_id"`
	CreatedAt              time.Time  `db:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at"`
	DeletedAt              *time.Time `db:"deleted_at"`
	Version                int        `db:"version"`
}

// Save inserts a new order or updates an existing one with an optimistic
// version check.
func (r *PostgresOrderRepository) Save(ctx context.Context, order *domain.Order) error {
	pgOrder, err := r.toPostgres(order)
	if err != nil {
		return err
	}

	if order.Version.Value == 1 {
		return r.insertOrder(ctx, pgOrder)
	}
	return r.updateOrder(ctx, order, pgOrder)
}

func (r *PostgresOrderRepository) insertOrder(ctx context.Context, pgOrder *postgresOrder) error {
	query := `
		INSERT INTO orders (
			id, customer_id, items, shipping_address, payment_method,
			subtotal, tax, shipping, total, currency, status,
			payment_transaction_id, provider_confirmation_id, invoice_id,
			created_at, updated_at, version
		) VALUES (
			:id, :customer_id, :items, :shipping_address, :payment_method,
			:subtotal, :tax, :shipping, :total, :currency, :status,
			:payment_transaction_id, :provider_confirmation_id, :invoice_id,
			:created_at, :updated_at, :version
		)`

	_, err := r.db.NamedExecContext(ctx, query, pgOrder)
	if err != nil {
		return errors.Wrap(err, "failed to insert order")
	}
	return nil
}

func (r *PostgresOrderRepository) updateOrder(ctx context.Context, order *domain.Order, pgOrder *postgresOrder) error {
	query := `
		UPDATE orders
		SET status = :status,
			payment_transaction_id = :payment_transaction_id,
			provider_confirmation_id = :provider_confirmation_id,
			invoice_id = :invoice_id,
			updated_at = :updated_at,
			version = :version
		WHERE id = :id AND version = :old_version`

	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":                       pgOrder.ID,
		"status":                   pgOrder.Status,
		"payment_transaction_id":   pgOrder.PaymentTransactionID,
		"provider_confirmation_id": pgOrder.ProviderConfirmationID,
		"invoice_id":               pgOrder.InvoiceID,
		"updated_at":               pgOrder.UpdatedAt,
		"version":                  pgOrder.Version,
		"old_version":              pgOrder.Version - 1,
	})
	if err != nil {
		return errors.Wrap(err, "failed to update order")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read update result")
	}
	if affected == 0 {
		return errors.Wrapf(domain.ErrStaleVersion, "order %s version %d", order.ID, order.Version.Value)
	}
	return nil
}

// FindByID finds an order by ID
func (r *PostgresOrderRepository) FindByID(ctx context.Context, id models.ID) (*domain.Order, error) {
	query := `
		SELECT id, customer_id, items, shipping_address, payment_method,
			   subtotal, tax, shipping, total, currency, status,
			   payment_transaction_id, provider_confirmation_id, invoice_id,
			   created_at, updated_at, deleted_at, version
		FROM orders
		WHERE id = $1 AND deleted_at IS NULL`

	var pgOrder postgresOrder
	err := r.db.GetContext(ctx, &pgOrder, query, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find order")
	}

	return r.toDomain(&pgOrder)
}

// FindByCustomerID finds orders by customer ID
func (r *PostgresOrderRepository) FindByCustomerID(ctx context.Context, customerID models.ID) ([]*domain.Order, error) {
	query := `
		SELECT id, customer_id, items, shipping_address, payment_method,
			   subtotal, tax, shipping, total, currency, status,
			   payment_transaction_id, provider_confirmation_id, invoice_id,
			   created_at, updated_at, deleted_at, version
		FROM orders
		WHERE customer_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC`

	var pgOrders []postgresOrder
	err := r.db.SelectContext(ctx, &pgOrders, query, customerID.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to find orders by customer ID")
	}

	orders := make([]*domain.Order, len(pgOrders))
	for i, pgOrder := range pgOrders {
		order, err := r.toDomain(&pgOrder)
		if err != nil {
			return nil, err
		}
		orders[i] = order
	}
	return orders, nil
}

func (r *PostgresOrderRepository) toPostgres(order *domain.Order) (*postgresOrder, error) {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal order items")
	}

	return &postgresOrder{
		ID:                     order.ID.String(),
		CustomerID:             order.CustomerID.String(),
		Items:                  items,
		ShippingAddress:        order.ShippingAddress,
		PaymentMethod:          order.PaymentMethod,
		Subtotal:               order.Subtotal.Amount,
		Tax:                    order.Tax.Amount,
		Shipping:               order.Shipping.Amount,
		Total:                  order.Total.Amount,
		Currency:               order.Total.Currency,
		Status:                 string(order.Status),
		PaymentTransactionID:   order.PaymentTransactionID,
		ProviderConfirmationID: order.ProviderConfirmationID,
		InvoiceID:              order.InvoiceID,
		CreatedAt:              order.Timestamps.CreatedAt,
		UpdatedAt:              order.Timestamps.UpdatedAt,
		DeletedAt:              order.Timestamps.DeletedAt,
		Version:                order.Version.Value,
	}, nil
}

func (r *PostgresOrderRepository) toDomain(pgOrder *postgresOrder) (*domain.Order, error) {
	var items []domain.LineItem
	if err := json.Unmarshal(pgOrder.Items, &items); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal order items")
	}

	return &domain.Order{
		ID:                     models.ID(pgOrder.ID),
		CustomerID:             models.ID(pgOrder.CustomerID),
		Items:                  items,
		ShippingAddress:        pgOrder.ShippingAddress,
		PaymentMethod:          pgOrder.PaymentMethod,
		Subtotal:               models.NewMoney(pgOrder.Subtotal, pgOrder.Currency),
		Tax:                    models.NewMoney(pgOrder.Tax, pgOrder.Currency),
		Shipping:               models.NewMoney(pgOrder.Shipping, pgOrder.Currency),
		Total:                  models.NewMoney(pgOrder.Total, pgOrder.Currency),
		Status:                 domain.OrderStatus(pgOrder.Status),
		PaymentTransactionID:   pgOrder.PaymentTransactionID,
		ProviderConfirmationID: pgOrder.ProviderConfirmationID,
		InvoiceID:              pgOrder.InvoiceID,
		Timestamps: models.Timestamps{
			CreatedAt: pgOrder.CreatedAt,
			UpdatedAt: pgOrder.UpdatedAt,
			DeletedAt: pgOrder.DeletedAt,
		},
		Version: models.Version{Value: pgOrder.Version},
	}, nil
}
