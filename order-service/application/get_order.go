package application

import (
	"context"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
)

// GetOrderQuery represents the query to get an order
type GetOrderQuery struct {
	OrderID string `json:"order_id"`
}

// OrderItemView is one line item in a read model.
type OrderItemView struct {
	ProductID   string `json:"product_id"`
	ProductType string `json:"product_type"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Currency    string `json:"currency"`
}

// OrderView is the full order read model.
type OrderView struct {
	OrderID                string          `json:"order_id"`
	CustomerID             string          `json:"customer_id"`
	Status                 string          `json:"status"`
	Items                  []OrderItemView `json:"items"`
	ShippingAddress        string          `json:"shipping_address"`
	PaymentMethod          string          `json:"payment_method"`
	Subtotal               int64           `json:"subtotal"`
	Tax                    int64           `json:"tax"`
	Shipping               int64           `json:"shipping"`
	Total                  int64           `json:"total"`
	Currency               string          `json:"currency"`
	PaymentTransactionID   *string         `json:"payment_transaction_id,omitempty"`
	ProviderConfirmationID *string         `json:"provider_confirmation_id,omitempty"`
	InvoiceID              *string         `json:"invoice_id,omitempty"`
}

// FulfillmentView exposes saga run progress for status polling and audit
// reads. Saga-internal failures surface here, never through the create call.
type FulfillmentView struct {
	CurrentStep  string `json:"current_step"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// OrderStatusView combines the order with its fulfillment progress.
type OrderStatusView struct {
	OrderID     string           `json:"order_id"`
	Status      string           `json:"status"`
	Fulfillment *FulfillmentView `json:"fulfillment,omitempty"`
}

// GetOrder use case for full order reads.
type GetOrder struct {
	orderRepository domain.OrderRepository
}

// NewGetOrder creates a new GetOrder use case
func NewGetOrder(orderRepository domain.OrderRepository) *GetOrder {
	return &GetOrder{orderRepository: orderRepository}
}

// Execute executes the get order use case
func (uc *GetOrder) Execute(ctx context.Context, query *GetOrderQuery) (*OrderView, error) {
	orderID, err := models.NewID(query.OrderID)
	if err != nil {
		return nil, errors.Wrap(domain.ErrValidation, "invalid order ID")
	}

	order, err := uc.orderRepository.FindByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load order")
	}
	if order == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
	}

	items := make([]OrderItemView, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItemView{
			ProductID:   item.ProductID.String(),
			ProductType: string(item.ProductType),
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.Amount,
			Currency:    item.UnitPrice.Currency,
		})
	}

	return &OrderView{
		OrderID:                order.ID.String(),
		CustomerID:             order.CustomerID.String(),
		Status:                 string(order.Status),
		Items:                  items,
		ShippingAddress:        order.ShippingAddress,
		PaymentMethod:          order.PaymentMethod,
		Subtotal:               order.Subtotal.Amount,
		Tax:                    order.Tax.Amount,
		Shipping:               order.Shipping.Amount,
		Total:                  order.Total.Amount,
		Currency:               order.Total.Currency,
		PaymentTransactionID:   order.PaymentTransactionID,
		ProviderConfirmationID: order.ProviderConfirmationID,
		InvoiceID:              order.InvoiceID,
	}, nil
}

// GetOrderStatus use case for progress polling.
type GetOrderStatus struct {
	orderRepository domain.OrderRepository
	sagaRepository  domain.SagaRepository
}

// NewGetOrderStatus creates a new GetOrderStatus use case
func NewGetOrderStatus(orderRepository domain.OrderRepository, sagaRepository domain.SagaRepository) *GetOrderStatus {
	return &GetOrderStatus{
		orderRepository: orderRepository,
		sagaRepository:  sagaRepository,
	}
}

// Execute executes the get order status use case
func (uc *GetOrderStatus) Execute(ctx context.Context, query *GetOrderQuery) (*OrderStatusView, error) {
	orderID, err := models.NewID(query.OrderID)
	if err != nil {
		return nil, errors.Wrap(domain.ErrValidation, "invalid order ID")
	}

	order, err := uc.orderRepository.FindByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load order")
	}
	if order == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
	}

	view := &OrderStatusView{
		OrderID: order.ID.String(),
		Status:  string(order.Status),
	}

	run, err := uc.sagaRepository.Get(ctx, orderID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, errors.Wrap(err, "failed to load saga run")
	}
	if run != nil {
		view.Fulfillment = &FulfillmentView{
			CurrentStep:  string(run.CurrentStep),
			Status:       string(run.Status),
			ErrorMessage: run.ErrorMessage,
		}
	}

	return view, nil
}
