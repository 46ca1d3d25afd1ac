package application

import (
	"context"
	"log"

	"github.com/allconnect/order-system/order-service/domain"
	"github.com/allconnect/order-system/shared/events"
	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
)

// SagaScheduler is the explicit handoff between "order created" and "saga
// running". Implemented by the saga worker pool.
type SagaScheduler interface {
	EnqueueStart(ctx context.Context, orderID models.ID) error
	EnqueueCompensation(ctx context.Context, orderID models.ID, reason string) error
}

// OrderItemCommand is one requested line item.
type OrderItemCommand struct {
	ProductID   string `json:"product_id"`
	ProductType string `json:"product_type"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Currency    string `json:"currency"`
}

// CreateOrderCommand represents the command to create an order
type CreateOrderCommand struct {
	CustomerID      string             `json:"customer_id"`
	Items           []OrderItemCommand `json:"items"`
	ShippingAddress string             `json:"shipping_address"`
	PaymentMethod   string             `json:"payment_method"`
}

// CreateOrderResponse represents the response after creating an order.
// Fulfillment continues asynchronously; callers poll the status endpoint.
type CreateOrderResponse struct {
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	Subtotal int64  `json:"subtotal"`
	Tax      int64  `json:"tax"`
	Shipping int64  `json:"shipping"`
	Total    int64  `json:"total"`
}

// CreateOrder use case: validates the request, persists the aggregate in
// CREATED and hands it to the saga workers. Returns immediately.
type CreateOrder struct {
	orderRepository domain.OrderRepository
	eventPublisher  events.Publisher
	scheduler       SagaScheduler
	pricing         domain.Pricing
}

// NewCreateOrder creates a new CreateOrder use case
func NewCreateOrder(
	orderRepository domain.OrderRepository,
	eventPublisher events.Publisher,
	scheduler SagaScheduler,
	pricing domain.Pricing,
) *CreateOrder {
	return &CreateOrder{
		orderRepository: orderRepository,
		eventPublisher:  eventPublisher,
		scheduler:       scheduler,
		pricing:         pricing,
	}
}

// Execute executes the create order use case
func (uc *CreateOrder) Execute(ctx context.Context, cmd *CreateOrderCommand) (*CreateOrderResponse, error) {
	if err := uc.validateCommand(cmd); err != nil {
		return nil, err
	}

	customerID, err := models.NewID(cmd.CustomerID)
	if err != nil {
		return nil, errors.Wrap(domain.ErrValidation, "invalid customer ID")
	}

	items := make([]domain.LineItem, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		productID, err := models.NewID(item.ProductID)
		if err != nil {
			return nil, errors.Wrap(domain.ErrValidation, "invalid product ID")
		}
		items = append(items, domain.LineItem{
			ProductID:   productID,
			ProductType: domain.ProductType(item.ProductType),
			Quantity:    item.Quantity,
			UnitPrice:   models.NewMoney(item.UnitPrice, item.Currency),
		})
	}

	order, err := domain.CreateOrder(customerID, items, cmd.ShippingAddress, cmd.PaymentMethod, uc.pricing)
	if err != nil {
		return nil, err
	}

	if err := uc.orderRepository.Save(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to save order")
	}

	if err := uc.eventPublisher.Publish(ctx, order.Events()...); err != nil {
		// The order exists and the saga will still run; the bus catches up
		// through later lifecycle events.
		log.Printf("create order: failed to publish events for %s: %v", order.ID, err)
	}
	order.ClearEvents()

	if err := uc.scheduler.EnqueueStart(ctx, order.ID); err != nil {
		return nil, errors.Wrap(err, "failed to schedule fulfillment")
	}

	return &CreateOrderResponse{
		OrderID:  order.ID.String(),
		Status:   string(order.Status),
		Subtotal: order.Subtotal.Amount,
		Tax:      order.Tax.Amount,
		Shipping: order.Shipping.Amount,
		Total:    order.Total.Amount,
	}, nil
}

// validateCommand validates the create order command
func (uc *CreateOrder) validateCommand(cmd *CreateOrderCommand) error {
	if cmd.CustomerID == "" {
		return errors.Wrap(domain.ErrValidation, "customer ID is required")
	}

	if len(cmd.Items) == 0 {
		return errors.Wrap(domain.ErrValidation, "at least one item is required")
	}

	if cmd.PaymentMethod == "" {
		return errors.Wrap(domain.ErrValidation, "payment method is required")
	}

	for _, item := range cmd.Items {
		if item.ProductID == "" {
			return errors.Wrap(domain.ErrValidation, "product ID is required")
		}
		if item.Quantity <= 0 {
			return errors.Wrap(domain.ErrValidation, "item quantity must be positive")
		}
		if item.UnitPrice <= 0 {
			return errors.Wrap(domain.ErrValidation, "item unit price must be positive")
		}
		if item.Currency == "" {
			return errors.Wrap(domain.ErrValidation, "item currency is required")
		}

		switch domain.ProductType(item.ProductType) {
		case domain.ProductTypePhysical, domain.ProductTypeDigital, domain.ProductTypeService:
		default:
			return errors.Wrapf(domain.ErrValidation, "unknown product type %q", item.ProductType)
		}
	}

	return nil
}
