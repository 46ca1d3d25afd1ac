package domain

import (
	"context"
	"time"

	"github.com/allconnect/order-system/shared/events"
	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
)

// OrderStatus represents the status of an order. The lifecycle is the
// consolidated one: CREATED through COMPLETED on the happy path, CANCELLED
// or REFUNDED when fulfillment is undone. Retail shipping states (shipped,
// delivered) belong to fulfillment tracking, not to this service.
type OrderStatus string

const (
	OrderStatusCreated           OrderStatus = "created"
	OrderStatusPaymentPending    OrderStatus = "payment_pending"
	OrderStatusPaymentCompleted  OrderStatus = "payment_completed"
	OrderStatusProviderPending   OrderStatus = "provider_pending"
	OrderStatusProviderConfirmed OrderStatus = "provider_confirmed"
	OrderStatusCompleted         OrderStatus = "completed"
	OrderStatusCancelled         OrderStatus = "cancelled"
	OrderStatusRefunded          OrderStatus = "refunded"
)

// IsTerminal reports whether no further fulfillment work may touch the order.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled || s == OrderStatusRefunded
}

// ProductType classifies a line item. Only physical goods participate in
// stock adjustment and shipping cost.
type ProductType string

const (
	ProductTypePhysical ProductType = "physical"
	ProductTypeDigital  ProductType = "digital"
	ProductTypeService  ProductType = "service"
)

// LineItem is one ordered product position.
type LineItem struct {
	ProductID   models.ID    `json:"product_id"`
	ProductType ProductType  `json:"product_type"`
	Quantity    int          `json:"quantity"`
	UnitPrice   models.Money `json:"unit_price"`
}

// Pricing carries the fixed rates used to compute order totals.
type Pricing struct {
	// TaxRateBasisPoints expresses the tax rate in basis points
	// (1900 = 19%).
	TaxRateBasisPoints int64

	// ShippingFlatFee is charged once when the order contains at least one
	// physical item.
	ShippingFlatFee int64
}

// Order aggregate root. Owned by the order service; the saga orchestrator
// mutates status and external references but never creates or deletes it.
type Order struct {
	ID              models.ID
	CustomerID      models.ID
	Items           []LineItem
	ShippingAddress string
	PaymentMethod   string
	Subtotal        models.Money
	Tax             models.Money
	Shipping        models.Money
	Total           models.Money
	Status          OrderStatus

	// External references acquired during fulfillment.
	PaymentTransactionID   *string
	ProviderConfirmationID *string
	InvoiceID              *string

	Timestamps models.Timestamps
	Version    models.Version

	events []*events.Event
}

// CreateOrder factory method. Validates the request, computes totals and
// records the order.created event.
func CreateOrder(customerID models.ID, items []LineItem, shippingAddress, paymentMethod string, pricing Pricing) (*Order, error) {
	if len(items) == 0 {
		return nil, errors.Wrap(ErrValidation, "order must contain at least one item")
	}
	if paymentMethod == "" {
		return nil, errors.Wrap(ErrValidation, "payment method is required")
	}

	currency := items[0].UnitPrice.Currency
	subtotal := models.NewMoney(0, currency)
	hasPhysical := false

	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, errors.Wrap(ErrValidation, "item quantity must be positive")
		}
		if !item.UnitPrice.IsPositive() {
			return nil, errors.Wrap(ErrValidation, "item unit price must be positive")
		}

		line := item.UnitPrice.MulQty(item.Quantity)
		var err error
		subtotal, err = subtotal.Add(line)
		if err != nil {
			return nil, errors.Wrap(ErrValidation, "items must share one currency")
		}

		if item.ProductType == ProductTypePhysical {
			hasPhysical = true
		}
	}

	tax := subtotal.RateBasisPoints(pricing.TaxRateBasisPoints)

	shipping := models.NewMoney(0, currency)
	if hasPhysical {
		shipping = models.NewMoney(pricing.ShippingFlatFee, currency)
	}

	total, err := subtotal.Add(tax)
	if err != nil {
		return nil, err
	}
	total, err = total.Add(shipping)
	if err != nil {
		return nil, err
	}

	order := &Order{
		ID:              models.GenerateUUID(),
		CustomerID:      customerID,
		Items:           items,
		ShippingAddress: shippingAddress,
		PaymentMethod:   paymentMethod,
		Subtotal:        subtotal,
		Tax:             tax,
		Shipping:        shipping,
		Total:           total,
		Status:          OrderStatusCreated,
		Timestamps:      models.NewTimestamps(),
		Version:         models.NewVersion(),
	}

	order.recordEvent(events.NewEvent(order.ID, events.OrderCreatedEvent, OrderCreatedData{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Total:      order.Total,
		Status:     order.Status,
	}))

	return order, nil
}

// HasPhysicalItems reports whether any line item needs stock handling.
func (o *Order) HasPhysicalItems() bool {
	for _, item := range o.Items {
		if item.ProductType == ProductTypePhysical {
			return true
		}
	}
	return false
}

// BeginPayment marks the order as waiting for payment capture.
func (o *Order) BeginPayment() {
	o.setStatus(OrderStatusPaymentPending)
}

// CompletePayment records the captured payment transaction.
func (o *Order) CompletePayment(transactionID string) {
	o.PaymentTransactionID = &transactionID
	o.setStatus(OrderStatusPaymentCompleted)
}

// BeginProviderConfirmation marks the order as waiting for the external
// provider.
func (o *Order) BeginProviderConfirmation() {
	o.setStatus(OrderStatusProviderPending)
}

// ConfirmProvider records the external fulfillment confirmation.
func (o *Order) ConfirmProvider(confirmationID string) {
	o.ProviderConfirmationID = &confirmationID
	o.setStatus(OrderStatusProviderConfirmed)
}

// AttachInvoice records the generated invoice reference.
func (o *Order) AttachInvoice(invoiceID string) {
	o.InvoiceID = &invoiceID
	o.touch()
}

// Complete marks the order as fully fulfilled.
func (o *Order) Complete() error {
	if o.Status.IsTerminal() {
		return errors.Wrapf(ErrInvalidState, "cannot complete order in status %s", o.Status)
	}

	o.setStatus(OrderStatusCompleted)
	o.recordEvent(events.NewEvent(o.ID, events.OrderCompletedEvent, OrderCompletedData{
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		Total:       o.Total,
		CompletedAt: time.Now(),
	}))
	return nil
}

// Cancel marks the order as cancelled. Rejected once the order reached a
// terminal status.
func (o *Order) Cancel() error {
	if o.Status.IsTerminal() {
		return errors.Wrapf(ErrInvalidState, "cannot cancel order in status %s", o.Status)
	}

	o.setStatus(OrderStatusCancelled)
	o.recordEvent(events.NewEvent(o.ID, events.OrderCancelledEvent, OrderCancelledData{
		OrderID:     o.ID,
		CustomerID:  o.CustomerID,
		CancelledAt: time.Now(),
	}))
	return nil
}

// Refund marks the order as refunded after a captured payment was undone.
// Allowed from CANCELLED because cancelOrder flips the status before the
// asynchronous refund completes.
func (o *Order) Refund() error {
	if o.Status == OrderStatusCompleted || o.Status == OrderStatusRefunded {
		return errors.Wrapf(ErrInvalidState, "cannot refund order in status %s", o.Status)
	}

	o.setStatus(OrderStatusRefunded)
	o.recordEvent(events.NewEvent(o.ID, events.OrderRefundedEvent, OrderRefundedData{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Total:      o.Total,
		RefundedAt: time.Now(),
	}))
	return nil
}

func (o *Order) setStatus(status OrderStatus) {
	o.Status = status
	o.touch()
}

func (o *Order) touch() {
	o.Timestamps = o.Timestamps.Update()
	o.Version = o.Version.Update()
}

// Events returns recorded domain events
func (o *Order) Events() []*events.Event {
	return o.events
}

// ClearEvents clears recorded domain events
func (o *Order) ClearEvents() {
	o.events = make([]*events.Event, 0)
}

func (o *Order) recordEvent(event *events.Event) {
	o.events = append(o.events, event)
}

// Event Data Structures
type OrderCreatedData struct {
	OrderID    models.ID    `json:"order_id"`
	CustomerID models.ID    `json:"customer_id"`
	Total      models.Money `json:"total"`
	Status     OrderStatus  `json:"status"`
}

type OrderCompletedData struct {
	OrderID     models.ID    `json:"order_id"`
	CustomerID  models.ID    `json:"customer_id"`
	Total       models.Money `json:"total"`
	CompletedAt time.Time    `json:"completed_at"`
}

type OrderCancelledData struct {
	OrderID     models.ID `json:"order_id"`
	CustomerID  models.ID `json:"customer_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type OrderRefundedData struct {
	OrderID    models.ID    `json:"order_id"`
	CustomerID models.ID    `json:"customer_id"`
	Total      models.Money `json:"total"`
	RefundedAt time.Time    `json:"refunded_at"`
}

// OrderRepository persists order aggregates.
type OrderRepository interface {
	Save(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, id models.ID) (*Order, error)
	FindByCustomerID(ctx context.Context, customerID models.ID) ([]*Order, error)
}
