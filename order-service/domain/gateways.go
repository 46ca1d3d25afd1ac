package domain

import (
	"context"

	"github.com/allconnect/order-system/shared/models"
)

// Capability interfaces wrapping the independent collaborators the saga
// coordinates. Each is a design boundary, not a wire contract: the
// surrounding system may back them with in-process calls, HTTP or queue
// publication.

// PaymentGateway captures and refunds payments.
type PaymentGateway interface {
	// Charge captures the order total against the payment method and
	// returns the transaction id needed for a later refund.
	Charge(ctx context.Context, orderID models.ID, amount models.Money, method string) (transactionID string, err error)

	// Refund undoes a previously captured charge.
	Refund(ctx context.Context, transactionID string) error
}

// InventoryGateway adjusts stock levels. Positive delta restocks, negative
// delta deducts.
type InventoryGateway interface {
	AdjustStock(ctx context.Context, productID models.ID, delta int) error
}

// ProviderConfirmationGateway requests and cancels external fulfillment
// confirmations.
type ProviderConfirmationGateway interface {
	Confirm(ctx context.Context, orderID models.ID) (confirmationID string, err error)
	Cancel(ctx context.Context, confirmationID string) error
}

// Notification is an outbound customer notification request.
type Notification struct {
	Type       string    `json:"type"`
	CustomerID models.ID `json:"customer_id"`
	OrderID    models.ID `json:"order_id"`
	Channel    string    `json:"channel"`
}

// Notifier dispatches customer notifications. Dispatch is best-effort; a
// failed dispatch never invalidates the order.
type Notifier interface {
	Publish(ctx context.Context, notification Notification) error
}

// Invoicer creates and voids invoices.
type Invoicer interface {
	CreateInvoice(ctx context.Context, orderID, customerID models.ID, amount, tax models.Money) (invoiceID string, err error)
	VoidInvoice(ctx context.Context, invoiceID string) error
}
