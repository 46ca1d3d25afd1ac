package infrastructure

import (
	"context"

	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
)

// BillingClient talks to the billing service over HTTP.
type BillingClient struct {
	api *apiClient
}

// NewBillingClient creates a new BillingClient
func NewBillingClient(baseURL string) *BillingClient {
	return &BillingClient{api: newAPIClient(baseURL)}
}

type createInvoiceRequest struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Amount     int64  `json:"amount"`
	Tax        int64  `json:"tax"`
	Currency   string `json:"currency"`
}

type createInvoiceResponse struct {
	InvoiceID string `json:"invoice_id"`
}

// CreateInvoice issues an invoice for a completed order.
func (c *BillingClient) CreateInvoice(ctx context.Context, orderID, customerID models.ID, amount, tax models.Money) (string, error) {
	req := createInvoiceRequest{
		OrderID:    orderID.String(),
		CustomerID: customerID.String(),
		Amount:     amount.Amount,
		Tax:        tax.Amount,
		Currency:   amount.Currency,
	}

	var resp createInvoiceResponse
	if err := c.api.postJSON(ctx, "/invoices", req, &resp); err != nil {
		return "", errors.Wrap(err, "invoice creation failed")
	}
	if resp.InvoiceID == "" {
		return "", errors.New("billing service returned no invoice id")
	}
	return resp.InvoiceID, nil
}

type voidInvoiceRequest struct {
	InvoiceID string `json:"invoice_id"`
}

// VoidInvoice voids a previously created invoice.
func (c *BillingClient) VoidInvoice(ctx context.Context, invoiceID string) error {
	req := voidInvoiceRequest{InvoiceID: invoiceID}
	if err := c.api.postJSON(ctx, "/invoices/void", req, nil); err != nil {
		return errors.Wrap(err, "invoice void failed")
	}
	return nil
}
