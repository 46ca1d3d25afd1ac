package infrastructure

import (
	"context"

	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
)

// PaymentClient talks to the payment service over HTTP.
type PaymentClient struct {
	api *apiClient
}

// NewPaymentClient creates a new PaymentClient
func NewPaymentClient(baseURL string) *PaymentClient {
	return &PaymentClient{api: newAPIClient(baseURL)}
}

type chargeRequest struct {
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Method   string `json:"method"`
}

type chargeResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// Charge captures the order total and returns the payment transaction ID.
func (c *PaymentClient) Charge(ctx context.Context, orderID models.ID, amount models.Money, method string) (string, error) {
	req := chargeRequest{
		OrderID:  orderID.String(),
		Amount:   amount.Amount,
		Currency: amount.Currency,
		Method:   method,
	}

	var resp chargeResponse
	if err := c.api.postJSON(ctx, "/payments/charge", req, &resp); err != nil {
		return "", errors.Wrap(err, "payment charge failed")
	}
	if resp.TransactionID == "" {
		return "", errors.New("payment service returned no transaction id")
	}
	return resp.TransactionID, nil
}

type refundRequest struct {
	TransactionID string `json:"transaction_id"`
}

// Refund undoes a previously captured charge.
func (c *PaymentClient) Refund(ctx context.Context, transactionID string) error {
	req := refundRequest{TransactionID: transactionID}
	if err := c.api.postJSON(ctx, "/payments/refund", req, nil); err != nil {
		return errors.Wrap(err, "payment refund failed")
	}
	return nil
}
