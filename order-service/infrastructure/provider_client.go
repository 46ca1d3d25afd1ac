package infrastructure

import (
	"context"

	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
)

// ProviderClient talks to the external fulfillment provider over HTTP.
type ProviderClient struct {
	api *apiClient
}

// NewProviderClient creates a new ProviderClient
func NewProviderClient(baseURL string) *ProviderClient {
	return &ProviderClient{api: newAPIClient(baseURL)}
}

type providerConfirmRequest struct {
	OrderID string `json:"order_id"`
}

type providerConfirmResponse struct {
	ConfirmationID string `json:"confirmation_id"`
}

// Confirm requests fulfillment confirmation for an order and returns the
// provider's confirmation ID.
func (c *ProviderClient) Confirm(ctx context.Context, orderID models.ID) (string, error) {
	req := providerConfirmRequest{OrderID: orderID.String()}

	var resp providerConfirmResponse
	if err := c.api.postJSON(ctx, "/confirmations", req, &resp); err != nil {
		return "", errors.Wrap(err, "provider confirmation failed")
	}
	if resp.ConfirmationID == "" {
		return "", errors.New("provider returned no confirmation id")
	}
	return resp.ConfirmationID, nil
}

type providerCancelRequest struct {
	ConfirmationID string `json:"confirmation_id"`
}

// Cancel revokes a previously issued confirmation.
func (c *ProviderClient) Cancel(ctx context.Context, confirmationID string) error {
	req := providerCancelRequest{ConfirmationID: confirmationID}
	if err := c.api.postJSON(ctx, "/confirmations/cancel", req, nil); err != nil {
		return errors.Wrap(err, "provider cancellation failed")
	}
	return nil
}
