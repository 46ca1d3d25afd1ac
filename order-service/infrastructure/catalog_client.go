package infrastructure

import (
	"context"

	"github.com/allconnect/order-system/shared/models"
	"github.com/pkg/errors"
)

// CatalogClient talks to the product catalog service over HTTP. The saga
// uses it to deduct stock on the forward path and restock during
// compensation.
type CatalogClient struct {
	api *apiClient
}

// NewCatalogClient creates a new CatalogClient
func NewCatalogClient(baseURL string) *CatalogClient {
	return &CatalogClient{api: newAPIClient(baseURL)}
}

type stockAdjustRequest struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
}

// AdjustStock changes the stock level of a product. Positive delta restocks,
// negative delta deducts.
func (c *CatalogClient) AdjustStock(ctx context.Context, productID models.ID, delta int) error {
	req := stockAdjustRequest{
		ProductID: productID.String(),
		Delta:     delta,
	}
	if err := c.api.postJSON(ctx, "/products/stock/adjust", req, nil); err != nil {
		return errors.Wrapf(err, "stock adjustment for product %s failed", productID)
	}
	return nil
}
