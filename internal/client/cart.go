package client

import (
	"context"
	"net/http"

	"github.com/kissanbandi/coupon-service/internal/domain"
)

// CartClient fetches a user's current cart from the cart service.
type CartClient struct {
	doer    HTTPDoer
	baseURL string
}

// NewCartClient creates a new cart service client.
func NewCartClient(doer HTTPDoer, baseURL string) *CartClient {
	return &CartClient{doer: doer, baseURL: trimBase(baseURL)}
}

type cartResponse struct {
	Items []struct {
		ProductID  string `json:"product_id"`
		CategoryID string `json:"category_id"`
		Quantity   int    `json:"quantity"`
		Price      int64  `json:"price"`
	} `json:"items"`
	Total int64 `json:"total"`
}

// GetCart returns the cart of userID. The total is the cart service's
// total when it reports one, otherwise the sum of its lines.
func (c *CartClient) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	header := http.Header{}
	header.Set("X-User-ID", userID)

	data, err := getJSON[cartResponse](ctx, c.doer, c.baseURL+"/api/v1/cart", "cart", header)
	if err != nil {
		return nil, err
	}

	cart := &domain.Cart{
		Total: data.Total,
		Items: make([]domain.CartItem, 0, len(data.Items)),
	}
	for _, it := range data.Items {
		cart.Items = append(cart.Items, domain.CartItem{
			ProductID:  it.ProductID,
			CategoryID: it.CategoryID,
			Quantity:   it.Quantity,
			Price:      it.Price,
		})
	}
	if cart.Total <= 0 {
		cart.Total = cart.ItemsTotal()
	}
	return cart, nil
}
