package http

import (
	"time"

	"github.com/kissanbandi/coupon-service/internal/domain"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
)

// --- Request DTOs ---

// CartItemRequest is one cart line. Prices are minor units.
type CartItemRequest struct {
	ProductID  string `json:"product_id" validate:"required"`
	CategoryID string `json:"category_id"`
	Quantity   int    `json:"quantity" validate:"required,gte=1"`
	Price      int64  `json:"price" validate:"gte=0"`
}

// CreateCouponRequest is the JSON request body for creating a coupon.
type CreateCouponRequest struct {
	Code                 string   `json:"code" validate:"omitempty,coupon_code"`
	Title                string   `json:"title" validate:"required,min=3,max=100"`
	Description          string   `json:"description" validate:"max=500"`
	DiscountType         string   `json:"discount_type" validate:"required,oneof=percentage fixed"`
	DiscountValue        int64    `json:"discount_value" validate:"required,gt=0"`
	MinOrderValue        int64    `json:"min_order_value" validate:"gte=0"`
	MaxUsageCount        *int     `json:"max_usage_count" validate:"omitempty,gt=0"`
	UsagePerUser         int      `json:"usage_per_user" validate:"gte=0"`
	StartDate            string   `json:"start_date" validate:"required"`
	EndDate              string   `json:"end_date" validate:"required"`
	Budget               *int64   `json:"budget" validate:"omitempty,gt=0"`
	IsActive             *bool    `json:"is_active"`
	ApplicableProducts   []string `json:"applicable_products"`
	ExcludedProducts     []string `json:"excluded_products"`
	ApplicableCategories []string `json:"applicable_categories"`
	UserGroups           []string `json:"user_groups" validate:"omitempty,dive,oneof=all new premium"`
}

// UpdateCouponRequest is the JSON request body for updating a coupon. The
// clear flags remove a usage or budget cap.
type UpdateCouponRequest struct {
	Code                 *string   `json:"code" validate:"omitempty,coupon_code"`
	Title                *string   `json:"title" validate:"omitempty,min=3,max=100"`
	Description          *string   `json:"description" validate:"omitempty,max=500"`
	DiscountType         *string   `json:"discount_type" validate:"omitempty,oneof=percentage fixed"`
	DiscountValue        *int64    `json:"discount_value" validate:"omitempty,gt=0"`
	MinOrderValue        *int64    `json:"min_order_value" validate:"omitempty,gte=0"`
	MaxUsageCount        *int      `json:"max_usage_count" validate:"omitempty,gt=0"`
	ClearMaxUsageCount   bool      `json:"clear_max_usage_count"`
	UsagePerUser         *int      `json:"usage_per_user" validate:"omitempty,gt=0"`
	StartDate            *string   `json:"start_date"`
	EndDate              *string   `json:"end_date"`
	Budget               *int64    `json:"budget" validate:"omitempty,gt=0"`
	ClearBudget          bool      `json:"clear_budget"`
	IsActive             *bool     `json:"is_active"`
	ApplicableProducts   *[]string `json:"applicable_products"`
	ExcludedProducts     *[]string `json:"excluded_products"`
	ApplicableCategories *[]string `json:"applicable_categories"`
	UserGroups           *[]string `json:"user_groups"`
}

// BulkStatusRequest is the JSON request body for activating or deactivating
// several coupons at once.
type BulkStatusRequest struct {
	CouponIDs []string `json:"coupon_ids" validate:"required,min=1,max=100,dive,uuid"`
	IsActive  *bool    `json:"is_active" validate:"required"`
}

// ValidateCouponRequest is the JSON request body for quoting a coupon.
type ValidateCouponRequest struct {
	Code      string            `json:"code" validate:"required,coupon_code"`
	CartTotal int64             `json:"cart_total" validate:"gte=0"`
	CartItems []CartItemRequest `json:"cart_items" validate:"omitempty,dive"`
}

// SuggestionsRequest is the JSON request body for coupon suggestions.
type SuggestionsRequest struct {
	CartTotal int64             `json:"cart_total" validate:"gte=0"`
	CartItems []CartItemRequest `json:"cart_items" validate:"omitempty,dive"`
}

// ReserveRequest is the JSON request body for reserving a coupon. The
// discount_amount is the client's quote; the server recomputes it.
type ReserveRequest struct {
	UserID         string            `json:"user_id"`
	DiscountAmount int64             `json:"discount_amount" validate:"gte=0"`
	OrderTotal     int64             `json:"order_total" validate:"gte=0"`
	CartItems      []CartItemRequest `json:"cart_items" validate:"omitempty,dive"`
}

// ReleaseRequest is the JSON request body for releasing a reservation.
type ReleaseRequest struct {
	ReservationID string `json:"reservation_id" validate:"required"`
}

// UsageRequest is the JSON request body for confirm-usage.
type UsageRequest struct {
	ReservationID  string            `json:"reservation_id" validate:"omitempty,uuid"`
	OrderID        string            `json:"order_id" validate:"required,max=100"`
	UserID         string            `json:"user_id"`
	DiscountAmount int64             `json:"discount_amount" validate:"gte=0"`
	OrderTotal     int64             `json:"order_total" validate:"gte=0"`
	CartItems      []CartItemRequest `json:"cart_items" validate:"omitempty,dive"`
	UsedAt         *time.Time        `json:"used_at"`
}

// --- Response DTOs ---

// ReservationResponse is returned by reserve and reservation lookup.
type ReservationResponse struct {
	ReservationID  string                   `json:"reservation_id"`
	CouponID       string                   `json:"coupon_id"`
	UserID         string                   `json:"user_id"`
	DiscountAmount int64                    `json:"discount_amount"`
	OrderTotal     int64                    `json:"order_total"`
	Status         domain.ReservationStatus `json:"status"`
	OrderID        string                   `json:"order_id,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	ExpiresAt      time.Time                `json:"expires_at"`
	ResolvedAt     *time.Time               `json:"resolved_at,omitempty"`
}

func toReservationResponse(r *domain.Reservation) ReservationResponse {
	return ReservationResponse{
		ReservationID:  r.ID,
		CouponID:       r.CouponID,
		UserID:         r.UserID,
		DiscountAmount: r.DiscountAmount,
		OrderTotal:     r.OrderTotal,
		Status:         r.Status,
		OrderID:        r.OrderID,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		ResolvedAt:     r.ResolvedAt,
	}
}

type okResponse struct {
	OK bool `json:"ok"`
}

type bulkStatusResponse struct {
	Updated   []string `json:"updated"`
	Requested int      `json:"requested"`
}

// --- Helpers ---

func toCart(total int64, items []CartItemRequest) domain.Cart {
	cart := domain.Cart{Total: total}
	for _, it := range items {
		cart.Items = append(cart.Items, domain.CartItem{
			ProductID:  it.ProductID,
			CategoryID: it.CategoryID,
			Quantity:   it.Quantity,
			Price:      it.Price,
		})
	}
	if cart.Total == 0 && len(cart.Items) > 0 {
		cart.Total = cart.ItemsTotal()
	}
	return cart
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, apperrors.InvalidInput(field + " must be in RFC3339 format")
	}
	return t, nil
}

func parseOptionalTime(field string, value *string) (*time.Time, error) {
	if value == nil {
		return nil, nil
	}
	t, err := parseTime(field, *value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
