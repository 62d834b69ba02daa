package domain

import "time"

// UsageRecord is an append-only record of one confirmed coupon use.
// (CouponID, OrderID) is unique.
type UsageRecord struct {
	ID             string    `json:"id"`
	CouponID       string    `json:"coupon_id"`
	UserID         string    `json:"user_id"`
	OrderID        string    `json:"order_id"`
	ReservationID  string    `json:"reservation_id,omitempty"`
	DiscountAmount int64     `json:"discount_amount"`
	OrderTotal     int64     `json:"order_total"`
	UsedAt         time.Time `json:"used_at"`
}

// UserUsage is a usage record joined with its coupon, for a user's history.
type UserUsage struct {
	UsageRecord
	CouponCode  string `json:"coupon_code"`
	CouponTitle string `json:"coupon_title"`
}
