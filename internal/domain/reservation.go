package domain

import "time"

// DefaultReservationTimeout is how long a pending reservation holds capacity.
const DefaultReservationTimeout = 10 * time.Minute

// ReservationStatus is the reservation lifecycle state.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a time-boxed hold on one use of a coupon and its discount.
type Reservation struct {
	ID             string            `json:"id"`
	CouponID       string            `json:"coupon_id"`
	UserID         string            `json:"user_id"`
	DiscountAmount int64             `json:"discount_amount"`
	OrderTotal     int64             `json:"order_total"`
	Status         ReservationStatus `json:"status"`
	OrderID        string            `json:"order_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
}

// IsPending reports whether the reservation still holds capacity.
func (r *Reservation) IsPending() bool {
	return r.Status == ReservationPending
}

// IsOverdue reports a pending reservation whose hold has lapsed at now.
func (r *Reservation) IsOverdue(now time.Time) bool {
	return r.IsPending() && !now.Before(r.ExpiresAt)
}

// PendingHolds aggregates the live pending reservations of one coupon.
// UserCount counts only those of the user the query was made for.
type PendingHolds struct {
	Count     int
	Amount    int64
	UserCount int
}
