package repository

import (
	"context"
	"time"

	"github.com/kissanbandi/coupon-service/internal/domain"
)

// Sort fields accepted by CouponFilter.SortBy.
const (
	SortByCreatedAt = "created_at"
	SortByEndDate   = "end_date"
	SortByCode      = "code"
	SortByUsage     = "current_usage"
)

// CouponFilter narrows a coupon listing. Status is derived, so it is applied
// after loading; Search matches code and title case-insensitively.
type CouponFilter struct {
	Search    string
	IsActive  *bool
	SortBy    string
	SortDesc  bool
	Offset    int
	Limit     int
	LiveAt    *time.Time
	UserGroup string
}

// CouponStore holds coupon definitions and their usage history. It has no
// counter setters: counters move only through CouponTx.
type CouponStore interface {
	// Create inserts a new coupon. A taken code yields AlreadyExists.
	Create(ctx context.Context, c *domain.Coupon) error

	// GetByID returns the coupon or a NotFound error.
	GetByID(ctx context.Context, id string) (*domain.Coupon, error)

	// GetByCode looks up an upper-case code.
	GetByCode(ctx context.Context, code string) (*domain.Coupon, error)

	// List returns the coupons matching filter and the unpaginated total.
	// A zero Limit returns every match.
	List(ctx context.Context, filter CouponFilter) ([]domain.Coupon, int, error)

	// SetActive flips is_active on many coupons and returns the ids changed.
	SetActive(ctx context.Context, ids []string, active bool, updatedBy string) ([]string, error)

	// UserUsageCount returns the confirmed uses of couponID by userID.
	UserUsageCount(ctx context.Context, couponID, userID string) (int, error)

	// UserUsageCounts returns confirmed uses by userID for every coupon used.
	UserUsageCounts(ctx context.Context, userID string) (map[string]int, error)

	// Ping reports store reachability for readiness checks.
	Ping(ctx context.Context) error
}

// ReservationStore reads reservations outside any critical section.
type ReservationStore interface {
	// GetReservation returns the reservation or a NotFound error.
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)

	// ListOverdue returns pending reservations with expires_at <= now,
	// oldest first, at most limit.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)

	// PendingHolds sums live pending holds on couponID without locking.
	PendingHolds(ctx context.Context, couponID string, now time.Time) (domain.PendingHolds, error)
}

// UsageStore serves the read side of the usage ledger.
type UsageStore interface {
	// ListUsages pages through a coupon's usage records, newest first.
	ListUsages(ctx context.Context, couponID string, offset, limit int) ([]domain.UsageRecord, int, error)

	// ListUserUsages pages through a user's usage records across coupons.
	ListUserUsages(ctx context.Context, userID string, offset, limit int) ([]domain.UserUsage, int, error)

	// Summary aggregates a coupon's usage. An empty couponID aggregates
	// every coupon; a zero since means all time.
	Summary(ctx context.Context, couponID string, since time.Time) (domain.UsageSummary, error)

	// Daily buckets a coupon's usage by UTC day from since.
	Daily(ctx context.Context, couponID string, since time.Time) ([]domain.DailyUsage, error)

	// TopCoupons ranks coupons by uses from since.
	TopCoupons(ctx context.Context, since time.Time, limit int) ([]domain.TopCoupon, error)
}

// CouponLocker runs fn inside couponID's critical section. fn's writes are
// committed only if it returns nil. A lock that cannot be taken in time
// yields domain.CouponBusyError; an unknown coupon yields NotFound.
type CouponLocker interface {
	WithCouponLock(ctx context.Context, couponID string, fn func(ctx context.Context, tx CouponTx) error) error
}

// CouponTx is the view of one locked coupon. It is valid only inside the
// WithCouponLock callback.
type CouponTx interface {
	// Coupon returns the locked coupon as of the start of the section,
	// plus any SaveCoupon and ApplyUsage effects staged since.
	Coupon() *domain.Coupon

	// ExpirePending marks overdue pending reservations expired and returns them.
	ExpirePending(ctx context.Context, now time.Time) ([]domain.Reservation, error)

	// PendingHolds sums live pending holds; UserCount is for userID.
	PendingHolds(ctx context.Context, now time.Time, userID string) (domain.PendingHolds, error)

	// UserUsageCount returns the confirmed uses of the coupon by userID.
	UserUsageCount(ctx context.Context, userID string) (int, error)

	// InsertReservation stores a new pending reservation.
	InsertReservation(ctx context.Context, r *domain.Reservation) error

	// LockReservation loads a reservation of this coupon; NotFound when it
	// does not exist or belongs to another coupon.
	LockReservation(ctx context.Context, id string) (*domain.Reservation, error)

	// UpdateReservationStatus moves a reservation out of pending.
	UpdateReservationStatus(ctx context.Context, id string, status domain.ReservationStatus, at time.Time, orderID string) error

	// ApplyUsage bumps the coupon and per-user counters by one use and
	// appends rec. A repeated (coupon, order) yields DuplicateOrderError.
	ApplyUsage(ctx context.Context, rec *domain.UsageRecord) error

	// SaveCoupon persists definition changes. Counters are not written.
	SaveCoupon(ctx context.Context, c *domain.Coupon) error

	// DeleteCoupon removes the coupon.
	DeleteCoupon(ctx context.Context) error
}

// Store is everything a backend provides.
type Store interface {
	CouponStore
	ReservationStore
	UsageStore
	CouponLocker
}
