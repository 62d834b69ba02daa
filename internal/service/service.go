package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/repository"
)

// EventPublisher publishes coupon domain events. It is implemented by
// event.Producer.
type EventPublisher interface {
	PublishCouponCreated(ctx context.Context, c *domain.Coupon) error
	PublishCouponUpdated(ctx context.Context, c *domain.Coupon) error
	PublishCouponDeleted(ctx context.Context, c *domain.Coupon) error
	PublishCouponReserved(ctx context.Context, r *domain.Reservation) error
	PublishCouponReleased(ctx context.Context, r *domain.Reservation) error
	PublishReservationExpired(ctx context.Context, r *domain.Reservation) error
	PublishCouponRedeemed(ctx context.Context, rec *domain.UsageRecord) error
}

// CartProvider returns a user's current cart from the cart service.
type CartProvider interface {
	GetCart(ctx context.Context, userID string) (*domain.Cart, error)
}

// UserClassifier returns the coupon user group of a user.
type UserClassifier interface {
	Classify(ctx context.Context, userID string) (string, error)
}

// core holds what every service in the package shares.
type core struct {
	store   repository.Store
	events  EventPublisher
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func newCore(store repository.Store, events EventPublisher, metrics *Metrics, logger *slog.Logger) core {
	return core{
		store:   store,
		events:  events,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// publishExpired reports reservations expired inside a committed section.
func (c *core) publishExpired(ctx context.Context, expired []domain.Reservation) {
	for i := range expired {
		r := &expired[i]
		c.metrics.ReservationsExpired.Inc()
		if err := c.events.PublishReservationExpired(ctx, r); err != nil {
			c.logger.ErrorContext(ctx, "failed to publish coupon.reservation_expired event",
				slog.String("reservation_id", r.ID),
				slog.String("coupon_id", r.CouponID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// classifier resolves the user group used for eligibility. Without a user
// service the group forwarded by the gateway is trusted.
type classifier struct {
	users  UserClassifier
	logger *slog.Logger
}

func (c classifier) resolve(ctx context.Context, u domain.User) domain.User {
	if c.users != nil && u.ID != "" {
		group, err := c.users.Classify(ctx, u.ID)
		if err == nil {
			u.Group = group
		} else {
			c.logger.WarnContext(ctx, "user classification failed, using forwarded group",
				slog.String("user_id", u.ID),
				slog.String("group", u.Group),
				slog.String("error", err.Error()),
			)
		}
	}
	if !domain.IsValidUserGroup(u.Group) {
		u.Group = domain.UserGroupAll
	}
	return u
}
