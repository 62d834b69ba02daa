package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/repository"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
)

// ReservationConfig tunes the reservation manager.
type ReservationConfig struct {
	// Timeout is how long a pending reservation holds capacity.
	Timeout time.Duration
	// SweepBatchSize bounds the overdue reservations one sweep loads.
	SweepBatchSize int
}

// ReservationService holds coupon capacity for in-flight checkouts.
type ReservationService struct {
	core
	users classifier
	carts CartProvider
	cfg   ReservationConfig
}

// NewReservationService creates a new reservation manager. carts and users
// may be nil.
func NewReservationService(
	store repository.Store,
	events EventPublisher,
	carts CartProvider,
	users UserClassifier,
	metrics *Metrics,
	cfg ReservationConfig,
	logger *slog.Logger,
) *ReservationService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = domain.DefaultReservationTimeout
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 500
	}
	return &ReservationService{
		core:  newCore(store, events, metrics, logger),
		users: classifier{users: users, logger: logger},
		carts: carts,
		cfg:   cfg,
	}
}

// ReserveInput is a request to hold one use of a coupon. Cart is the
// client's snapshot, used when no cart service is configured or it fails.
type ReserveInput struct {
	CouponID       string
	User           domain.User
	Cart           domain.Cart
	QuotedDiscount int64
}

// Reserve re-evaluates the coupon against a fresh cart and, if capacity
// remains after every live hold, creates a pending reservation carrying the
// server-computed discount.
func (s *ReservationService) Reserve(ctx context.Context, input ReserveInput) (*domain.Reservation, error) {
	user := s.users.resolve(ctx, input.User)
	cart := s.freshCart(ctx, user.ID, input.Cart)

	var (
		reservation *domain.Reservation
		expired     []domain.Reservation
	)
	err := s.store.WithCouponLock(ctx, input.CouponID, func(ctx context.Context, tx repository.CouponTx) error {
		now := s.now()
		var err error
		if expired, err = tx.ExpirePending(ctx, now); err != nil {
			return err
		}

		discount, err := admit(ctx, tx, cart, user, now)
		if err != nil {
			return err
		}

		r := &domain.Reservation{
			ID:             uuid.New().String(),
			CouponID:       input.CouponID,
			UserID:         user.ID,
			DiscountAmount: discount,
			OrderTotal:     cart.Total,
			Status:         domain.ReservationPending,
			CreatedAt:      now,
			ExpiresAt:      now.Add(s.cfg.Timeout),
		}
		if err := tx.InsertReservation(ctx, r); err != nil {
			return err
		}
		reservation = r
		return nil
	})
	s.metrics.Reservations.WithLabelValues(reservationOutcome(err)).Inc()
	if err != nil {
		s.logger.InfoContext(ctx, "coupon reservation refused",
			slog.String("coupon_id", input.CouponID),
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("reserve coupon: %w", err)
	}
	s.publishExpired(ctx, expired)

	if input.QuotedDiscount != 0 && input.QuotedDiscount != reservation.DiscountAmount {
		s.logger.WarnContext(ctx, "client quoted discount differs from server discount",
			slog.String("coupon_id", input.CouponID),
			slog.Int64("quoted", input.QuotedDiscount),
			slog.Int64("server", reservation.DiscountAmount),
		)
	}

	if err := s.events.PublishCouponReserved(ctx, reservation); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish coupon.reserved event",
			slog.String("reservation_id", reservation.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "coupon reserved",
		slog.String("coupon_id", reservation.CouponID),
		slog.String("reservation_id", reservation.ID),
		slog.String("user_id", reservation.UserID),
		slog.Int64("discount_amount", reservation.DiscountAmount),
	)

	return reservation, nil
}

// freshCart prefers the cart service's view of the user's cart.
func (s *ReservationService) freshCart(ctx context.Context, userID string, fallback domain.Cart) domain.Cart {
	if s.carts == nil || userID == "" {
		return fallback
	}
	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "cart service unavailable, using request cart",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return fallback
	}
	if len(cart.Items) == 0 {
		s.logger.WarnContext(ctx, "cart service returned an empty cart, using request cart",
			slog.String("user_id", userID),
		)
		return fallback
	}
	if cart.Total <= 0 {
		cart.Total = cart.ItemsTotal()
	}
	return *cart
}

// ReleaseReservation returns a pending reservation's capacity. It is
// idempotent: terminal reservations, unknown ids, another coupon's
// reservation and, when userID is set, another user's reservation are all
// successful no-ops. An empty couponID is looked up from the reservation.
func (s *ReservationService) ReleaseReservation(ctx context.Context, couponID, reservationID, userID string) error {
	if _, err := uuid.Parse(reservationID); err != nil {
		return nil
	}
	if couponID == "" {
		r, err := s.store.GetReservation(ctx, reservationID)
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
		couponID = r.CouponID
	}

	var (
		released *domain.Reservation
		expired  []domain.Reservation
	)
	err := s.store.WithCouponLock(ctx, couponID, func(ctx context.Context, tx repository.CouponTx) error {
		now := s.now()
		var err error
		if expired, err = tx.ExpirePending(ctx, now); err != nil {
			return err
		}

		r, err := tx.LockReservation(ctx, reservationID)
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !r.IsPending() || (userID != "" && r.UserID != userID) {
			return nil
		}

		if err := tx.UpdateReservationStatus(ctx, r.ID, domain.ReservationReleased, now, ""); err != nil {
			return err
		}
		r.Status = domain.ReservationReleased
		r.ResolvedAt = &now
		released = r
		return nil
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	s.publishExpired(ctx, expired)

	if released == nil {
		return nil
	}

	if err := s.events.PublishCouponReleased(ctx, released); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish coupon.released event",
			slog.String("reservation_id", released.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "coupon reservation released",
		slog.String("coupon_id", released.CouponID),
		slog.String("reservation_id", released.ID),
	)

	return nil
}

// GetReservation returns a reservation by id.
func (s *ReservationService) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NotFound("reservation", id)
	}
	r, err := s.store.GetReservation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// ExpireStaleReservations expires overdue pending reservations, one coupon
// section per affected coupon, and returns how many were expired. Coupons
// that are busy or fail are reported in the joined error and retried on
// the next sweep.
func (s *ReservationService) ExpireStaleReservations(ctx context.Context) (int, error) {
	overdue, err := s.store.ListOverdue(ctx, s.now(), s.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list overdue reservations: %w", err)
	}

	var (
		total int
		errs  []error
		seen  = make(map[string]bool)
	)
	for _, r := range overdue {
		if seen[r.CouponID] {
			continue
		}
		seen[r.CouponID] = true

		var expired []domain.Reservation
		err := s.store.WithCouponLock(ctx, r.CouponID, func(ctx context.Context, tx repository.CouponTx) error {
			var err error
			expired, err = tx.ExpirePending(ctx, s.now())
			return err
		})
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("expire reservations of coupon %s: %w", r.CouponID, err))
			continue
		}
		s.publishExpired(ctx, expired)
		total += len(expired)
	}

	if total > 0 {
		s.logger.InfoContext(ctx, "expired stale coupon reservations",
			slog.Int("count", total),
			slog.Int("coupons", len(seen)),
		)
	}

	return total, errors.Join(errs...)
}
