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
	"github.com/kissanbandi/coupon-service/pkg/pagination"
)

// LedgerService turns reservations into permanent usage records and feeds
// the coupon counters.
type LedgerService struct {
	core
	users classifier
}

// NewLedgerService creates a new usage ledger. users may be nil.
func NewLedgerService(
	store repository.Store,
	events EventPublisher,
	users UserClassifier,
	metrics *Metrics,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		core:  newCore(store, events, metrics, logger),
		users: classifier{users: users, logger: logger},
	}
}

// ConfirmReservation commits a pending reservation against orderID. An
// empty couponID is looked up from the reservation. Confirm is not
// idempotent: a second call fails with ReservationNotPending.
func (s *LedgerService) ConfirmReservation(ctx context.Context, couponID, reservationID, orderID string) (*domain.UsageRecord, error) {
	return s.confirm(ctx, couponID, reservationID, orderID, "")
}

// UsageInput records a coupon use. With a ReservationID it confirms that
// reservation; without one it runs the full admission check and applies
// the use in the same section. Cart.Total is the order total.
type UsageInput struct {
	CouponID       string
	ReservationID  string
	OrderID        string
	User           domain.User
	Cart           domain.Cart
	QuotedDiscount int64
	UsedAt         time.Time
}

// RecordUsage is the confirm-usage operation.
func (s *LedgerService) RecordUsage(ctx context.Context, input UsageInput) (*domain.UsageRecord, error) {
	if input.ReservationID != "" {
		return s.confirm(ctx, input.CouponID, input.ReservationID, input.OrderID, input.User.ID)
	}
	if input.OrderID == "" {
		return nil, apperrors.InvalidInput("order_id is required")
	}
	user := s.users.resolve(ctx, input.User)

	var (
		rec     *domain.UsageRecord
		expired []domain.Reservation
	)
	err := s.store.WithCouponLock(ctx, input.CouponID, func(ctx context.Context, tx repository.CouponTx) error {
		now := s.now()
		var err error
		if expired, err = tx.ExpirePending(ctx, now); err != nil {
			return err
		}

		discount, err := admit(ctx, tx, input.Cart, user, now)
		if err != nil {
			return err
		}

		usedAt := now
		if !input.UsedAt.IsZero() && input.UsedAt.Before(now) {
			usedAt = input.UsedAt.UTC()
		}
		rec = &domain.UsageRecord{
			ID:             uuid.New().String(),
			CouponID:       input.CouponID,
			UserID:         user.ID,
			OrderID:        input.OrderID,
			DiscountAmount: discount,
			OrderTotal:     input.Cart.Total,
			UsedAt:         usedAt,
		}
		return tx.ApplyUsage(ctx, rec)
	})
	if err != nil {
		return nil, s.failed(ctx, input.CouponID, err)
	}
	s.publishExpired(ctx, expired)

	if input.QuotedDiscount != 0 && input.QuotedDiscount != rec.DiscountAmount {
		s.logger.WarnContext(ctx, "client quoted discount differs from server discount",
			slog.String("coupon_id", input.CouponID),
			slog.String("order_id", input.OrderID),
			slog.Int64("quoted", input.QuotedDiscount),
			slog.Int64("server", rec.DiscountAmount),
		)
	}

	s.redeemed(ctx, rec)
	return rec, nil
}

func (s *LedgerService) confirm(ctx context.Context, couponID, reservationID, orderID, userID string) (*domain.UsageRecord, error) {
	if orderID == "" {
		return nil, apperrors.InvalidInput("order_id is required")
	}
	if _, err := uuid.Parse(reservationID); err != nil {
		return nil, apperrors.NotFound("reservation", reservationID)
	}
	if couponID == "" {
		r, err := s.store.GetReservation(ctx, reservationID)
		if err != nil {
			return nil, fmt.Errorf("confirm coupon usage: %w", err)
		}
		couponID = r.CouponID
	}

	var (
		rec    *domain.UsageRecord
		lapsed *domain.Reservation
	)
	err := s.store.WithCouponLock(ctx, couponID, func(ctx context.Context, tx repository.CouponTx) error {
		r, err := tx.LockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if userID != "" && r.UserID != userID {
			return apperrors.Forbidden("reservation belongs to another user")
		}
		switch r.Status {
		case domain.ReservationPending:
		case domain.ReservationExpired:
			return domain.ReservationExpiredError(r.ID)
		default:
			return domain.ReservationNotPendingError(r.ID, r.Status)
		}

		now := s.now()
		if r.IsOverdue(now) {
			// Persist the expiry; the caller still gets ReservationExpired.
			if err := tx.UpdateReservationStatus(ctx, r.ID, domain.ReservationExpired, now, ""); err != nil {
				return err
			}
			r.Status = domain.ReservationExpired
			r.ResolvedAt = &now
			lapsed = r
			return nil
		}

		if err := checkInvariants(tx.Coupon(), r.DiscountAmount); err != nil {
			return err
		}
		if err := tx.UpdateReservationStatus(ctx, r.ID, domain.ReservationConfirmed, now, orderID); err != nil {
			return err
		}
		rec = &domain.UsageRecord{
			ID:             uuid.New().String(),
			CouponID:       couponID,
			UserID:         r.UserID,
			OrderID:        orderID,
			ReservationID:  r.ID,
			DiscountAmount: r.DiscountAmount,
			OrderTotal:     r.OrderTotal,
			UsedAt:         now,
		}
		return tx.ApplyUsage(ctx, rec)
	})
	if err != nil {
		return nil, s.failed(ctx, couponID, err)
	}

	if lapsed != nil {
		s.publishExpired(ctx, []domain.Reservation{*lapsed})
		return nil, domain.ReservationExpiredError(lapsed.ID)
	}

	s.redeemed(ctx, rec)
	return rec, nil
}

// checkInvariants verifies one more use of discount keeps the confirmed
// counters within their caps.
func checkInvariants(c *domain.Coupon, discount int64) error {
	if c.MaxUsageCount != nil && c.CurrentUsage+1 > *c.MaxUsageCount {
		return domain.InvariantViolationError(fmt.Sprintf(
			"coupon %s: current_usage %d would exceed max_usage_count %d", c.ID, c.CurrentUsage+1, *c.MaxUsageCount))
	}
	if c.Budget != nil && c.BudgetUtilized+discount > *c.Budget {
		return domain.InvariantViolationError(fmt.Sprintf(
			"coupon %s: budget_utilized %d would exceed budget %d", c.ID, c.BudgetUtilized+discount, *c.Budget))
	}
	return nil
}

func (s *LedgerService) failed(ctx context.Context, couponID string, err error) error {
	if errors.Is(err, domain.ErrInvariantViolation) {
		s.metrics.InvariantViolations.Inc()
		s.logger.ErrorContext(ctx, "coupon invariant violation",
			slog.String("coupon_id", couponID),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("confirm coupon usage: %w", err)
}

func (s *LedgerService) redeemed(ctx context.Context, rec *domain.UsageRecord) {
	s.metrics.Redemptions.Inc()

	if err := s.events.PublishCouponRedeemed(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish coupon.redeemed event",
			slog.String("usage_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "coupon usage recorded",
		slog.String("coupon_id", rec.CouponID),
		slog.String("order_id", rec.OrderID),
		slog.String("user_id", rec.UserID),
		slog.Int64("discount_amount", rec.DiscountAmount),
	)
}

// UsageHistory pages through a coupon's usage records, newest first.
func (s *LedgerService) UsageHistory(ctx context.Context, couponID string, page pagination.Params) ([]domain.UsageRecord, int, error) {
	if _, err := s.store.GetByID(ctx, couponID); err != nil {
		return nil, 0, fmt.Errorf("coupon usage history: %w", err)
	}
	usages, total, err := s.store.ListUsages(ctx, couponID, page.Offset, page.PerPage)
	if err != nil {
		return nil, 0, fmt.Errorf("coupon usage history: %w", err)
	}
	return usages, total, nil
}

// UserHistory pages through a user's coupon uses, newest first.
func (s *LedgerService) UserHistory(ctx context.Context, userID string, page pagination.Params) ([]domain.UserUsage, int, error) {
	usages, total, err := s.store.ListUserUsages(ctx, userID, page.Offset, page.PerPage)
	if err != nil {
		return nil, 0, fmt.Errorf("user coupon history: %w", err)
	}
	return usages, total, nil
}

// Checkout joins the reservation manager and the ledger for the order event
// consumer.
type Checkout struct {
	*ReservationService
	*LedgerService
}
