package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/repository"
	"github.com/kissanbandi/coupon-service/pkg/database"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
)

const (
	setLockTimeout = `SELECT set_config('lock_timeout', $1, true)`

	selectCouponForUpdate = `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1 FOR UPDATE`

	expirePending = `
		UPDATE coupon_reservations
		SET status = 'expired', resolved_at = $2
		WHERE coupon_id = $1 AND status = 'pending' AND expires_at <= $2
		RETURNING ` + reservationColumns

	sumPendingHolds = `
		SELECT COUNT(*),
		       COALESCE(SUM(discount_amount), 0)::BIGINT,
		       COUNT(*) FILTER (WHERE user_id = $3)
		FROM coupon_reservations
		WHERE coupon_id = $1 AND status = 'pending' AND expires_at > $2`

	insertReservation = `
		INSERT INTO coupon_reservations (
			id, coupon_id, user_id, discount_amount, order_total, status,
			order_id, created_at, expires_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)`

	selectReservationForUpdate = `
		SELECT ` + reservationColumns + `
		FROM coupon_reservations
		WHERE id = $1 AND coupon_id = $2
		FOR UPDATE`

	updateReservationStatus = `
		UPDATE coupon_reservations
		SET status = $2, resolved_at = $3, order_id = COALESCE(NULLIF($4, ''), order_id)
		WHERE id = $1 AND status = 'pending'`

	insertUsage = `
		INSERT INTO coupon_usages (
			id, coupon_id, user_id, order_id, reservation_id,
			discount_amount, order_total, used_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, '')::UUID, $6, $7, $8)`

	incrementCouponCounters = `
		UPDATE coupons
		SET current_usage = current_usage + 1,
		    budget_utilized = budget_utilized + $2,
		    total_sales = total_sales + $3,
		    updated_at = $4
		WHERE id = $1`

	upsertUserUsage = `
		INSERT INTO coupon_user_usage (coupon_id, user_id, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (coupon_id, user_id) DO UPDATE SET count = coupon_user_usage.count + 1`

	updateCouponDefinition = `
		UPDATE coupons
		SET code = $2, title = $3, description = $4, discount_type = $5,
		    discount_value = $6, min_order_value = $7, max_usage_count = $8,
		    usage_per_user = $9, start_date = $10, end_date = $11, budget = $12,
		    is_active = $13, applicable_products = $14, excluded_products = $15,
		    applicable_categories = $16, user_groups = $17, updated_by = $18,
		    updated_at = $19
		WHERE id = $1`

	deleteCoupon = `DELETE FROM coupons WHERE id = $1`

	usageOrderConstraint = "coupon_usages_coupon_order_key"
)

// WithCouponLock runs fn in a transaction holding couponID's row lock. The
// lock wait is bounded by lock_timeout; timing out yields CouponBusyError.
func (r *CouponRepository) WithCouponLock(ctx context.Context, couponID string, fn func(ctx context.Context, tx repository.CouponTx) error) (err error) {
	ctx, end := database.TraceQuery(ctx, "WithCouponLock", selectCouponForUpdate)
	defer func() { end(err) }()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin coupon tx: %w", err)
	}
	abort := func(err error) error {
		_ = tx.Rollback(ctx)
		return err
	}

	if r.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, setLockTimeout, timeout); err != nil {
			return abort(fmt.Errorf("set lock timeout: %w", err))
		}
	}

	c, err := scanCoupon(tx.QueryRow(ctx, selectCouponForUpdate, couponID))
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return abort(apperrors.NotFound("coupon", couponID))
		case database.IsLockTimeout(err):
			return abort(domain.CouponBusyError(couponID))
		}
		return abort(fmt.Errorf("lock coupon %s: %w", couponID, err))
	}

	if err := fn(ctx, &couponTx{tx: tx, coupon: c}); err != nil {
		return abort(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit coupon tx: %w", err)
	}
	return nil
}

type couponTx struct {
	tx     pgx.Tx
	coupon *domain.Coupon
}

func (t *couponTx) Coupon() *domain.Coupon { return t.coupon }

func (t *couponTx) ExpirePending(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	rows, err := t.tx.Query(ctx, expirePending, t.coupon.ID, now)
	if err != nil {
		return nil, fmt.Errorf("expire pending reservations: %w", err)
	}
	defer rows.Close()

	var expired []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired reservation: %w", err)
		}
		expired = append(expired, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired reservations: %w", err)
	}
	return expired, nil
}

func (t *couponTx) PendingHolds(ctx context.Context, now time.Time, userID string) (domain.PendingHolds, error) {
	var h domain.PendingHolds
	if err := t.tx.QueryRow(ctx, sumPendingHolds, t.coupon.ID, now, userID).
		Scan(&h.Count, &h.Amount, &h.UserCount); err != nil {
		return domain.PendingHolds{}, fmt.Errorf("sum pending holds: %w", err)
	}
	return h, nil
}

func (t *couponTx) UserUsageCount(ctx context.Context, userID string) (int, error) {
	return userUsageCount(ctx, t.tx, t.coupon.ID, userID)
}

func (t *couponTx) InsertReservation(ctx context.Context, res *domain.Reservation) error {
	_, err := t.tx.Exec(ctx, insertReservation,
		res.ID,
		res.CouponID,
		res.UserID,
		res.DiscountAmount,
		res.OrderTotal,
		res.Status,
		res.OrderID,
		res.CreatedAt,
		res.ExpiresAt,
		res.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *couponTx) LockReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	res, err := scanReservation(t.tx.QueryRow(ctx, selectReservationForUpdate, id, t.coupon.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("reservation", id)
		}
		return nil, fmt.Errorf("lock reservation %s: %w", id, err)
	}
	return res, nil
}

func (t *couponTx) UpdateReservationStatus(ctx context.Context, id string, status domain.ReservationStatus, at time.Time, orderID string) error {
	ct, err := t.tx.Exec(ctx, updateReservationStatus, id, status, at, orderID)
	if err != nil {
		return fmt.Errorf("update reservation status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.Conflict(fmt.Sprintf("reservation %s is no longer pending", id))
	}
	return nil
}

func (t *couponTx) ApplyUsage(ctx context.Context, rec *domain.UsageRecord) error {
	_, err := t.tx.Exec(ctx, insertUsage,
		rec.ID,
		rec.CouponID,
		rec.UserID,
		rec.OrderID,
		rec.ReservationID,
		rec.DiscountAmount,
		rec.OrderTotal,
		rec.UsedAt,
	)
	if err != nil {
		if database.UniqueConstraint(err) == usageOrderConstraint {
			return domain.DuplicateOrderError(rec.CouponID, rec.OrderID)
		}
		return fmt.Errorf("insert usage record: %w", err)
	}

	if _, err := t.tx.Exec(ctx, incrementCouponCounters,
		rec.CouponID, rec.DiscountAmount, rec.OrderTotal, rec.UsedAt,
	); err != nil {
		if database.IsCheckViolation(err) {
			return domain.InvariantViolationError(fmt.Sprintf("coupon %s counters exceed limits: %v", rec.CouponID, err))
		}
		return fmt.Errorf("increment coupon counters: %w", err)
	}

	if _, err := t.tx.Exec(ctx, upsertUserUsage, rec.CouponID, rec.UserID); err != nil {
		return fmt.Errorf("increment user usage: %w", err)
	}

	t.coupon.CurrentUsage++
	t.coupon.BudgetUtilized += rec.DiscountAmount
	t.coupon.TotalSales += rec.OrderTotal
	t.coupon.UpdatedAt = rec.UsedAt
	return nil
}

func (t *couponTx) SaveCoupon(ctx context.Context, c *domain.Coupon) error {
	_, err := t.tx.Exec(ctx, updateCouponDefinition,
		t.coupon.ID,
		c.Code,
		c.Title,
		c.Description,
		c.DiscountType,
		c.DiscountValue,
		c.MinOrderValue,
		c.MaxUsageCount,
		c.UsagePerUser,
		c.StartDate,
		c.EndDate,
		c.Budget,
		c.IsActive,
		c.ApplicableProducts,
		c.ExcludedProducts,
		c.ApplicableCategories,
		c.UserGroups,
		c.UpdatedBy,
		c.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.AlreadyExists("coupon", "code", c.Code)
		}
		if database.IsCheckViolation(err) {
			return apperrors.Conflict("coupon limits are below current usage")
		}
		return fmt.Errorf("update coupon: %w", err)
	}

	saved := c.Clone()
	saved.ID = t.coupon.ID
	saved.CurrentUsage = t.coupon.CurrentUsage
	saved.BudgetUtilized = t.coupon.BudgetUtilized
	saved.TotalSales = t.coupon.TotalSales
	saved.CreatedBy = t.coupon.CreatedBy
	saved.CreatedAt = t.coupon.CreatedAt
	t.coupon = saved
	return nil
}

func (t *couponTx) DeleteCoupon(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, deleteCoupon, t.coupon.ID); err != nil {
		if database.IsForeignKeyViolation(err) {
			return apperrors.Conflict("coupon has recorded usage and cannot be deleted")
		}
		return fmt.Errorf("delete coupon: %w", err)
	}
	return nil
}
