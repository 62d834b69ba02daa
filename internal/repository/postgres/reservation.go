package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/pkg/database"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
)

const reservationColumns = `id, coupon_id, user_id, discount_amount, order_total,
		status, order_id, created_at, expires_at, resolved_at`

const (
	selectReservationByID = `SELECT ` + reservationColumns + ` FROM coupon_reservations WHERE id = $1`

	selectOverdueReservations = `
		SELECT ` + reservationColumns + `
		FROM coupon_reservations
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`

	sumCouponPendingHolds = `
		SELECT COUNT(*), COALESCE(SUM(discount_amount), 0)::BIGINT
		FROM coupon_reservations
		WHERE coupon_id = $1 AND status = 'pending' AND expires_at > $2`
)

// GetReservation retrieves a reservation by its ID.
func (r *CouponRepository) GetReservation(ctx context.Context, id string) (res *domain.Reservation, err error) {
	ctx, end := database.TraceQuery(ctx, "GetReservation", selectReservationByID)
	defer func() { end(err) }()

	res, err = scanReservation(r.db.QueryRow(ctx, selectReservationByID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("reservation", id)
		}
		return nil, fmt.Errorf("get reservation %s: %w", id, err)
	}
	return res, nil
}

// ListOverdue returns pending reservations whose hold lapsed by now.
func (r *CouponRepository) ListOverdue(ctx context.Context, now time.Time, limit int) (_ []domain.Reservation, err error) {
	ctx, end := database.TraceQuery(ctx, "ListOverdueReservations", selectOverdueReservations)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, selectOverdueReservations, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue reservations: %w", err)
	}
	defer rows.Close()

	var overdue []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation row: %w", err)
		}
		overdue = append(overdue, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservation rows: %w", err)
	}
	return overdue, nil
}

// PendingHolds sums a coupon's live holds without taking its lock.
func (r *CouponRepository) PendingHolds(ctx context.Context, couponID string, now time.Time) (h domain.PendingHolds, err error) {
	ctx, end := database.TraceQuery(ctx, "PendingHolds", sumCouponPendingHolds)
	defer func() { end(err) }()

	if err = r.db.QueryRow(ctx, sumCouponPendingHolds, couponID, now).Scan(&h.Count, &h.Amount); err != nil {
		return domain.PendingHolds{}, fmt.Errorf("sum pending holds: %w", err)
	}
	return h, nil
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var (
		res     domain.Reservation
		orderID *string
	)
	if err := row.Scan(
		&res.ID,
		&res.CouponID,
		&res.UserID,
		&res.DiscountAmount,
		&res.OrderTotal,
		&res.Status,
		&orderID,
		&res.CreatedAt,
		&res.ExpiresAt,
		&res.ResolvedAt,
	); err != nil {
		return nil, err
	}
	if orderID != nil {
		res.OrderID = *orderID
	}
	return &res, nil
}
