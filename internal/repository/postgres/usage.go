package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/pkg/database"
)

const usageColumns = `id, coupon_id, user_id, order_id, COALESCE(reservation_id::TEXT, ''),
		discount_amount, order_total, used_at`

const (
	selectCouponUsages = `
		SELECT ` + usageColumns + `, count(*) OVER() AS total_count
		FROM coupon_usages
		WHERE coupon_id = $1
		ORDER BY used_at DESC, id
		LIMIT $2 OFFSET $3`

	selectUserUsages = `
		SELECT u.id, u.coupon_id, u.user_id, u.order_id, COALESCE(u.reservation_id::TEXT, ''),
		       u.discount_amount, u.order_total, u.used_at, c.code, c.title,
		       count(*) OVER() AS total_count
		FROM coupon_usages u
		JOIN coupons c ON c.id = u.coupon_id
		WHERE u.user_id = $1
		ORDER BY u.used_at DESC, u.id
		LIMIT $2 OFFSET $3`

	// %s is the WHERE clause built by usageWhere.
	summarizeUsages = `
		WITH per_user AS (
			SELECT user_id,
			       COUNT(*) AS uses,
			       SUM(discount_amount) AS discount,
			       SUM(order_total) AS sales
			FROM coupon_usages
			%s
			GROUP BY user_id
		)
		SELECT COALESCE(SUM(uses), 0)::BIGINT,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE uses > 1),
		       COALESCE(SUM(discount), 0)::BIGINT,
		       COALESCE(SUM(sales), 0)::BIGINT,
		       COALESCE(SUM(sales)::NUMERIC / NULLIF(SUM(uses), 0), 0),
		       COALESCE(SUM(discount)::NUMERIC / NULLIF(SUM(uses), 0), 0)
		FROM per_user`

	selectDailyUsage = `
		SELECT to_char(used_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		       COUNT(*),
		       COALESCE(SUM(discount_amount), 0)::BIGINT
		FROM coupon_usages
		WHERE coupon_id = $1 AND used_at >= $2
		GROUP BY day
		ORDER BY day`

	selectTopCoupons = `
		SELECT u.coupon_id, c.code, c.title, COUNT(*) AS uses,
		       COALESCE(SUM(u.discount_amount), 0)::BIGINT
		FROM coupon_usages u
		JOIN coupons c ON c.id = u.coupon_id
		WHERE u.used_at >= $1
		GROUP BY u.coupon_id, c.code, c.title
		ORDER BY uses DESC, c.code
		LIMIT $2`
)

// ListUsages pages through a coupon's usage records, newest first.
func (r *CouponRepository) ListUsages(ctx context.Context, couponID string, offset, limit int) (_ []domain.UsageRecord, _ int, err error) {
	ctx, end := database.TraceQuery(ctx, "ListCouponUsages", selectCouponUsages)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, selectCouponUsages, couponID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list coupon usages: %w", err)
	}
	defer rows.Close()

	var (
		usages []domain.UsageRecord
		total  int
	)
	for rows.Next() {
		var u domain.UsageRecord
		if err := rows.Scan(
			&u.ID, &u.CouponID, &u.UserID, &u.OrderID, &u.ReservationID,
			&u.DiscountAmount, &u.OrderTotal, &u.UsedAt, &total,
		); err != nil {
			return nil, 0, fmt.Errorf("scan usage row: %w", err)
		}
		usages = append(usages, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate usage rows: %w", err)
	}

	if usages == nil {
		usages = []domain.UsageRecord{}
	}
	return usages, total, nil
}

// ListUserUsages pages through one user's usage across coupons.
func (r *CouponRepository) ListUserUsages(ctx context.Context, userID string, offset, limit int) (_ []domain.UserUsage, _ int, err error) {
	ctx, end := database.TraceQuery(ctx, "ListUserUsages", selectUserUsages)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, selectUserUsages, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list user usages: %w", err)
	}
	defer rows.Close()

	var (
		usages []domain.UserUsage
		total  int
	)
	for rows.Next() {
		var u domain.UserUsage
		if err := rows.Scan(
			&u.ID, &u.CouponID, &u.UserID, &u.OrderID, &u.ReservationID,
			&u.DiscountAmount, &u.OrderTotal, &u.UsedAt, &u.CouponCode, &u.CouponTitle,
			&total,
		); err != nil {
			return nil, 0, fmt.Errorf("scan user usage row: %w", err)
		}
		usages = append(usages, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate user usage rows: %w", err)
	}

	if usages == nil {
		usages = []domain.UserUsage{}
	}
	return usages, total, nil
}

// Summary aggregates usage for one coupon, or every coupon when couponID is
// empty, from since onwards.
func (r *CouponRepository) Summary(ctx context.Context, couponID string, since time.Time) (s domain.UsageSummary, err error) {
	where, args := usageWhere(couponID, since)
	query := fmt.Sprintf(summarizeUsages, where)

	ctx, end := database.TraceQuery(ctx, "SummarizeUsages", query)
	defer func() { end(err) }()

	if err = r.db.QueryRow(ctx, query, args...).Scan(
		&s.Uses,
		&s.UniqueUsers,
		&s.RepeatUsers,
		&s.TotalDiscount,
		&s.TotalOrderValue,
		&s.AverageOrderValue,
		&s.AverageDiscount,
	); err != nil {
		return domain.UsageSummary{}, fmt.Errorf("summarize usages: %w", err)
	}
	return s, nil
}

// Daily buckets a coupon's usage by UTC day.
func (r *CouponRepository) Daily(ctx context.Context, couponID string, since time.Time) (_ []domain.DailyUsage, err error) {
	ctx, end := database.TraceQuery(ctx, "DailyUsage", selectDailyUsage)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, selectDailyUsage, couponID, since)
	if err != nil {
		return nil, fmt.Errorf("daily usage: %w", err)
	}
	defer rows.Close()

	days := []domain.DailyUsage{}
	for rows.Next() {
		var d domain.DailyUsage
		if err := rows.Scan(&d.Date, &d.Uses, &d.Discount); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		days = append(days, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily usage: %w", err)
	}
	return days, nil
}

// TopCoupons ranks coupons by uses since the given time.
func (r *CouponRepository) TopCoupons(ctx context.Context, since time.Time, limit int) (_ []domain.TopCoupon, err error) {
	ctx, end := database.TraceQuery(ctx, "TopCoupons", selectTopCoupons)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, selectTopCoupons, since, limit)
	if err != nil {
		return nil, fmt.Errorf("top coupons: %w", err)
	}
	defer rows.Close()

	top := []domain.TopCoupon{}
	for rows.Next() {
		var t domain.TopCoupon
		if err := rows.Scan(&t.CouponID, &t.Code, &t.Title, &t.Uses, &t.Discount); err != nil {
			return nil, fmt.Errorf("scan top coupon: %w", err)
		}
		top = append(top, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top coupons: %w", err)
	}
	return top, nil
}

func usageWhere(couponID string, since time.Time) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if couponID != "" {
		args = append(args, couponID)
		conditions = append(conditions, fmt.Sprintf("coupon_id = $%d", len(args)))
	}
	if !since.IsZero() {
		args = append(args, since)
		conditions = append(conditions, fmt.Sprintf("used_at >= $%d", len(args)))
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}
