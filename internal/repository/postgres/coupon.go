package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kissanbandi/coupon-service/internal/domain"
	"github.com/kissanbandi/coupon-service/internal/repository"
	"github.com/kissanbandi/coupon-service/pkg/database"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
)

const couponColumns = `id, code, title, description, discount_type, discount_value,
		min_order_value, max_usage_count, usage_per_user, start_date, end_date,
		budget, is_active, applicable_products, excluded_products,
		applicable_categories, user_groups, current_usage, budget_utilized,
		total_sales, created_by, updated_by, created_at, updated_at`

const (
	insertCoupon = `
		INSERT INTO coupons (` + couponColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24)`

	selectCouponByID   = `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`
	selectCouponByCode = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	updateCouponsActive = `
		UPDATE coupons
		SET is_active = $1, updated_by = $2, updated_at = NOW()
		WHERE id = ANY($3) AND is_active <> $1
		RETURNING id`

	selectUserUsageCount  = `SELECT count FROM coupon_user_usage WHERE coupon_id = $1 AND user_id = $2`
	selectUserUsageCounts = `SELECT coupon_id, count FROM coupon_user_usage WHERE user_id = $1`
)

var sortColumns = map[string]string{
	repository.SortByCreatedAt: "created_at",
	repository.SortByEndDate:   "end_date",
	repository.SortByCode:      "code",
	repository.SortByUsage:     "current_usage",
}

// CouponRepository implements repository.Store on PostgreSQL. Each coupon's
// critical section is a transaction holding its row lock.
type CouponRepository struct {
	db          database.DBTX
	lockTimeout time.Duration
}

// NewCouponRepository creates a PostgreSQL-backed store. lockTimeout bounds
// the wait for a coupon's row lock.
func NewCouponRepository(db database.DBTX, lockTimeout time.Duration) *CouponRepository {
	return &CouponRepository{db: db, lockTimeout: lockTimeout}
}

// Create inserts a new coupon.
func (r *CouponRepository) Create(ctx context.Context, c *domain.Coupon) (err error) {
	ctx, end := database.TraceQuery(ctx, "CreateCoupon", insertCoupon)
	defer func() { end(err) }()

	_, err = r.db.Exec(ctx, insertCoupon,
		c.ID,
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
		c.CurrentUsage,
		c.BudgetUtilized,
		c.TotalSales,
		c.CreatedBy,
		c.UpdatedBy,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.AlreadyExists("coupon", "code", c.Code)
		}
		return fmt.Errorf("insert coupon: %w", err)
	}
	return nil
}

// GetByID retrieves a coupon by its ID.
func (r *CouponRepository) GetByID(ctx context.Context, id string) (c *domain.Coupon, err error) {
	ctx, end := database.TraceQuery(ctx, "GetCouponByID", selectCouponByID)
	defer func() { end(err) }()

	c, err = scanCoupon(r.db.QueryRow(ctx, selectCouponByID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("coupon", id)
		}
		return nil, fmt.Errorf("get coupon %s: %w", id, err)
	}
	return c, nil
}

// GetByCode retrieves a coupon by its code.
func (r *CouponRepository) GetByCode(ctx context.Context, code string) (c *domain.Coupon, err error) {
	ctx, end := database.TraceQuery(ctx, "GetCouponByCode", selectCouponByCode)
	defer func() { end(err) }()

	c, err = scanCoupon(r.db.QueryRow(ctx, selectCouponByCode, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("coupon", code)
		}
		return nil, fmt.Errorf("get coupon by code: %w", err)
	}
	return c, nil
}

// List returns coupons matching the filter with the total count.
func (r *CouponRepository) List(ctx context.Context, filter repository.CouponFilter) (_ []domain.Coupon, _ int, err error) {
	var (
		conditions []string
		args       []any
		argIndex   = 1
	)

	if s := strings.TrimSpace(filter.Search); s != "" {
		conditions = append(conditions, fmt.Sprintf("(code ILIKE $%d OR title ILIKE $%d)", argIndex, argIndex))
		args = append(args, "%"+s+"%")
		argIndex++
	}
	if filter.IsActive != nil {
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", argIndex))
		args = append(args, *filter.IsActive)
		argIndex++
	}
	if filter.LiveAt != nil {
		conditions = append(conditions, fmt.Sprintf("is_active AND start_date <= $%d AND end_date >= $%d", argIndex, argIndex))
		args = append(args, *filter.LiveAt)
		argIndex++
	}
	if filter.UserGroup != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(cardinality(user_groups) = 0 OR '%s' = ANY(user_groups) OR $%d = ANY(user_groups))",
			domain.UserGroupAll, argIndex))
		args = append(args, filter.UserGroup)
		argIndex++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	orderBy, ok := sortColumns[filter.SortBy]
	if !ok {
		orderBy = "created_at"
	}
	direction := "ASC"
	if filter.SortDesc {
		direction = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT %s, count(*) OVER() AS total_count
		FROM coupons
		%s
		ORDER BY %s %s, id`,
		couponColumns, whereClause, orderBy, direction,
	)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	ctx, end := database.TraceQuery(ctx, "ListCoupons", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list coupons: %w", err)
	}
	defer rows.Close()

	var (
		coupons    []domain.Coupon
		totalCount int
	)
	for rows.Next() {
		var c domain.Coupon
		if err := rows.Scan(append(couponFields(&c), &totalCount)...); err != nil {
			return nil, 0, fmt.Errorf("scan coupon row: %w", err)
		}
		normalizeCoupon(&c)
		coupons = append(coupons, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate coupon rows: %w", err)
	}

	if coupons == nil {
		coupons = []domain.Coupon{}
	}
	return coupons, totalCount, nil
}

// SetActive flips is_active on the given coupons and returns the ids whose
// flag actually changed.
func (r *CouponRepository) SetActive(ctx context.Context, ids []string, active bool, updatedBy string) (_ []string, err error) {
	ctx, end := database.TraceQuery(ctx, "SetCouponsActive", updateCouponsActive)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, updateCouponsActive, active, updatedBy, ids)
	if err != nil {
		return nil, fmt.Errorf("set coupons active: %w", err)
	}
	defer rows.Close()

	changed := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan coupon id: %w", err)
		}
		changed = append(changed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate coupon ids: %w", err)
	}
	return changed, nil
}

// UserUsageCount returns the confirmed uses of a coupon by one user.
func (r *CouponRepository) UserUsageCount(ctx context.Context, couponID, userID string) (n int, err error) {
	ctx, end := database.TraceQuery(ctx, "UserUsageCount", selectUserUsageCount)
	defer func() { end(err) }()

	return userUsageCount(ctx, r.db, couponID, userID)
}

// UserUsageCounts returns a user's confirmed uses keyed by coupon ID.
func (r *CouponRepository) UserUsageCounts(ctx context.Context, userID string) (_ map[string]int, err error) {
	ctx, end := database.TraceQuery(ctx, "UserUsageCounts", selectUserUsageCounts)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, selectUserUsageCounts, userID)
	if err != nil {
		return nil, fmt.Errorf("list user usage counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			couponID string
			n        int
		)
		if err := rows.Scan(&couponID, &n); err != nil {
			return nil, fmt.Errorf("scan user usage count: %w", err)
		}
		counts[couponID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user usage counts: %w", err)
	}
	return counts, nil
}

// Ping checks database reachability.
func (r *CouponRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func userUsageCount(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, couponID, userID string) (int, error) {
	var n int
	err := q.QueryRow(ctx, selectUserUsageCount, couponID, userID).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get user usage count: %w", err)
	}
	return n, nil
}

// couponFields lists scan targets in couponColumns order.
func couponFields(c *domain.Coupon) []any {
	return []any{
		&c.ID,
		&c.Code,
		&c.Title,
		&c.Description,
		&c.DiscountType,
		&c.DiscountValue,
		&c.MinOrderValue,
		&c.MaxUsageCount,
		&c.UsagePerUser,
		&c.StartDate,
		&c.EndDate,
		&c.Budget,
		&c.IsActive,
		&c.ApplicableProducts,
		&c.ExcludedProducts,
		&c.ApplicableCategories,
		&c.UserGroups,
		&c.CurrentUsage,
		&c.BudgetUtilized,
		&c.TotalSales,
		&c.CreatedBy,
		&c.UpdatedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
	}
}

func scanCoupon(row pgx.Row) (*domain.Coupon, error) {
	var c domain.Coupon
	if err := row.Scan(couponFields(&c)...); err != nil {
		return nil, err
	}
	normalizeCoupon(&c)
	return &c, nil
}

func normalizeCoupon(c *domain.Coupon) {
	if c.ApplicableProducts == nil {
		c.ApplicableProducts = []string{}
	}
	if c.ExcludedProducts == nil {
		c.ExcludedProducts = []string{}
	}
	if c.ApplicableCategories == nil {
		c.ApplicableCategories = []string{}
	}
	if c.UserGroups == nil {
		c.UserGroups = []string{}
	}
}
