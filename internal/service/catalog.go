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
	"github.com/kissanbandi/coupon-service/pkg/slug"
)

// maxCodeAttempts bounds retries when a generated code collides.
const maxCodeAttempts = 3

// CouponService implements coupon administration and the read-only quote
// operations shoppers use before reserving.
type CouponService struct {
	core
	users classifier
}

// NewCouponService creates a new coupon service. users may be nil.
func NewCouponService(
	store repository.Store,
	events EventPublisher,
	users UserClassifier,
	metrics *Metrics,
	logger *slog.Logger,
) *CouponService {
	return &CouponService{
		core:  newCore(store, events, metrics, logger),
		users: classifier{users: users, logger: logger},
	}
}

// CouponView is a coupon with its derived status and confirmed headroom.
type CouponView struct {
	*domain.Coupon
	Status          domain.CouponStatus `json:"status"`
	RemainingUsage  *int                `json:"remaining_usage,omitempty"`
	RemainingBudget *int64              `json:"remaining_budget,omitempty"`
}

// NewCouponView derives the view of c at now.
func NewCouponView(c *domain.Coupon, now time.Time) CouponView {
	v := CouponView{Coupon: c, Status: c.Status(now)}
	if remaining, ok := c.RemainingUsage(); ok {
		v.RemainingUsage = &remaining
	}
	if remaining, ok := c.RemainingBudget(); ok {
		v.RemainingBudget = &remaining
	}
	return v
}

// CreateCouponInput holds the fields of a new coupon. An empty Code is
// generated from the title; a nil IsActive means active.
type CreateCouponInput struct {
	Code                 string
	Title                string
	Description          string
	DiscountType         string
	DiscountValue        int64
	MinOrderValue        int64
	MaxUsageCount        *int
	UsagePerUser         int
	StartDate            time.Time
	EndDate              time.Time
	Budget               *int64
	IsActive             *bool
	ApplicableProducts   []string
	ExcludedProducts     []string
	ApplicableCategories []string
	UserGroups           []string
	CreatedBy            string
}

// CreateCoupon validates and stores a new coupon.
func (s *CouponService) CreateCoupon(ctx context.Context, input CreateCouponInput) (*domain.Coupon, error) {
	now := s.now()
	c := &domain.Coupon{
		Title:                input.Title,
		Description:          input.Description,
		DiscountType:         input.DiscountType,
		DiscountValue:        input.DiscountValue,
		MinOrderValue:        input.MinOrderValue,
		MaxUsageCount:        input.MaxUsageCount,
		UsagePerUser:         input.UsagePerUser,
		StartDate:            input.StartDate.UTC(),
		EndDate:              input.EndDate.UTC(),
		Budget:               input.Budget,
		IsActive:             input.IsActive == nil || *input.IsActive,
		ApplicableProducts:   input.ApplicableProducts,
		ExcludedProducts:     input.ExcludedProducts,
		ApplicableCategories: input.ApplicableCategories,
		UserGroups:           input.UserGroups,
		CreatedBy:            input.CreatedBy,
		UpdatedBy:            input.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	c.ApplyDefaults()

	generated := input.Code == ""
	if generated {
		c.Code = slug.CouponCode(input.Title)
	} else {
		c.Code = slug.Normalize(input.Code)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		c.ID = uuid.New().String()
		err := s.store.Create(ctx, c)
		if err == nil {
			break
		}
		if generated && attempt < maxCodeAttempts && errors.Is(err, apperrors.ErrAlreadyExists) {
			c.Code = slug.CouponCode(input.Title)
			continue
		}
		return nil, fmt.Errorf("create coupon: %w", err)
	}

	if err := s.events.PublishCouponCreated(ctx, c); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish coupon.created event",
			slog.String("coupon_id", c.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "coupon created",
		slog.String("coupon_id", c.ID),
		slog.String("code", c.Code),
		slog.String("created_by", c.CreatedBy),
	)

	return c, nil
}

// GetCoupon returns a coupon with its derived status.
func (s *CouponService) GetCoupon(ctx context.Context, id string) (*CouponView, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	v := NewCouponView(c, s.now())
	return &v, nil
}

// ListCouponsInput filters and pages the admin coupon list. Status is a
// derived status, so filtering on it loads every other match first.
type ListCouponsInput struct {
	Search   string
	Status   string
	IsActive *bool
	SortBy   string
	SortDesc bool
	Page     pagination.Params
}

var sortFields = map[string]bool{
	repository.SortByCreatedAt: true,
	repository.SortByEndDate:   true,
	repository.SortByCode:      true,
	repository.SortByUsage:     true,
}

// ListCoupons returns one page of coupons and the total match count.
func (s *CouponService) ListCoupons(ctx context.Context, input ListCouponsInput) ([]CouponView, int, error) {
	if input.Status != "" && !domain.IsValidStatus(input.Status) {
		return nil, 0, apperrors.InvalidInput(fmt.Sprintf("invalid status %q", input.Status))
	}
	if input.SortBy == "" {
		input.SortBy = repository.SortByCreatedAt
		input.SortDesc = true
	}
	if !sortFields[input.SortBy] {
		return nil, 0, apperrors.InvalidInput(fmt.Sprintf("invalid sort_by %q", input.SortBy))
	}

	filter := repository.CouponFilter{
		Search:   input.Search,
		IsActive: input.IsActive,
		SortBy:   input.SortBy,
		SortDesc: input.SortDesc,
	}
	if input.Status == "" {
		filter.Offset = input.Page.Offset
		filter.Limit = input.Page.PerPage
	}

	coupons, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list coupons: %w", err)
	}

	views := s.views(coupons, domain.CouponStatus(input.Status))
	if input.Status != "" {
		total = len(views)
		views = pageOf(views, input.Page.Offset, input.Page.PerPage)
	}
	return views, total, nil
}

// views derives every coupon's view, keeping only status when it is set.
func (s *CouponService) views(coupons []domain.Coupon, status domain.CouponStatus) []CouponView {
	now := s.now()
	views := make([]CouponView, 0, len(coupons))
	for i := range coupons {
		v := NewCouponView(&coupons[i], now)
		if status != "" && v.Status != status {
			continue
		}
		views = append(views, v)
	}
	return views
}

func pageOf[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// UpdateCouponInput holds the optional fields of a coupon update.
type UpdateCouponInput struct {
	Code                 *string
	Title                *string
	Description          *string
	DiscountType         *string
	DiscountValue        *int64
	MinOrderValue        *int64
	MaxUsageCount        *int
	ClearMaxUsageCount   bool
	UsagePerUser         *int
	StartDate            *time.Time
	EndDate              *time.Time
	Budget               *int64
	ClearBudget          bool
	IsActive             *bool
	ApplicableProducts   *[]string
	ExcludedProducts     *[]string
	ApplicableCategories *[]string
	UserGroups           *[]string
	UpdatedBy            string
}

func (in UpdateCouponInput) apply(c *domain.Coupon) {
	if in.Code != nil {
		c.Code = slug.Normalize(*in.Code)
	}
	if in.Title != nil {
		c.Title = *in.Title
	}
	if in.Description != nil {
		c.Description = *in.Description
	}
	if in.DiscountType != nil {
		c.DiscountType = *in.DiscountType
	}
	if in.DiscountValue != nil {
		c.DiscountValue = *in.DiscountValue
	}
	if in.MinOrderValue != nil {
		c.MinOrderValue = *in.MinOrderValue
	}
	if in.ClearMaxUsageCount {
		c.MaxUsageCount = nil
	} else if in.MaxUsageCount != nil {
		c.MaxUsageCount = in.MaxUsageCount
	}
	if in.UsagePerUser != nil {
		c.UsagePerUser = *in.UsagePerUser
	}
	if in.StartDate != nil {
		c.StartDate = in.StartDate.UTC()
	}
	if in.EndDate != nil {
		c.EndDate = in.EndDate.UTC()
	}
	if in.ClearBudget {
		c.Budget = nil
	} else if in.Budget != nil {
		c.Budget = in.Budget
	}
	if in.IsActive != nil {
		c.IsActive = *in.IsActive
	}
	if in.ApplicableProducts != nil {
		c.ApplicableProducts = *in.ApplicableProducts
	}
	if in.ExcludedProducts != nil {
		c.ExcludedProducts = *in.ExcludedProducts
	}
	if in.ApplicableCategories != nil {
		c.ApplicableCategories = *in.ApplicableCategories
	}
	if in.UserGroups != nil {
		c.UserGroups = *in.UserGroups
	}
}

// UpdateCoupon applies input under the coupon lock. Caps may not drop below
// what is already confirmed plus what live reservations hold.
func (s *CouponService) UpdateCoupon(ctx context.Context, id string, input UpdateCouponInput) (*domain.Coupon, error) {
	var (
		updated *domain.Coupon
		expired []domain.Reservation
	)
	err := s.store.WithCouponLock(ctx, id, func(ctx context.Context, tx repository.CouponTx) error {
		now := s.now()
		var err error
		if expired, err = tx.ExpirePending(ctx, now); err != nil {
			return err
		}

		c := tx.Coupon().Clone()
		input.apply(c)
		c.ApplyDefaults()
		if err := c.Validate(); err != nil {
			return err
		}

		holds, err := tx.PendingHolds(ctx, now, "")
		if err != nil {
			return err
		}
		if err := checkCaps(c, holds); err != nil {
			return err
		}

		c.UpdatedBy = input.UpdatedBy
		c.UpdatedAt = now
		if err := tx.SaveCoupon(ctx, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update coupon: %w", err)
	}
	s.publishExpired(ctx, expired)

	if err := s.events.PublishCouponUpdated(ctx, updated); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish coupon.updated event",
			slog.String("coupon_id", id),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "coupon updated",
		slog.String("coupon_id", id),
		slog.String("updated_by", input.UpdatedBy),
	)

	return updated, nil
}

// checkCaps refuses caps below confirmed usage plus live holds.
func checkCaps(c *domain.Coupon, holds domain.PendingHolds) error {
	if c.MaxUsageCount != nil && *c.MaxUsageCount < c.CurrentUsage+holds.Count {
		return apperrors.Conflict(fmt.Sprintf(
			"max_usage_count cannot be below %d confirmed and pending uses", c.CurrentUsage+holds.Count))
	}
	if c.Budget != nil && *c.Budget < c.BudgetUtilized+holds.Amount {
		return apperrors.Conflict(fmt.Sprintf(
			"budget cannot be below %d utilized and held", c.BudgetUtilized+holds.Amount))
	}
	return nil
}

// DeleteCoupon removes a coupon that has never been used and holds no live
// reservations. Used coupons should be deactivated instead.
func (s *CouponService) DeleteCoupon(ctx context.Context, id string) error {
	var deleted *domain.Coupon
	err := s.store.WithCouponLock(ctx, id, func(ctx context.Context, tx repository.CouponTx) error {
		now := s.now()
		if _, err := tx.ExpirePending(ctx, now); err != nil {
			return err
		}
		holds, err := tx.PendingHolds(ctx, now, "")
		if err != nil {
			return err
		}

		c := tx.Coupon()
		if c.CurrentUsage > 0 {
			return apperrors.Conflict("coupon has been used; deactivate it instead")
		}
		if holds.Count > 0 {
			return apperrors.Conflict(fmt.Sprintf("coupon has %d pending reservations", holds.Count))
		}
		deleted = c.Clone()
		return tx.DeleteCoupon(ctx)
	})
	if err != nil {
		return fmt.Errorf("delete coupon: %w", err)
	}

	if err := s.events.PublishCouponDeleted(ctx, deleted); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish coupon.deleted event",
			slog.String("coupon_id", id),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "coupon deleted",
		slog.String("coupon_id", id),
		slog.String("code", deleted.Code),
	)

	return nil
}

// ToggleCoupon flips is_active.
func (s *CouponService) ToggleCoupon(ctx context.Context, id, updatedBy string) (*domain.Coupon, error) {
	var toggled *domain.Coupon
	err := s.store.WithCouponLock(ctx, id, func(ctx context.Context, tx repository.CouponTx) error {
		c := tx.Coupon().Clone()
		c.IsActive = !c.IsActive
		c.UpdatedBy = updatedBy
		c.UpdatedAt = s.now()
		if err := tx.SaveCoupon(ctx, c); err != nil {
			return err
		}
		toggled = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("toggle coupon: %w", err)
	}

	if err := s.events.PublishCouponUpdated(ctx, toggled); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish coupon.updated event",
			slog.String("coupon_id", id),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "coupon toggled",
		slog.String("coupon_id", id),
		slog.Bool("is_active", toggled.IsActive),
	)

	return toggled, nil
}

// BulkSetActive sets is_active on many coupons and returns the ids changed.
// Unknown ids are ignored.
func (s *CouponService) BulkSetActive(ctx context.Context, ids []string, active bool, updatedBy string) ([]string, error) {
	if len(ids) == 0 {
		return nil, apperrors.InvalidInput("coupon_ids must not be empty")
	}

	changed, err := s.store.SetActive(ctx, ids, active, updatedBy)
	if err != nil {
		return nil, fmt.Errorf("bulk set coupon status: %w", err)
	}

	for _, id := range changed {
		c, err := s.store.GetByID(ctx, id)
		if err == nil {
			err = s.events.PublishCouponUpdated(ctx, c)
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to publish coupon.updated event",
				slog.String("coupon_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "coupon status bulk updated",
		slog.Int("requested", len(ids)),
		slog.Int("changed", len(changed)),
		slog.Bool("is_active", active),
	)

	return changed, nil
}
