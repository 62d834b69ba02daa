package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kissanbandi/coupon-service/internal/domain"
	pkgkafka "github.com/kissanbandi/coupon-service/pkg/kafka"
)

// Kafka topic constants for coupon domain events.
const (
	TopicCouponCreated            = "ecommerce.coupon.created"
	TopicCouponUpdated            = "ecommerce.coupon.updated"
	TopicCouponDeleted            = "ecommerce.coupon.deleted"
	TopicCouponReserved           = "ecommerce.coupon.reserved"
	TopicCouponReleased           = "ecommerce.coupon.released"
	TopicCouponReservationExpired = "ecommerce.coupon.reservation_expired"
	TopicCouponRedeemed           = "ecommerce.coupon.redeemed"
)

// Aggregate type constant.
const AggregateTypeCoupon = "coupon"

// Source identifier for events originating from the coupon service.
const SourceCouponService = "coupon-service"

// CouponData is the payload for coupon.created and coupon.updated events.
type CouponData struct {
	CouponID      string   `json:"coupon_id"`
	Code          string   `json:"code"`
	Title         string   `json:"title"`
	DiscountType  string   `json:"discount_type"`
	DiscountValue int64    `json:"discount_value"`
	IsActive      bool     `json:"is_active"`
	MaxUsageCount *int     `json:"max_usage_count,omitempty"`
	Budget        *int64   `json:"budget,omitempty"`
	UserGroups    []string `json:"user_groups"`
	StartDate     string   `json:"start_date"`
	EndDate       string   `json:"end_date"`
	UpdatedBy     string   `json:"updated_by,omitempty"`
}

// CouponDeletedData is the payload for a coupon.deleted event.
type CouponDeletedData struct {
	CouponID string `json:"coupon_id"`
	Code     string `json:"code"`
}

// ReservationData is the payload for the reserved, released and
// reservation_expired events.
type ReservationData struct {
	ReservationID  string `json:"reservation_id"`
	CouponID       string `json:"coupon_id"`
	UserID         string `json:"user_id"`
	DiscountAmount int64  `json:"discount_amount"`
	OrderTotal     int64  `json:"order_total"`
	Status         string `json:"status"`
	ExpiresAt      string `json:"expires_at"`
}

// CouponRedeemedData is the payload for a coupon.redeemed event.
type CouponRedeemedData struct {
	UsageID        string `json:"usage_id"`
	CouponID       string `json:"coupon_id"`
	UserID         string `json:"user_id"`
	OrderID        string `json:"order_id"`
	ReservationID  string `json:"reservation_id,omitempty"`
	DiscountAmount int64  `json:"discount_amount"`
	OrderTotal     int64  `json:"order_total"`
	UsedAt         string `json:"used_at"`
}

// Publisher is the part of pkg/kafka.Producer the event producer uses.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes coupon domain events to Kafka. With a nil publisher
// every Publish method is a no-op, which is how Kafka is switched off.
type Producer struct {
	kafka  Publisher
	logger *slog.Logger
}

// NewProducer creates a new event producer for the coupon service.
func NewProducer(kafka Publisher, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishCouponCreated publishes a coupon.created event.
func (p *Producer) PublishCouponCreated(ctx context.Context, c *domain.Coupon) error {
	return p.publish(ctx, TopicCouponCreated, c.ID, couponData(c))
}

// PublishCouponUpdated publishes a coupon.updated event.
func (p *Producer) PublishCouponUpdated(ctx context.Context, c *domain.Coupon) error {
	return p.publish(ctx, TopicCouponUpdated, c.ID, couponData(c))
}

// PublishCouponDeleted publishes a coupon.deleted event.
func (p *Producer) PublishCouponDeleted(ctx context.Context, c *domain.Coupon) error {
	return p.publish(ctx, TopicCouponDeleted, c.ID, CouponDeletedData{CouponID: c.ID, Code: c.Code})
}

// PublishCouponReserved publishes a coupon.reserved event.
func (p *Producer) PublishCouponReserved(ctx context.Context, r *domain.Reservation) error {
	return p.publish(ctx, TopicCouponReserved, r.CouponID, reservationData(r))
}

// PublishCouponReleased publishes a coupon.released event.
func (p *Producer) PublishCouponReleased(ctx context.Context, r *domain.Reservation) error {
	return p.publish(ctx, TopicCouponReleased, r.CouponID, reservationData(r))
}

// PublishReservationExpired publishes a coupon.reservation_expired event.
func (p *Producer) PublishReservationExpired(ctx context.Context, r *domain.Reservation) error {
	return p.publish(ctx, TopicCouponReservationExpired, r.CouponID, reservationData(r))
}

// PublishCouponRedeemed publishes a coupon.redeemed event.
func (p *Producer) PublishCouponRedeemed(ctx context.Context, rec *domain.UsageRecord) error {
	data := CouponRedeemedData{
		UsageID:        rec.ID,
		CouponID:       rec.CouponID,
		UserID:         rec.UserID,
		OrderID:        rec.OrderID,
		ReservationID:  rec.ReservationID,
		DiscountAmount: rec.DiscountAmount,
		OrderTotal:     rec.OrderTotal,
		UsedAt:         rec.UsedAt.UTC().Format(timeLayout),
	}
	return p.publish(ctx, TopicCouponRedeemed, rec.CouponID, data)
}

func (p *Producer) publish(ctx context.Context, topic, couponID string, data any) error {
	if p.kafka == nil {
		return nil
	}

	event, err := pkgkafka.NewEvent(topic, couponID, AggregateTypeCoupon, SourceCouponService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}

	if err := p.kafka.Publish(ctx, topic, event.WithContext(ctx)); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published coupon event",
		slog.String("topic", topic),
		slog.String("coupon_id", couponID),
		slog.String("event_id", event.EventID),
	)

	return nil
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func couponData(c *domain.Coupon) CouponData {
	return CouponData{
		CouponID:      c.ID,
		Code:          c.Code,
		Title:         c.Title,
		DiscountType:  c.DiscountType,
		DiscountValue: c.DiscountValue,
		IsActive:      c.IsActive,
		MaxUsageCount: c.MaxUsageCount,
		Budget:        c.Budget,
		UserGroups:    c.UserGroups,
		StartDate:     c.StartDate.UTC().Format(timeLayout),
		EndDate:       c.EndDate.UTC().Format(timeLayout),
		UpdatedBy:     c.UpdatedBy,
	}
}

func reservationData(r *domain.Reservation) ReservationData {
	return ReservationData{
		ReservationID:  r.ID,
		CouponID:       r.CouponID,
		UserID:         r.UserID,
		DiscountAmount: r.DiscountAmount,
		OrderTotal:     r.OrderTotal,
		Status:         string(r.Status),
		ExpiresAt:      r.ExpiresAt.UTC().Format(timeLayout),
	}
}
