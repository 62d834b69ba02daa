package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kissanbandi/coupon-service/internal/domain"
	pkgkafka "github.com/kissanbandi/coupon-service/pkg/kafka"
)

// Kafka topics consumed by the coupon service.
const (
	TopicOrderConfirmed = "ecommerce.order.confirmed"
	TopicOrderCanceled  = "ecommerce.order.canceled"
	TopicCheckoutFailed = "ecommerce.checkout.failed"
)

// ConsumerGroup is the consumer group every coupon-service replica joins.
const ConsumerGroup = "coupon-service"

// ReservationService defines the interface required by the event consumer.
type ReservationService interface {
	ConfirmReservation(ctx context.Context, couponID, reservationID, orderID string) (*domain.UsageRecord, error)
	ReleaseReservation(ctx context.Context, couponID, reservationID, userID string) error
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
}

// OrderCouponData is the part of order.* and checkout.* payloads the coupon
// service reads.
type OrderCouponData struct {
	OrderID             string `json:"order_id"`
	UserID              string `json:"user_id"`
	CouponID            string `json:"coupon_id"`
	CouponReservationID string `json:"coupon_reservation_id"`
}

// Consumer processes incoming Kafka events for the coupon service.
type Consumer struct {
	logger  *slog.Logger
	service ReservationService
}

// NewConsumer creates a new event consumer for the coupon service.
func NewConsumer(service ReservationService, logger *slog.Logger) *Consumer {
	return &Consumer{
		service: service,
		logger:  logger,
	}
}

// Handlers maps each consumed topic to its handler.
func (c *Consumer) Handlers() map[string]pkgkafka.Handler {
	return map[string]pkgkafka.Handler{
		TopicOrderConfirmed: c.HandleOrderConfirmed,
		TopicOrderCanceled:  c.HandleOrderCanceled,
		TopicCheckoutFailed: c.HandleCheckoutFailed,
	}
}

// HandleOrderConfirmed confirms the order's coupon reservation. A redelivery
// for a reservation already confirmed with the same order is a no-op; any
// other failure is returned so the message is retried and dead-lettered.
func (c *Consumer) HandleOrderConfirmed(ctx context.Context, event *pkgkafka.Event) error {
	var data OrderCouponData
	if err := event.UnmarshalData(&data); err != nil {
		return fmt.Errorf("unmarshal order.confirmed data: %w", err)
	}
	if data.CouponReservationID == "" {
		return nil
	}

	c.logger.InfoContext(ctx, "processing order.confirmed event",
		slog.String("order_id", data.OrderID),
		slog.String("reservation_id", data.CouponReservationID),
	)

	_, err := c.service.ConfirmReservation(ctx, data.CouponID, data.CouponReservationID, data.OrderID)
	if errors.Is(err, domain.ErrReservationNotPending) && c.confirmedFor(ctx, data) {
		c.logger.InfoContext(ctx, "reservation already confirmed for order",
			slog.String("order_id", data.OrderID),
			slog.String("reservation_id", data.CouponReservationID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("confirm reservation %s for order %s: %w", data.CouponReservationID, data.OrderID, err)
	}

	c.logger.InfoContext(ctx, "coupon redeemed for order",
		slog.String("order_id", data.OrderID),
		slog.String("reservation_id", data.CouponReservationID),
	)

	return nil
}

// HandleOrderCanceled releases the coupon reservation of a canceled order.
func (c *Consumer) HandleOrderCanceled(ctx context.Context, event *pkgkafka.Event) error {
	return c.release(ctx, event, "order.canceled")
}

// HandleCheckoutFailed releases the coupon reservation of a failed checkout.
func (c *Consumer) HandleCheckoutFailed(ctx context.Context, event *pkgkafka.Event) error {
	return c.release(ctx, event, "checkout.failed")
}

func (c *Consumer) release(ctx context.Context, event *pkgkafka.Event, name string) error {
	var data OrderCouponData
	if err := event.UnmarshalData(&data); err != nil {
		return fmt.Errorf("unmarshal %s data: %w", name, err)
	}
	if data.CouponReservationID == "" {
		return nil
	}

	c.logger.InfoContext(ctx, "processing "+name+" event",
		slog.String("order_id", data.OrderID),
		slog.String("reservation_id", data.CouponReservationID),
	)

	if err := c.service.ReleaseReservation(ctx, data.CouponID, data.CouponReservationID, ""); err != nil {
		return fmt.Errorf("release reservation %s: %w", data.CouponReservationID, err)
	}

	c.logger.InfoContext(ctx, "coupon reservation released",
		slog.String("order_id", data.OrderID),
		slog.String("reservation_id", data.CouponReservationID),
	)

	return nil
}

func (c *Consumer) confirmedFor(ctx context.Context, data OrderCouponData) bool {
	r, err := c.service.GetReservation(ctx, data.CouponReservationID)
	if err != nil {
		return false
	}
	return r.Status == domain.ReservationConfirmed && r.OrderID == data.OrderID
}
