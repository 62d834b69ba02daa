package event

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kissanbandi/coupon-service/internal/domain"
	apperrors "github.com/kissanbandi/coupon-service/pkg/errors"
	pkgkafka "github.com/kissanbandi/coupon-service/pkg/kafka"
	"github.com/kissanbandi/coupon-service/pkg/logger"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPublisher struct {
	topics []string
	events []*pkgkafka.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, event *pkgkafka.Event) error {
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return nil
}

func TestProducer_PublishCouponReserved(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewProducer(pub, newTestLogger())
	expires := time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC)

	ctx := logger.WithCorrelationID(context.Background(), "corr-1")
	err := p.PublishCouponReserved(ctx, &domain.Reservation{
		ID:             "r-1",
		CouponID:       "c-1",
		UserID:         "u-1",
		DiscountAmount: 500,
		OrderTotal:     5000,
		Status:         domain.ReservationPending,
		ExpiresAt:      expires,
	})
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, TopicCouponReserved, pub.topics[0])
	ev := pub.events[0]
	assert.Equal(t, "c-1", ev.AggregateID)
	assert.Equal(t, AggregateTypeCoupon, ev.AggregateType)
	assert.Equal(t, SourceCouponService, ev.Source)
	assert.Equal(t, "corr-1", ev.CorrelationID)

	var data ReservationData
	require.NoError(t, ev.UnmarshalData(&data))
	assert.Equal(t, "r-1", data.ReservationID)
	assert.Equal(t, int64(500), data.DiscountAmount)
	assert.Equal(t, "pending", data.Status)
	assert.Equal(t, "2025-06-01T12:10:00.000Z", data.ExpiresAt)
}

func TestProducer_PublishErrorIsWrapped(t *testing.T) {
	p := NewProducer(&recordingPublisher{err: errors.New("broker down")}, newTestLogger())
	err := p.PublishCouponCreated(context.Background(), &domain.Coupon{ID: "c-1", Code: "SAVE10"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish ecommerce.coupon.created event")
}

func TestProducer_NilPublisherIsNoop(t *testing.T) {
	p := NewProducer(nil, newTestLogger())
	assert.NoError(t, p.PublishCouponRedeemed(context.Background(), &domain.UsageRecord{ID: "u-1"}))
}

// ---------------------------------------------------------------------------
// Consumer
// ---------------------------------------------------------------------------

type mockReservationService struct {
	mock.Mock
}

func (m *mockReservationService) ConfirmReservation(ctx context.Context, couponID, reservationID, orderID string) (*domain.UsageRecord, error) {
	args := m.Called(ctx, couponID, reservationID, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UsageRecord), args.Error(1)
}

func (m *mockReservationService) ReleaseReservation(ctx context.Context, couponID, reservationID, userID string) error {
	args := m.Called(ctx, couponID, reservationID, userID)
	return args.Error(0)
}

func (m *mockReservationService) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func orderEvent(t *testing.T, topic string, data OrderCouponData) *pkgkafka.Event {
	t.Helper()
	ev, err := pkgkafka.NewEvent(topic, data.OrderID, "order", "order-service", data)
	require.NoError(t, err)
	return ev
}

var orderData = OrderCouponData{
	OrderID:             "o-1",
	UserID:              "u-1",
	CouponID:            "c-1",
	CouponReservationID: "r-1",
}

func TestConsumer_HandleOrderConfirmed(t *testing.T) {
	svc := new(mockReservationService)
	c := NewConsumer(svc, newTestLogger())
	svc.On("ConfirmReservation", mock.Anything, "c-1", "r-1", "o-1").
		Return(&domain.UsageRecord{ID: "use-1"}, nil)

	require.NoError(t, c.HandleOrderConfirmed(context.Background(), orderEvent(t, TopicOrderConfirmed, orderData)))
	svc.AssertExpectations(t)
}

func TestConsumer_HandleOrderConfirmed_RedeliveryIsProcessed(t *testing.T) {
	svc := new(mockReservationService)
	c := NewConsumer(svc, newTestLogger())
	svc.On("ConfirmReservation", mock.Anything, "c-1", "r-1", "o-1").
		Return(nil, domain.ReservationNotPendingError("r-1", domain.ReservationConfirmed))
	svc.On("GetReservation", mock.Anything, "r-1").
		Return(&domain.Reservation{ID: "r-1", Status: domain.ReservationConfirmed, OrderID: "o-1"}, nil)

	assert.NoError(t, c.HandleOrderConfirmed(context.Background(), orderEvent(t, TopicOrderConfirmed, orderData)))
}

func TestConsumer_HandleOrderConfirmed_OtherOrderFails(t *testing.T) {
	svc := new(mockReservationService)
	c := NewConsumer(svc, newTestLogger())
	svc.On("ConfirmReservation", mock.Anything, "c-1", "r-1", "o-1").
		Return(nil, domain.ReservationNotPendingError("r-1", domain.ReservationConfirmed))
	svc.On("GetReservation", mock.Anything, "r-1").
		Return(&domain.Reservation{ID: "r-1", Status: domain.ReservationConfirmed, OrderID: "o-2"}, nil)

	err := c.HandleOrderConfirmed(context.Background(), orderEvent(t, TopicOrderConfirmed, orderData))
	assert.ErrorIs(t, err, domain.ErrReservationNotPending)
}

func TestConsumer_HandleOrderConfirmed_ExpiredFails(t *testing.T) {
	svc := new(mockReservationService)
	c := NewConsumer(svc, newTestLogger())
	svc.On("ConfirmReservation", mock.Anything, "c-1", "r-1", "o-1").
		Return(nil, domain.ReservationExpiredError("r-1"))

	err := c.HandleOrderConfirmed(context.Background(), orderEvent(t, TopicOrderConfirmed, orderData))
	assert.ErrorIs(t, err, domain.ErrReservationExpired)
	svc.AssertNotCalled(t, "GetReservation", mock.Anything, mock.Anything)
}

func TestConsumer_OrderWithoutCouponIsSkipped(t *testing.T) {
	svc := new(mockReservationService)
	c := NewConsumer(svc, newTestLogger())

	data := orderData
	data.CouponReservationID = ""
	require.NoError(t, c.HandleOrderConfirmed(context.Background(), orderEvent(t, TopicOrderConfirmed, data)))
	require.NoError(t, c.HandleOrderCanceled(context.Background(), orderEvent(t, TopicOrderCanceled, data)))
	svc.AssertExpectations(t)
}

func TestConsumer_ReleaseHandlers(t *testing.T) {
	svc := new(mockReservationService)
	c := NewConsumer(svc, newTestLogger())
	svc.On("ReleaseReservation", mock.Anything, "c-1", "r-1", "").Return(nil).Twice()

	handlers := c.Handlers()
	require.Len(t, handlers, 3)
	require.NoError(t, handlers[TopicOrderCanceled](context.Background(), orderEvent(t, TopicOrderCanceled, orderData)))
	require.NoError(t, handlers[TopicCheckoutFailed](context.Background(), orderEvent(t, TopicCheckoutFailed, orderData)))
	svc.AssertExpectations(t)
}

func TestConsumer_ReleaseBusyIsReturned(t *testing.T) {
	svc := new(mockReservationService)
	c := NewConsumer(svc, newTestLogger())
	svc.On("ReleaseReservation", mock.Anything, "c-1", "r-1", "").Return(domain.CouponBusyError("c-1"))

	err := c.HandleCheckoutFailed(context.Background(), orderEvent(t, TopicCheckoutFailed, orderData))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestConsumer_MalformedPayload(t *testing.T) {
	c := NewConsumer(new(mockReservationService), newTestLogger())
	ev := &pkgkafka.Event{EventType: TopicOrderConfirmed, Data: json.RawMessage(`"nope"`)}
	assert.Error(t, c.HandleOrderConfirmed(context.Background(), ev))
}
