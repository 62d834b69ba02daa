package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kissanbandi/coupon-service/pkg/health"
	"github.com/kissanbandi/coupon-service/pkg/middleware"
)

const serviceName = "coupon"

// RouterConfig holds the cross-cutting settings of the HTTP surface.
type RouterConfig struct {
	// Identity authenticates callers. Nil trusts the gateway's X-User-ID
	// and X-User-Role headers.
	Identity       func(http.Handler) http.Handler
	RateLimitRPS   float64
	RateLimitBurst int
	PprofCIDRs     []string
	CORS           middleware.CORSConfig
	// MetricsHandler serves /metrics. Nil uses the default registry.
	MetricsHandler http.Handler
}

// NewRouter creates a chi router with all coupon service routes registered.
func NewRouter(
	couponHandler *CouponHandler,
	healthHandler *health.Handler,
	cfg RouterConfig,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics(serviceName))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.RequestLogger(logger))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	metrics := cfg.MetricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	// Pprof debug endpoints with IP allowlist.
	middleware.RegisterPprof(r, cfg.PprofCIDRs, logger)

	identity := cfg.Identity
	if identity == nil {
		identity = middleware.TrustedHeaders()
	}
	rateLimit := middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)

	r.Route("/api/v1/coupons", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		// Public, no authentication.
		r.Group(func(r chi.Router) {
			r.Use(middleware.CacheControl(60))
			r.Get("/public/{code}", couponHandler.PublicCoupon)
			r.Get("/active/public", couponHandler.ActivePublicCoupons)
		})

		r.Group(func(r chi.Router) {
			r.Use(identity)
			r.Use(middleware.RequireUser())

			r.Get("/available", couponHandler.AvailableCoupons)
			r.Post("/validate", couponHandler.ValidateCoupon)
			r.Post("/suggestions", couponHandler.SuggestCoupons)
			r.Get("/can-use/{code}", couponHandler.CanUseCoupon)
			r.Get("/user/history", couponHandler.UserHistory)

			// Capacity-changing routes.
			r.Group(func(r chi.Router) {
				r.Use(middleware.NoStore)
				r.Use(rateLimit)
				r.Post("/{couponId}/reserve", couponHandler.ReserveCoupon)
				r.Post("/{couponId}/release", couponHandler.ReleaseReservation)
				r.Post("/{couponId}/usage", couponHandler.ConfirmUsage)
				r.Get("/reservations/{reservationId}", couponHandler.GetReservation)
			})

			// Administration.
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(RoleAdmin))
				r.Post("/", couponHandler.CreateCoupon)
				r.Get("/", couponHandler.ListCoupons)
				r.Get("/export", couponHandler.ExportCoupons)
				r.Get("/analytics/overview", couponHandler.AnalyticsOverview)
				r.Patch("/bulk/status", couponHandler.BulkUpdateStatus)
				r.Get("/{couponId}", couponHandler.GetCoupon)
				r.Put("/{couponId}", couponHandler.UpdateCoupon)
				r.Delete("/{couponId}", couponHandler.DeleteCoupon)
				r.Patch("/{couponId}/toggle", couponHandler.ToggleCoupon)
				r.Get("/{couponId}/stats", couponHandler.CouponStats)
				r.Get("/{couponId}/usage-history", couponHandler.UsageHistory)
			})
		})
	})

	return r
}
