package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/kissanbandi/coupon-service/internal/auth"
	"github.com/kissanbandi/coupon-service/internal/client"
	"github.com/kissanbandi/coupon-service/internal/config"
	"github.com/kissanbandi/coupon-service/internal/event"
	handler "github.com/kissanbandi/coupon-service/internal/handler/http"
	"github.com/kissanbandi/coupon-service/internal/repository"
	"github.com/kissanbandi/coupon-service/internal/repository/memory"
	"github.com/kissanbandi/coupon-service/internal/repository/postgres"
	redisrepo "github.com/kissanbandi/coupon-service/internal/repository/redis"
	"github.com/kissanbandi/coupon-service/internal/service"
	"github.com/kissanbandi/coupon-service/migrations"
	"github.com/kissanbandi/coupon-service/pkg/database"
	"github.com/kissanbandi/coupon-service/pkg/health"
	"github.com/kissanbandi/coupon-service/pkg/httpclient"
	pkgkafka "github.com/kissanbandi/coupon-service/pkg/kafka"
	"github.com/kissanbandi/coupon-service/pkg/middleware"
	"github.com/kissanbandi/coupon-service/pkg/tracing"
)

const serviceName = "coupon-service"

// App wires together all dependencies and runs the coupon service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	consumers      []*pkgkafka.Consumer
	reservations   *service.ReservationService
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
// Coupon metrics go to the default Prometheus registry.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	return newApp(cfg, logger, prometheus.DefaultRegisterer, nil)
}

// newApp builds the application with coupon metrics registered on reg.
// metricsHandler serves /metrics; nil uses the default registry.
func newApp(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer, metricsHandler http.Handler) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}

	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:  serviceName,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTELEndpoint,
		SampleRate:   cfg.OTELSampleRate,
		Enabled:      cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.tracerShutdown = tracerShutdown

	healthHandler := health.NewHandler()

	// Storage backend.
	var store repository.Store
	switch cfg.StoreBackend {
	case config.BackendMemory:
		store = memory.NewStore(cfg.LockTimeout)
		logger.Warn("using in-memory coupon store; state is lost on restart")
	default:
		if store, err = a.connectPostgres(ctx); err != nil {
			a.closeAll()
			return nil, err
		}
	}
	healthHandler.RegisterCritical("store", store.Ping)

	// Redis read-through cache and consumer idempotency.
	cached := store
	var idempotency pkgkafka.IdempotencyStore = pkgkafka.NewMemoryIdempotencyStore(cfg.IdempotencyTTL)
	if cfg.RedisEnabled() {
		rdb, err := database.NewRedisClient(ctx, database.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = rdb
		cached = redisrepo.NewCachedStore(store, rdb, cfg.CacheTTL, logger)
		idempotency = redisrepo.NewIdempotencyStore(rdb, cfg.IdempotencyTTL)
		healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		logger.Info("connected to Redis",
			slog.String("host", cfg.RedisHost),
			slog.Int("port", cfg.RedisPort),
		)
	}

	// Kafka producer. A disabled producer leaves the publisher nil so the
	// event producer drops events.
	var publisher event.Publisher
	if cfg.KafkaEnabled {
		a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		publisher = a.producer
		healthHandler.RegisterNonCritical("kafka", a.producer.Ping)
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	} else {
		logger.Warn("kafka disabled; coupon events are not published")
	}
	events := event.NewProducer(publisher, logger)

	// Collaborator clients.
	var (
		carts service.CartProvider
		users service.UserClassifier
	)
	if cfg.CartServiceURL != "" {
		carts = client.NewCartClient(a.breaker("cart-service"), cfg.CartServiceURL)
	}
	if cfg.UserServiceURL != "" {
		users = client.NewUserClient(a.breaker("user-service"), cfg.UserServiceURL)
	}

	// Build the dependency graph. Stats read the uncached store.
	metrics := service.NewMetrics(reg)
	couponService := service.NewCouponService(cached, events, users, metrics, logger)
	reservationService := service.NewReservationService(cached, events, carts, users, metrics, service.ReservationConfig{
		Timeout:        cfg.ReservationTimeout,
		SweepBatchSize: cfg.SweepBatchSize,
	}, logger)
	ledgerService := service.NewLedgerService(cached, events, users, metrics, logger)
	statsService := service.NewStatsService(store, logger)
	a.reservations = reservationService

	// Order event consumers.
	if cfg.KafkaEnabled {
		checkout := &service.Checkout{ReservationService: reservationService, LedgerService: ledgerService}
		consumer := event.NewConsumer(checkout, logger)
		for topic, h := range consumer.Handlers() {
			a.consumers = append(a.consumers, pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
				Brokers:   cfg.KafkaBrokers,
				GroupID:   event.ConsumerGroup,
				Topic:     topic,
				EnableDLQ: cfg.KafkaDLQ,
			}, pkgkafka.IdempotentHandler(idempotency, h, logger), logger))
		}
	}

	// HTTP router.
	routerCfg := handler.RouterConfig{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		PprofCIDRs:     cfg.PprofAllowedCIDRs,
		MetricsHandler: metricsHandler,
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			Environment:    cfg.Environment,
		},
	}
	if cfg.JWTSecret != "" {
		routerCfg.Identity = middleware.Auth(auth.NewVerifier(cfg.JWTSecret).Validate)
	} else {
		logger.Warn("JWT_SECRET not set; trusting gateway identity headers")
	}
	couponHandler := handler.NewCouponHandler(couponService, reservationService, ledgerService, statsService, logger)
	router := handler.NewRouter(couponHandler, healthHandler, routerCfg, logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return a, nil
}

func (a *App) connectPostgres(ctx context.Context) (*postgres.CouponRepository, error) {
	cfg := a.cfg
	pgCfg := database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
	}

	pool, err := database.NewPostgresPool(ctx, &pgCfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	a.pool = pool
	a.logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)

	if err := database.RunMigrations(ctx, pool, migrations.FS, a.logger); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	database.RegisterPoolMetrics(pool, serviceName)
	database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, a.logger)

	return postgres.NewCouponRepository(pool, cfg.LockTimeout), nil
}

// breaker builds a traced, retrying client behind a circuit breaker whose
// open state answers ServiceUnavailable.
func (a *App) breaker(name string) *httpclient.CircuitBreakerClient {
	cbCfg := httpclient.CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  a.cfg.CBMaxRequests,
		Interval:     time.Duration(a.cfg.CBInterval) * time.Second,
		Timeout:      time.Duration(a.cfg.CBTimeout) * time.Second,
		FailureRatio: a.cfg.CBFailureRatio,
		MinRequests:  a.cfg.CBMinRequests,
	}
	return httpclient.NewCircuitBreakerClient(httpclient.New(httpclient.DefaultConfig()), cbCfg, a.logger).
		WithFallback(client.CircuitOpenFallback)
}

// Run starts the HTTP server, the order event consumers and the expiry
// sweep, and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()

	var wg sync.WaitGroup
	for _, c := range a.consumers {
		wg.Add(1)
		go func(c *pkgkafka.Consumer) {
			defer wg.Done()
			if err := c.Start(workCtx); err != nil {
				a.logger.Error("kafka consumer stopped with error", slog.String("error", err.Error()))
			}
		}(c)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sweep(workCtx)
	}()

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	stopWork()
	wg.Wait()

	return errors.Join(runErr, a.Shutdown())
}

// sweep expires overdue reservations every SweepInterval.
func (a *App) sweep(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.reservations.ExpireStaleReservations(ctx)
			if err != nil && ctx.Err() == nil {
				a.logger.Error("reservation sweep failed",
					slog.Int("expired", n),
					slog.String("error", err.Error()),
				)
				continue
			}
			if n > 0 {
				a.logger.Info("reservation sweep expired reservations", slog.Int("expired", n))
			}
		}
	}
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	for _, c := range a.consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka consumer close: %w", err))
		}
	}
	if err := a.tracerShutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}
	errs = append(errs, a.closeAll())

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Error("application shutdown finished with errors", slog.String("error", err.Error()))
		return err
	}
	a.logger.Info("application shutdown complete")
	return nil
}

// closeAll releases the producer and connections opened so far.
func (a *App) closeAll() error {
	var errs []error
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka producer close: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}
