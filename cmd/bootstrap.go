package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/stokvel/stokvel-service/internal/api"
	"github.com/stokvel/stokvel-service/internal/app"
	"github.com/stokvel/stokvel-service/internal/config"
	"github.com/stokvel/stokvel-service/internal/conversation"
	"github.com/stokvel/stokvel-service/internal/store"
	"github.com/stokvel/stokvel-service/internal/store/memstore"
	"github.com/stokvel/stokvel-service/pkg/paymentclient"
	"github.com/stokvel/stokvel-service/pkg/rabbitmq"
)

const conversationLockTTL = 30 * time.Second

// service is the wired object graph shared by the serve and tick commands.
type service struct {
	cfg        config.Config
	logger     *slog.Logger
	repo       store.Repository
	registry   *prometheus.Registry
	engine     *app.ScheduleEngine
	interest   *app.InterestAccrual
	jobs       *app.Jobs
	dispatcher *app.OutboxDispatcher
	handler    *api.Handler
	closers    []func()
}

func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	// Configure connection pool for high-traffic scenarios
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return pool, nil
}

// openRedis returns nil when REDIS_URL is unset or unreachable; callers fall back to
// process-local locking and no inbound rate limiting.
func openRedis(ctx context.Context, redisURL string, logger *slog.Logger) *redis.Client {
	if redisURL == "" {
		logger.Warn("redis url missing; using local conversation locks and no inbound rate limiting")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; using local conversation locks", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; using local conversation locks", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}

// publisherFactory dials RabbitMQ, degrading to the logging fallback when no broker is configured.
func publisherFactory(amqpURL string, logger *slog.Logger) app.PublisherFactory {
	if amqpURL == "" {
		logger.Warn("rabbitmq url missing; outbound notifications will only be logged")
		return func() (rabbitmq.Publisher, error) {
			return &rabbitmq.EventProducerFallback{Logger: logger}, nil
		}
	}
	return func() (rabbitmq.Publisher, error) {
		producer, err := rabbitmq.NewEventProducer(amqpURL, logger)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, func(), error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using the in-memory store; data is lost on restart")
		return memstore.New(), func() {}, nil
	}
	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("database connection established")
	return store.NewPostgresRepository(pool), pool.Close, nil
}

func newService(ctx context.Context, cfg config.Config, logger *slog.Logger) (*service, error) {
	s := &service{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.repo = repo
	s.closers = append(s.closers, closeRepo)

	clock := app.SystemClock{}
	metrics := app.NewMetrics(s.registry)
	gateway := paymentclient.NewClient(cfg.PaymentGatewayURL,
		paymentclient.WithTimeout(cfg.PaymentGatewayTimeout()),
		paymentclient.WithMaxRetries(cfg.PaymentGatewayMaxRetries),
	)
	notifier := app.NewOutboxNotifier(repo, cfg.NotificationExchange, cfg.NotificationRoutingKey, clock, logger)
	s.dispatcher = app.NewOutboxDispatcher(repo, publisherFactory(cfg.RabbitMQURL, logger), logger)

	rates, err := app.NewRateProvider(cfg.InterestRateMode, cfg.InterestFixedRate)
	if err != nil {
		s.Close()
		return nil, err
	}

	grants := app.NewGrantOrchestrator(repo, gateway, notifier, clock, metrics, logger)
	calculator := app.NewPayoutCalculator(repo)
	s.interest = app.NewInterestAccrual(repo, rates, metrics, logger)
	contributions := app.NewContributionWorker(repo, gateway, notifier, clock, metrics, logger)
	payouts := app.NewPayoutWorker(repo, gateway, grants, calculator, notifier, clock, metrics, logger)
	s.engine = app.NewScheduleEngine(repo, contributions, payouts, s.interest, clock,
		cfg.ScheduleTickBudget(), cfg.ScheduleParallelism, metrics, logger)
	s.jobs = app.NewJobs(s.engine, s.interest, clock, logger)

	otp := app.NewOTPService(repo, notifier, clock, cfg.OTPTTL(), logger)
	users := app.NewUserService(repo, otp, clock, logger)
	stokvels := app.NewStokvelService(repo, grants, calculator, clock, logger)
	membership := app.NewMembershipService(repo, grants, calculator, notifier, clock,
		cfg.PortalBaseURL, cfg.SystemAgentPhone, logger)

	table, err := conversation.DefaultTable(cfg.PortalBaseURL)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load conversation states: %w", err)
	}

	var (
		locker  conversation.Locker = conversation.NewLocalLocker()
		limiter api.RateLimiter
	)
	if client := openRedis(ctx, cfg.RedisURL, logger); client != nil {
		s.closers = append(s.closers, func() { client.Close() })
		locker = conversation.NewRedisLocker(client, cfg.RedisKeyPrefix, conversationLockTTL)
		limiter = api.NewRedisRateLimiter(client, cfg.RedisKeyPrefix)
	}

	engine := conversation.NewEngine(repo, table, conversation.NewProvider(table, membership),
		conversation.Services{Users: users, Stokvels: stokvels, Membership: membership},
		locker, clock, cfg.ConversationIdle(), logger)

	s.handler = api.NewHandler(api.Dependencies{
		Conversation:     engine,
		OTP:              otp,
		Users:            users,
		Stokvels:         stokvels,
		Membership:       membership,
		Grants:           grants,
		Tokens:           api.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL(), clock),
		Limiter:          limiter,
		InboundPerMinute: cfg.InboundRateLimitPerMinute,
		WebhookAuthToken: cfg.WebhookAuthToken,
		Logger:           logger,
	})
	return s, nil
}
