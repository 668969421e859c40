package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/md-rashed-zaman/creatorhq/libs/auth"
	"github.com/md-rashed-zaman/creatorhq/libs/config"
	"github.com/md-rashed-zaman/creatorhq/libs/db"
	"github.com/md-rashed-zaman/creatorhq/libs/httpx"
	"github.com/md-rashed-zaman/creatorhq/libs/kafkax"
	otelx "github.com/md-rashed-zaman/creatorhq/libs/otel"
	"github.com/md-rashed-zaman/creatorhq/libs/runtime"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/consumer"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/inbox"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/payments"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/validation"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stripe/stripe-go/v79"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const stripeWebhookPath = "/api/v1/payments/webhooks/stripe"

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service, config.String("LOG_LEVEL", "info"))

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(config.Int("DB_MAX_CONNS", 10))})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	outboundTimeout := config.Seconds("OUTBOUND_TIMEOUT_SECONDS", 10*time.Second)
	outboundClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   outboundTimeout,
	}
	readyChecks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}

	outboxRepo := outbox.NewRepository(pool)
	repo := storage.NewBookingRepository(pool, outboxRepo)

	prices, err := booking.ParsePrices(config.String("SERVICE_PRICES", "consultation=150,workshop=300,mentoring=200,custom=0"))
	if err != nil {
		panic(err)
	}
	defaultCreator := config.String("DEFAULT_CREATOR_ID", "")
	writer := booking.NewWriter(repo, logger, booking.Config{
		DefaultCreatorID: defaultCreator,
		Prices:           prices,
		Timeout:          outboundTimeout,
	})
	resolver := availability.NewResolver(repo, outboundTimeout)

	bridge := newCalendarBridge(pool, repo, outboundClient, outboundTimeout, logger)

	// Booking lifecycle events drive the calendar mirror, through Kafka when
	// brokers are configured and in-process otherwise.
	brokers := config.String("KAFKA_BROKERS", "")
	eventConsumer := consumer.New(logger, inbox.NewRepository(pool), consumer.Config{
		Brokers:     brokers,
		GroupID:     config.String("KAFKA_GROUP_ID", service),
		Topics:      []string{outbox.EventBookingConfirmed, outbox.EventBookingCancelled},
		MaxAttempts: config.Int("CONSUMER_MAX_ATTEMPTS", 3),
		Backoff:     config.Seconds("CONSUMER_BACKOFF_SECONDS", time.Second),
	}, func(ctx context.Context, msg kafka.Message) error {
		if !bridge.Configured() {
			return nil
		}
		return bridge.HandleBookingEvent(ctx, kafkax.ExtractEventMeta(msg).EventType, msg.Value)
	})

	var sink outbox.Sink
	if list := kafkax.SplitBrokers(brokers); len(list) > 0 {
		sink = outbox.NewKafkaSink(list)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
		go eventConsumer.Run(ctx)
	} else {
		logger.Info("KAFKA_BROKERS not set; delivering booking events in-process")
		sink = outbox.NewLocalSink(logger, eventConsumer.Handle)
	}
	defer func() { _ = sink.Close() }()
	publisher := outbox.NewPublisher(pool, outboxRepo, logger, sink, outbox.PublisherConfig{
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go publisher.Run(ctx)

	deps := handlers.Deps{
		Validator:          validation.New(config.String("PHONE_DEFAULT_REGION", "")),
		Writer:             writer,
		Resolver:           resolver,
		Bookings:           repo,
		Analytics:          storage.NewAnalyticsRepository(pool),
		Calendar:           bridge,
		DefaultCreatorID:   defaultCreator,
		CalendarUIRedirect: config.String("CALENDAR_UI_REDIRECT", "http://localhost:3000/dashboard/calendar"),
		Webhook: payments.NewWebhook(repo,
			config.String("STRIPE_WEBHOOK_SECRET", ""),
			config.Seconds("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 5*time.Minute),
			logger),
	}
	if key := strings.TrimSpace(config.String("STRIPE_SECRET_KEY", "")); key != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			HTTPClient:        outboundClient,
			MaxNetworkRetries: stripe.Int64(2),
		})
		deps.Intents = payments.NewIntents(repo, payments.NewIntentClient(backend, key), payments.Config{
			Currency: config.String("CURRENCY", "usd"),
			Timeout:  outboundTimeout,
		}, logger)
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; payment intents disabled")
	}

	limiter, limiterCheck, closeLimiter := newLimiter(logger)
	defer closeLimiter()
	if limiterCheck != nil {
		readyChecks = append(readyChecks, *limiterCheck)
	}

	var jwks *auth.JWKSClient
	if url := config.String("JWKS_URL", ""); url != "" {
		jwks = auth.NewJWKSClient(url, config.Seconds("JWKS_CACHE_SECONDS", 5*time.Minute), outboundClient)
	}
	requireCreator := auth.RequireCreator(auth.Verifier{Secret: config.String("JWT_SECRET", ""), JWKS: jwks})

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	handlers.New(deps, logger).Routes(mux, requireCreator)

	httpHandler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   config.List("CORS_ALLOWED_ORIGINS", ""),
			AllowedMethods:   config.List("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
			AllowedHeaders:   config.List("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id,Idempotency-Key"),
			AllowCredentials: config.Bool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           config.Seconds("CORS_MAX_AGE_SECONDS", 10*time.Minute),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20))),
		httpx.WithTimeout(config.Seconds("REQUEST_TIMEOUT_SECONDS", 15*time.Second)),
		httpx.OnlyPrefix("/api/", httpx.RateLimitGate(httpx.GateConfig{
			Limiter:      limiter,
			Logger:       logger,
			FailOpen:     config.Bool("RATE_LIMIT_FAIL_OPEN", true),
			WebhookPaths: []string{stripeWebhookPath},
		})),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// newLimiter picks the Redis limiter when REDIS_ADDR is set and the
// in-memory one otherwise.
func newLimiter(logger *slog.Logger) (httpx.Limiter, *runtime.ReadyCheck, func()) {
	limit := config.Int("RATE_LIMIT_MAX", 5)
	window := config.Seconds("RATE_LIMIT_WINDOW_SECONDS", time.Minute)

	addr := strings.TrimSpace(config.String("REDIS_ADDR", ""))
	if addr == "" {
		logger.Info("rate limiting enabled (in-memory)", "limit", limit, "window", window.String())
		return httpx.NewSlidingWindowLimiter(limit, window), nil, func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       config.Int("REDIS_DB", 0),
	})
	logger.Info("rate limiting enabled (redis)", "limit", limit, "window", window.String(), "redis_addr", addr)
	check := &runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}}
	limiter := httpx.NewRedisSlidingWindowLimiter(rdb, limit, window, config.String("RATE_LIMIT_PREFIX", "rl:booking"))
	return limiter, check, func() { _ = rdb.Close() }
}

func newCalendarBridge(pool *db.Pool, bookings calendar.BookingStore, client *http.Client, timeout time.Duration, logger *slog.Logger) *calendar.Bridge {
	var sealer storage.Sealer
	if key := config.String("TOKEN_SEAL_KEY", ""); key != "" {
		s, err := calendar.NewSealer(key)
		if err != nil {
			panic(err)
		}
		sealer = s
	} else {
		logger.Warn("TOKEN_SEAL_KEY not set; calendar tokens are stored unsealed")
	}

	oauthCfg := &oauth2.Config{
		ClientID:     config.String("GOOGLE_CLIENT_ID", ""),
		ClientSecret: config.String("GOOGLE_CLIENT_SECRET", ""),
		RedirectURL:  config.String("GOOGLE_REDIRECT_URI", "http://localhost:8083/api/v1/calendar/callback"),
		Scopes:       []string{calendar.Scope},
		Endpoint:     endpoints.Google,
	}
	stateSecret := config.String("OAUTH_STATE_SECRET", "")
	if oauthCfg.ClientID != "" && stateSecret == "" {
		panic("OAUTH_STATE_SECRET is required when GOOGLE_CLIENT_ID is set")
	}

	bridge := calendar.NewBridge(calendar.Config{
		OAuth:      oauthCfg,
		States:     calendar.NewStateSigner(stateSecret, 10*time.Minute),
		HTTPClient: client,
		Timeout:    timeout,
	}, storage.NewCalendarTokenRepository(pool, sealer), bookings, calendar.NewGoogleCalendar(client, ""), logger)
	if !bridge.Configured() {
		logger.Warn("google calendar not configured; calendar sync disabled")
	}
	return bridge
}
