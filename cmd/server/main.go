// Debate Gym - real-time debate and chat session server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/debategym/internal/api"
	"github.com/ashureev/debategym/internal/chat"
	"github.com/ashureev/debategym/internal/completion"
	"github.com/ashureev/debategym/internal/config"
	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/identity"
	"github.com/ashureev/debategym/internal/middleware"
	"github.com/ashureev/debategym/internal/persona"
	"github.com/ashureev/debategym/internal/pubsub"
	"github.com/ashureev/debategym/internal/ratelimit"
	"github.com/ashureev/debategym/internal/realtime"
	"github.com/ashureev/debategym/internal/store"
	"github.com/ashureev/debategym/internal/telemetry"
	"github.com/ashureev/debategym/internal/transcript"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "db", cfg.Database.Driver, "completion", cfg.Completion.Backend)

	shutdownTracing, err := telemetry.Init(telemetry.Options{ServiceName: "debategym", Stdout: cfg.TracesStdout}, logger)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Error("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := store.Open(cfg.Database, logger)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	checks := map[string]api.Pinger{"database": repo}

	var (
		bus     pubsub.Bus
		limiter ratelimit.Limiter
	)
	if cfg.Redis.Addr != "" {
		rdb, err := pubsub.NewRedisClient(context.Background(), cfg.Redis.Addr)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err, "addr", cfg.Redis.Addr)
			os.Exit(1)
		}
		defer rdb.Close()
		bus = pubsub.NewRedisBus(rdb, cfg.Redis.ChannelPrefix, logger)
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.Redis.ChannelPrefix, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
		checks["redis"] = api.PingFunc(func(ctx context.Context) error { return pingRedis(ctx, rdb) })
		slog.Info("Redis bus connected", "addr", cfg.Redis.Addr)
	} else {
		bus = pubsub.NewMemoryBus(0, logger)
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
		defer mem.Stop()
		limiter = mem
		slog.Info("Using in-process bus (single instance only)")
	}
	defer func() {
		if err := bus.Close(); err != nil {
			slog.Error("Failed to close bus", "error", err)
		}
	}()

	personas, err := persona.Load(cfg.PersonasPath)
	if err != nil {
		slog.Error("Failed to load personas", "error", err, "path", cfg.PersonasPath)
		os.Exit(1)
	}

	base, closeProvider, err := newProvider(cfg.Completion, logger)
	if err != nil {
		slog.Error("Failed to initialize completion backend", "error", err)
		os.Exit(1)
	}
	defer closeProvider()

	reliable := completion.WithRetry(
		completion.WithTimeout(base, cfg.Completion.Timeout),
		completion.RetryPolicy{MaxRetries: cfg.Completion.Retries, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second},
		logger,
	)
	providers := map[domain.SessionKind]completion.Provider{
		domain.KindDebate: reliable,
		domain.KindTroll:  completion.WithFallback(reliable, personas.FallbackLines, logger),
	}

	recorder, err := transcript.New(cfg.ConversationLog, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			slog.Error("Failed to close conversation logger", "error", err)
		}
	}()

	// Initialize services.
	lifecycle := chat.NewLifecycle(chat.LifecycleDeps{
		Sessions: repo,
		Messages: repo,
		Bus:      bus,
		Personas: personas,
		Recorder: recorder,
	}, cfg.MaxMessageLength, logger)

	policy := chat.TurnPolicy{Cooldown: cfg.Turn.Cooldown, Window: cfg.Turn.Window}
	coordinator := chat.NewCoordinator(chat.CoordinatorDeps{
		Messages:  repo,
		Sessions:  repo,
		Bus:       bus,
		Personas:  personas,
		Providers: providers,
		Recorder:  recorder,
	}, logger, chat.WithPolicy(policy))

	// Initialize handlers.
	baseHandler := api.NewHandler(api.Deps{
		Lifecycle:   lifecycle,
		Paginator:   chat.NewPaginator(repo),
		Coordinator: coordinator,
		Analyzer:    chat.NewAnalyzer(lifecycle, repo, reliable, logger),
		Personas:    personas,
		Limiter:     limiter,
		Policy:      policy,
		FrontendURL: cfg.FrontendURL,
	})
	sessionHandler := api.NewSessionHandler(baseHandler)
	healthHandler := api.NewHealthHandler(checks, 5*time.Second)
	sseHandler := realtime.NewSSEHandler(lifecycle, repo, bus, cfg.SSE, logger)
	wsHandler := realtime.NewWebSocketHandler(lifecycle, bus, cfg.AllowedOrigins, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	sessionHandler.RegisterRoutes(r)
	sseHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	// Note: SSE and websocket streams require no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chat.NewSweeper(repo, cfg.Sweep.IdleTTL, cfg.Sweep.Interval, logger).Start(ctx)
	slog.Info("Idle session sweeper started", "idle_ttl", cfg.Sweep.IdleTTL, "interval", cfg.Sweep.Interval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

// newProvider builds the configured completion backend. The returned
// close func is always safe to call.
func newProvider(cfg config.CompletionConfig, logger *slog.Logger) (completion.Provider, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case "grpc":
		p, err := completion.NewGRPCProvider(completion.DefaultGRPCConfig(cfg.GRPCAddr), logger)
		if err != nil {
			return nil, noop, err
		}
		slog.Info("Completion backend connected via gRPC", "address", cfg.GRPCAddr)
		return p, func() {
			if err := p.Close(); err != nil {
				slog.Error("Failed to close completion client", "error", err)
			}
		}, nil
	case "openai":
		slog.Info("Completion backend using OpenAI-compatible API", "base_url", cfg.OpenAIBaseURL, "model", cfg.OpenAIModel)
		return completion.NewOpenAIProvider(completion.OpenAIConfig{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
		}, &http.Client{}, logger), noop, nil
	default:
		slog.Info("AI replies disabled (COMPLETION_BACKEND=none)")
		return completion.Unavailable{}, noop, nil
	}
}

func pingRedis(ctx context.Context, rdb *goredis.Client) error {
	return rdb.Ping(ctx).Err()
}
