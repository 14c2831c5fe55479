package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/imlsys/imlcore/internal/adapter/a2a"
	"github.com/imlsys/imlcore/internal/adapter/anthropic"
	cfhttp "github.com/imlsys/imlcore/internal/adapter/http"
	"github.com/imlsys/imlcore/internal/adapter/inproc"
	"github.com/imlsys/imlcore/internal/adapter/mcp"
	cfnats "github.com/imlsys/imlcore/internal/adapter/nats"
	"github.com/imlsys/imlcore/internal/adapter/ollama"
	"github.com/imlsys/imlcore/internal/adapter/openai"
	cfotel "github.com/imlsys/imlcore/internal/adapter/otel"
	"github.com/imlsys/imlcore/internal/adapter/postgres"
	"github.com/imlsys/imlcore/internal/adapter/redis"
	"github.com/imlsys/imlcore/internal/adapter/ristretto"
	"github.com/imlsys/imlcore/internal/adapter/slack"
	"github.com/imlsys/imlcore/internal/adapter/ws"
	"github.com/imlsys/imlcore/internal/config"
	"github.com/imlsys/imlcore/internal/domain/module"
	"github.com/imlsys/imlcore/internal/domain/policy"
	"github.com/imlsys/imlcore/internal/middleware"
	"github.com/imlsys/imlcore/internal/port/intentclient"
	"github.com/imlsys/imlcore/internal/port/messagequeue"
	"github.com/imlsys/imlcore/internal/port/notifier"
	"github.com/imlsys/imlcore/internal/secrets"
	redisclient "github.com/redis/go-redis/v9"

	"github.com/imlsys/imlcore/internal/resilience"
	"github.com/imlsys/imlcore/internal/service"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"event_bus_backend", cfg.EventBus.Backend,
	)

	vault, err := secrets.NewVault(secrets.EnvLoader("IMLCORE_SECURITY_INTENT_API_KEY", "IMLCORE_SLACK_WEBHOOK_URL"))
	if err != nil {
		return fmt.Errorf("secret vault: %w", err)
	}
	slog.Info("secret vault loaded", "keys", vault.Keys())

	ctx := context.Background()

	shutdownTracer := cfotel.InitTracer(cfg.Logging.Service)
	defer func() { _ = shutdownTracer(context.Background()) }()

	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Persistence ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	store := postgres.NewStore(pool)
	events := postgres.NewEventStore(pool)

	// --- Event bus ---

	queue, closeQueue, err := newMessageQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("message queue: %w", err)
	}
	defer closeQueue()

	bus := service.NewEventBusService(events, queue)

	// Idempotency-Key replay cache rides on the same JetStream connection as
	// the event bus; without NATS configured there is no durable KV to back
	// it, so plan submission runs without replay protection.
	var idempotent func(http.Handler) http.Handler
	if natsQueue, ok := queue.(*cfnats.Queue); ok {
		kv, err := natsQueue.IdempotencyKV(ctx)
		if err != nil {
			return fmt.Errorf("idempotency kv: %w", err)
		}
		idempotent = middleware.Idempotency(kv)
	}

	// --- Cache + template resolution ---

	memCache, err := ristretto.New(64 << 20) // 64MiB L1 cache for session memory reads
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer memCache.Close()
	templateResolver := service.NewTemplateResolverService(memCache, os.LookupEnv)

	// --- Permission guard ---

	customProfiles, err := policy.LoadFromDirectory(cfg.Policy.CustomDir)
	if err != nil {
		return fmt.Errorf("load custom policy profiles: %w", err)
	}
	permissionGuard := service.NewPermissionGuardService(cfg.Policy.DefaultProfile, customProfiles)

	// --- Module registry ---

	registry := service.NewModuleRegistryService()
	for _, m := range cfg.Modules.MCP {
		registry.Register(m.ModuleID, mcp.NewHost(mcp.ServerDef{
			ModuleID:  m.ModuleID,
			Transport: m.Transport,
			Command:   m.Command,
			Args:      m.Args,
			Env:       m.Env,
			URL:       m.URL,
			Headers:   m.Headers,
		}))
		slog.Info("registered MCP module", "module_id", m.ModuleID, "transport", m.Transport)
	}
	for _, p := range cfg.Modules.A2A {
		timeout := time.Duration(p.TimeoutSeconds) * time.Second
		registry.Register(p.ModuleID, a2a.NewHost(p.ModuleID, p.PeerURL, timeout))
		slog.Info("registered A2A module", "module_id", p.ModuleID, "peer_url", p.PeerURL)
	}

	// --- Security pipeline ---

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	heuristic := service.NewHeuristicScanner(func(rule string) {
		metrics.RecordScannerHit(ctx, rule)
	})

	var mlScanner *service.MLScanner
	if cfg.Security.MLEndpoint != "" {
		mlScanner = service.NewMLScanner(cfg.Security.MLEndpoint, cfg.Security.MLTimeout, breaker)
	}

	intentClient, err := newIntentClient(cfg.Security, vault)
	if err != nil {
		return fmt.Errorf("intent client: %w", err)
	}
	var intentVerifier service.IntentVerifier
	if intentClient != nil {
		intentVerifier = service.NewIntentVerifierService(intentClient, breaker, cfg.Security.IntentModel, cfg.Security.StrictClarify)
	}

	securityPipeline := service.NewSecurityPipelineService(heuristic, mlScanner, intentVerifier)

	// --- WebSocket hub + plan executor ---

	hub := ws.NewHub()
	executor := service.NewPlanExecutorService(store, events, hub, registry, templateResolver, cfg.Executor)
	executor.SetTracing(
		func(ctx context.Context, planID, sessionID string) (context.Context, func()) {
			spanCtx, span := cfotel.StartPlanSpan(ctx, planID, sessionID)
			return spanCtx, func() { span.End() }
		},
		func(ctx context.Context, planID, actionID, mod, action string) (context.Context, func()) {
			spanCtx, span := cfotel.StartActionSpan(ctx, planID, actionID, mod, action)
			return spanCtx, func() { span.End() }
		},
	)
	groupExecutor := service.NewPlanGroupExecutorService(executor)

	// --- Trigger daemon ---

	resourceLock, closeLock, err := newResourceLock(cfg)
	if err != nil {
		return fmt.Errorf("resource lock: %w", err)
	}
	defer closeLock()

	slackNotifier, err := newSlackNotifier(vault)
	if err != nil {
		return fmt.Errorf("slack notifier: %w", err)
	}

	triggerDaemon := service.NewTriggerDaemonService(store, executor, bus, resourceLock, slackNotifier, metrics.RecordTriggerFire, cfg.Trigger)
	triggerDaemon.SetTracing(func(ctx context.Context, triggerID string) (context.Context, func()) {
		spanCtx, span := cfotel.StartTriggerSpan(ctx, triggerID)
		return spanCtx, func() { span.End() }
	})
	if err := triggerDaemon.Start(ctx); err != nil {
		return fmt.Errorf("start trigger daemon: %w", err)
	}
	defer triggerDaemon.Stop()

	replay := service.NewReplayService(events)

	// --- Action rate limiter ---
	// Shares the same in-process/Redis backend split as the resource lock
	// above (cfg.Trigger.ResourceLockBackend), per SPEC_FULL.md's Trigger
	// Daemon addition describing both as the same pluggable shape.
	actionLimiter, closeActionLimiter, err := newActionRateLimiter(cfg)
	if err != nil {
		return fmt.Errorf("action rate limiter: %w", err)
	}
	defer closeActionLimiter()

	// --- HTTP ---

	handlers := cfhttp.NewHandlers(store, events, executor, groupExecutor, securityPipeline, permissionGuard, registry, triggerDaemon, replay,
		actionLimiter, cfg.Executor.ActionRateLimit, cfg.Executor.ActionRateWindow)

	rateLimiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopRateLimitCleanup := rateLimiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopRateLimitCleanup()

	r := chi.NewRouter()
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	cfhttp.MountRoutes(r, handlers, cfg.Server.BearerToken, rateLimiter, idempotent)
	r.Get("/ws", hub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(r, "imlcore"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// newMessageQueue selects the event bus transport per cfg.EventBus.Backend:
// "nats" dials a real JetStream connection, anything else (including the
// zero value) falls back to the in-process fan-out queue for single-node
// deployments.
func newMessageQueue(ctx context.Context, cfg *config.Config) (messagequeue.Queue, func(), error) {
	if cfg.EventBus.Backend == "nats" {
		q, err := cfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("nats: %w", err)
		}
		return q, func() { _ = q.Close() }, nil
	}
	q := inproc.New()
	return q, func() {}, nil
}

// newResourceLock selects the trigger conflict-resolution backend per
// cfg.Trigger.ResourceLockBackend: "redis" for multi-node deployments
// sharing resource ownership, anything else falls back to the in-process
// lock.
func newResourceLock(cfg *config.Config) (service.ResourceLock, func(), error) {
	if cfg.Trigger.ResourceLockBackend == "redis" {
		client := redisclient.NewClient(&redisclient.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		lock := redis.NewResourceLock(client, 5*time.Minute)
		return lock, func() { _ = client.Close() }, nil
	}
	return service.NewInProcessResourceLock(), func() {}, nil
}

// newActionRateLimiter selects the ActionRateLimiter backend per
// cfg.Trigger.ResourceLockBackend, the same pluggable in-process/Redis
// switch the resource lock uses (SPEC_FULL.md's Trigger Daemon addition
// calls these out as sharing one shape).
func newActionRateLimiter(cfg *config.Config) (service.ActionRateLimiter, func(), error) {
	if cfg.Trigger.ResourceLockBackend == "redis" {
		client := redisclient.NewClient(&redisclient.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return redis.NewActionRateLimiter(client), func() { _ = client.Close() }, nil
	}
	return service.NewInProcessActionRateLimiter(), func() {}, nil
}

// newIntentClient builds the Intent Verifier's provider client per
// cfg.Security.IntentProvider. The API key is read from vault (falling
// back to cfg.Security.IntentAPIKey for values set via YAML rather than
// environment) so it can be rotated with vault.Reload without a restart.
// An empty provider disables the intent verifier tier entirely (nil, nil).
func newIntentClient(cfg config.Security, vault *secrets.Vault) (intentclient.Client, error) {
	apiKey := vault.Get("IMLCORE_SECURITY_INTENT_API_KEY")
	if apiKey == "" {
		apiKey = cfg.IntentAPIKey
	}
	switch cfg.IntentProvider {
	case "", "none":
		return nil, nil
	case "anthropic":
		return anthropic.New(apiKey), nil
	case "openai":
		return openai.New(apiKey, "", cfg.IntentModel), nil
	case "ollama":
		baseURL := apiKey // no bearer auth; field doubles as the endpoint override
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return ollama.New(baseURL, cfg.IntentModel), nil
	default:
		return nil, fmt.Errorf("unknown intent provider %q", cfg.IntentProvider)
	}
}

// newSlackNotifier wires the optional Slack delivery channel for
// trigger-daemon "notify:slack" actions. The webhook URL is read from
// vault so an operator can rotate it at runtime. A missing webhook URL
// disables it (nil Notifier is valid — the trigger daemon no-ops
// without one).
func newSlackNotifier(vault *secrets.Vault) (notifier.Notifier, error) {
	webhookURL := vault.Get("IMLCORE_SLACK_WEBHOOK_URL")
	if webhookURL == "" {
		return nil, nil
	}
	return slack.NewNotifier(webhookURL), nil
}

var _ module.Host = (*mcp.Host)(nil)
var _ module.Host = (*a2a.Host)(nil)
