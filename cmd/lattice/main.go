// Command lattice runs the Lattice core service: connector sync, record
// ingestion and indexing, the agent chat loop, and the HTTP/WebSocket API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	latticehttp "github.com/lattice-hq/lattice/internal/adapter/http"
	"github.com/lattice-hq/lattice/internal/adapter/kafka"
	"github.com/lattice-hq/lattice/internal/adapter/litellm"
	latticenats "github.com/lattice-hq/lattice/internal/adapter/nats"
	"github.com/lattice-hq/lattice/internal/adapter/otel"
	"github.com/lattice-hq/lattice/internal/adapter/postgres"
	"github.com/lattice-hq/lattice/internal/adapter/ristretto"
	"github.com/lattice-hq/lattice/internal/adapter/webapi"
	"github.com/lattice-hq/lattice/internal/adapter/ws"
	"github.com/lattice-hq/lattice/internal/config"
	"github.com/lattice-hq/lattice/internal/logger"
	"github.com/lattice-hq/lattice/internal/middleware"
	"github.com/lattice-hq/lattice/internal/port/broadcast"
	"github.com/lattice-hq/lattice/internal/port/source"
	"github.com/lattice-hq/lattice/internal/registry"
	"github.com/lattice-hq/lattice/internal/resilience"
	"github.com/lattice-hq/lattice/internal/secrets"
	"github.com/lattice-hq/lattice/internal/service"
	"github.com/lattice-hq/lattice/internal/tool"
)

const oauthStateBucket = "lattice-oauth-states"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

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

	log, logClose := logger.New(cfg.Logging)
	defer logClose.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"kafka_topic", cfg.Kafka.Topic,
		"providers", len(cfg.Providers),
	)

	ctx := context.Background()

	// Provider client secrets come from the environment via the vault so
	// they can stay out of the YAML file.
	if err := overlayProviderSecrets(cfg); err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	// --- Observability ---
	otelShutdown, err := otel.Setup(ctx, cfg.Otel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("postgres ready")

	queue, err := latticenats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	states, err := queue.NewStateStore(ctx, oauthStateBucket, cfg.OAuth.StateTTL)
	if err != nil {
		return fmt.Errorf("oauth state bucket: %w", err)
	}

	reader := kafka.NewReader(cfg.Kafka)
	writer := kafka.NewWriter(cfg.Kafka)
	defer func() { _ = writer.Close() }()

	cache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	store := postgres.NewStore(pool)
	events := postgres.NewEventStore(pool)

	if cfg.OAuth.SealKey == "" {
		return fmt.Errorf("oauth seal key not set; generate one with `lattice admin gen-seal-key` and export LATTICE_OAUTH_SEAL_KEY")
	}
	sealer, err := secrets.NewSealer(cfg.OAuth.SealKey)
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}

	llmClient := litellm.NewClient(cfg.LLM.URL, cfg.LLM.APIKey)
	llmClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Tool registry ---
	tools := tool.NewRegistry(cfg.Tools, cache, log)
	if err := tool.RegisterBuiltins(tools, store); err != nil {
		return fmt.Errorf("builtin tools: %w", err)
	}
	mcpLoader := tool.NewMCPLoader(log)
	defer mcpLoader.Close()
	if err := mcpLoader.Load(ctx, cfg.Tools.MCPServers, tools); err != nil {
		// MCP servers are optional add-ons; the service runs without them.
		slog.Warn("mcp tool loading incomplete", "error", err)
	}

	// --- Sources ---
	sources := registry.New[source.Factory]()
	if err := webapi.Register(sources); err != nil {
		return fmt.Errorf("register sources: %w", err)
	}

	// --- Services ---
	hub := ws.NewHub()
	stopBridge, err := ws.Bridge(ctx, hub, queue)
	if err != nil {
		return fmt.Errorf("ws bridge: %w", err)
	}
	defer stopBridge()

	oauthSvc, err := service.NewOAuthService(cfg.Providers, states, store, sealer)
	if err != nil {
		return fmt.Errorf("oauth service: %w", err)
	}
	ingestSvc := service.NewIngestService(store, writer, metrics)
	syncSvc := service.NewSyncService(store, queue, ingestSvc, sources, oauthSvc, cfg.Sync, cfg.Breaker, metrics)
	chatSvc := service.NewChatService(store, events, llmClient, tools, queue, hub, cfg.Chat, metrics)
	indexer := service.NewIndexer(reader, store, queue, cfg.Indexer, metrics)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		if err := indexer.Run(runCtx); err != nil {
			slog.Error("indexer stopped", "error", err)
		}
	}()
	go forwardPhaseEvents(runCtx, indexer, hub)

	// --- HTTP ---
	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(latticehttp.SecurityHeaders)
	r.Use(latticehttp.CORS(cfg.Server.CORSOrigin))
	r.Use(latticehttp.Logger)
	r.Use(limiter.Handler)
	r.Use(chimw.Recoverer)
	if cfg.Otel.Enabled {
		r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	}

	handlers := &latticehttp.Handlers{
		Store:   store,
		Events:  events,
		Sync:    syncSvc,
		Chat:    chatSvc,
		OAuth:   oauthSvc,
		Tools:   tools,
		LiteLLM: llmClient,
		Queue:   queue,
		DB:      pool,
		Hub:     hub,
	}
	latticehttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
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
	slog.Info("shutting down")

	// Stop fetching before draining HTTP so in-flight records finish
	// inside the indexer's own shutdown window.
	stop()
	if err := indexer.Shutdown(); err != nil {
		slog.Error("indexer shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return queue.Drain()
}

// overlayProviderSecrets replaces provider client secrets with values from
// LATTICE_OAUTH_SECRET_<PROVIDER> environment variables when set.
func overlayProviderSecrets(cfg *config.Config) error {
	if len(cfg.Providers) == 0 {
		return nil
	}

	keys := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		keys = append(keys, secretEnvKey(name))
	}
	vault, err := secrets.NewVault(secrets.EnvLoader(keys...))
	if err != nil {
		return err
	}

	for name, pc := range cfg.Providers {
		if v := vault.Get(secretEnvKey(name)); v != "" {
			pc.ClientSecret = v
			cfg.Providers[name] = pc
		}
	}
	return nil
}

func secretEnvKey(provider string) string {
	return "LATTICE_OAUTH_SECRET_" + strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
}

// forwardPhaseEvents pushes indexing phase transitions to connected
// clients so frontends can show per-record progress live.
func forwardPhaseEvents(ctx context.Context, ix *service.Indexer, b broadcast.Broadcaster) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ix.Events():
			payload := map[string]any{
				"record_id": ev.RecordID,
				"phase":     ev.Phase,
			}
			if ev.Err != nil {
				payload["error"] = ev.Err.Error()
			}
			b.BroadcastEvent(ctx, "record.phase", payload)
		}
	}
}
