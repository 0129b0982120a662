// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"crm-draft-queue/internal/config"
	"crm-draft-queue/internal/domain/ports/adapter"
	"crm-draft-queue/internal/domain/ports/repository"
	aiAdapters "crm-draft-queue/internal/infra/adapters/ai"
	"crm-draft-queue/internal/infra/adapters/mailbox"
	tele "crm-draft-queue/internal/infra/adapters/telegram"
	pg "crm-draft-queue/internal/infra/db/postgres"
	lite "crm-draft-queue/internal/infra/db/sqlite"
	"crm-draft-queue/internal/infra/logging"
	"crm-draft-queue/internal/infra/metrics"
	red "crm-draft-queue/internal/infra/redis"
	"crm-draft-queue/internal/infra/sched"
	"crm-draft-queue/internal/infra/web"
	"crm-draft-queue/internal/usecase"
)

// set with -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, noop generator allowed)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("draft queue stopped")
	}
}

type store struct {
	repo   repository.DraftJobRepository
	tm     repository.TransactionManager
	ping   func(ctx context.Context) error
	stats  func()
	close  func()
	driver string
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (*store, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := lite.Open(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return &store{
			repo: lite.NewDraftJobRepo(db),
			tm:   lite.NewTxManager(db),
			ping: db.PingContext,
			stats: func() {
				s := db.Stats()
				metrics.SetDBPoolStats(int32(s.OpenConnections), int32(s.Idle), int32(s.InUse))
			},
			close:  func() { _ = db.Close() },
			driver: "sqlite",
		}, nil
	default:
		pool, err := pg.NewPgxPool(ctx, cfg.URL, cfg.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return &store{
			repo: pg.NewDraftJobRepo(pool),
			tm:   pg.NewTxManager(pool),
			ping: pool.Ping,
			stats: func() {
				s := pool.Stat()
				metrics.SetDBPoolStats(s.TotalConns(), s.IdleConns(), s.AcquiredConns())
			},
			close:  pool.Close,
			driver: "postgres",
		}, nil
	}
}

// newGenerator picks the provider. With both keys configured the jobs'
// generator settings may route to either one by model name.
func newGenerator(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (adapter.ContentGenerator, error) {
	ai := cfg.AI
	prompts := aiAdapters.NewPromptBuilder(ai.SystemPrompt, ai.DefaultModel, ai.MaxPromptTokens)
	if ai.Provider == "noop" {
		return aiAdapters.NewNoopGenerator(logger), nil
	}

	providers := map[string]adapter.ContentGenerator{}
	if ai.OpenAIKey != "" {
		model := ai.DefaultModel
		if ai.Provider != "openai" {
			model = "gpt-4o-mini"
		}
		g, err := aiAdapters.NewOpenAIGenerator(ai.OpenAIKey, ai.OpenAIBaseURL, model, ai.MaxOutputTokens, prompts)
		if err != nil {
			return nil, fmt.Errorf("openai generator: %w", err)
		}
		providers["openai"] = g
	}
	if ai.GeminiKey != "" {
		model := ai.DefaultModel
		if ai.Provider != "gemini" {
			model = "gemini-2.0-flash"
		}
		g, err := aiAdapters.NewGeminiGenerator(ctx, ai.GeminiKey, ai.GeminiURL, model, ai.MaxOutputTokens, prompts)
		if err != nil {
			return nil, fmt.Errorf("gemini generator: %w", err)
		}
		providers["gemini"] = g
	}

	var gen adapter.ContentGenerator
	if len(providers) > 1 {
		gen = aiAdapters.NewMultiGenerator(ai.Provider, providers, nil)
	} else {
		gen = providers[ai.Provider]
	}
	if gen == nil {
		return nil, fmt.Errorf("ai provider %q has no credentials", ai.Provider)
	}
	logger.Info().Str("provider", ai.Provider).Str("model", ai.DefaultModel).Int("providers", len(providers)).Msg("generator ready")
	return aiAdapters.NewLimitedGenerator(gen, ai.ConcurrentLimit), nil
}

func newAlerts(cfg config.AlertsConfig, logger *zerolog.Logger) adapter.AlertNotifier {
	if !cfg.Enabled() {
		return tele.NewNoopAlertNotifier(logger)
	}
	n, err := tele.NewAlertNotifier(cfg.TelegramToken, cfg.TelegramChatID, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram alerts disabled")
		return tele.NewNoopAlertNotifier(logger)
	}
	return n
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}

	// ---- Store ----
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.close()
	logger.Info().Str("driver", st.driver).Msg("job store ready")

	// ---- Redis (optional) ----
	var (
		locker  usecase.ThreadLocker
		limiter web.RateLimiter
	)
	if cfg.Redis.Enabled() {
		rc, err := red.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rc.Close()
		locker = red.NewLocker(rc)
		limiter = red.NewRateLimiter(rc)
	} else {
		logger.Info().Msg("redis not configured; enqueue lock and reprocess limit disabled")
	}

	// ---- Adapters ----
	gen, err := newGenerator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	gateway, err := mailbox.NewHTTPGateway(cfg.Mailbox.BaseURL, cfg.Mailbox.Token, cfg.Mailbox.Timeout)
	if err != nil {
		return fmt.Errorf("mailbox gateway: %w", err)
	}
	drafts := mailbox.NewDraftClient(gateway, logger)
	alerts := newAlerts(cfg.Alerts, logger)

	// ---- Use case + worker ----
	uc := usecase.NewDraftUseCase(
		st.repo, st.tm, gen,
		usecase.NewReplyResolver(gateway, logger),
		drafts, alerts, locker,
		usecase.DraftOptions{
			MaxRetries:     cfg.Worker.MaxRetries,
			BatchSize:      cfg.Worker.BatchSize,
			StuckThreshold: cfg.Worker.StuckThreshold,
			CallTimeout:    cfg.Worker.CallTimeout,
			BackoffBase:    cfg.Worker.RetryBackoffBase,
			BackoffMax:     cfg.Worker.RetryBackoffMax,
			LockTTL:        cfg.Redis.LockTTL,
			Dev:            cfg.Runtime.Dev,
		},
		logger,
	)
	worker := sched.NewDraftWorker(cfg.Worker.Interval, uc, logger)
	worker.Start(ctx)
	defer worker.Stop()

	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			st.stats()
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()

	// ---- Admin API ----
	secret := cfg.Admin.JWTSecret
	if secret == "" {
		logger.Warn().Msg("admin.jwt_secret not set; using an insecure dev secret")
		secret = "dev-only-insecure-secret"
	}
	api := web.NewServer(uc, worker, limiter, web.NewAuthManager(secret, cfg.Admin.TokenTTL), web.Options{
		ReprocessPerMinute: cfg.Admin.ReprocessPerMinute,
		RequestTimeout:     3*cfg.Worker.CallTimeout + 30*time.Second,
		Health:             st.ping,
	}, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Admin.Port),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("admin api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// ---- Graceful shutdown ----
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}
