package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/countersign/countersign/pkg/api"
	"github.com/countersign/countersign/pkg/artifacts"
	"github.com/countersign/countersign/pkg/capability"
	"github.com/countersign/countersign/pkg/compositor"
	"github.com/countersign/countersign/pkg/config"
	"github.com/countersign/countersign/pkg/notify"
	"github.com/countersign/countersign/pkg/observability"
	"github.com/countersign/countersign/pkg/ratelimit"
	"github.com/countersign/countersign/pkg/render"
	"github.com/countersign/countersign/pkg/store"
	"github.com/countersign/countersign/pkg/workflow"
)

const (
	idempotencyTTL  = 24 * time.Hour
	shutdownTimeout = 30 * time.Second
)

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

//nolint:gocognit,gocyclo
func runServer(stdout, stderr io.Writer) int {
	_, _ = fmt.Fprintf(stdout, "%sCountersign starting...%s\n", ColorBold+ColorBlue, ColorReset)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 0. Configuration
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
		return 2
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(logger)
	if err := resolveSecret(cfg, stdout); err != nil {
		logger.Error("secret setup failed", "error", err)
		return 1
	}
	logger.Info("configuration loaded", "config", cfg.Redacted())

	// 0.1 Telemetry
	telemetry, err := observability.New(ctx, &cfg.Telemetry)
	if err != nil {
		logger.Error("telemetry setup failed", "error", err)
		return 1
	}

	// 0.2 Document store
	if cfg.DatabaseURL == "" {
		_, _ = fmt.Fprintf(stdout, "DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite under %s).\n", ColorBold+ColorCyan, ColorReset, cfg.DataDir)
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		logger.Error("document store unavailable", "error", err)
		return 1
	}

	// 0.3 Blob storage
	blobs, err := artifacts.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		logger.Error("artifact store unavailable", "error", err, "type", cfg.Artifacts.Type)
		_ = db.Close()
		return 1
	}

	// 1. Capability tokens
	keys, err := capability.NewKeySet(cfg.AppSecret, cfg.AppSecretPrevious...)
	if err != nil {
		logger.Error("key set setup failed", "error", err)
		_ = db.Close()
		return 1
	}
	codec := capability.NewCodec(keys, capability.WithTTL(cfg.TokenTTL))
	logger.Info("capability keys ready", "kid", keys.CurrentKID(), "previous", len(cfg.AppSecretPrevious))

	// 2. Outbound collaborators
	deps := workflow.Deps{
		Codec:      codec,
		Store:      db,
		Blobs:      blobs,
		Compositor: compositor.NewPDF(),
		Mailer:     newMailer(cfg, logger),
		Telemetry:  telemetry,
		Logger:     logger,
	}
	if cfg.RendererURL != "" {
		deps.Renderer = render.NewGotenberg(cfg.RendererURL)
		logger.Info("html renderer enabled", "url", cfg.RendererURL)
	}

	wfCfg := workflow.DefaultConfig()
	wfCfg.TokenTTL = cfg.TokenTTL
	wfCfg.StoreTimeout = cfg.StoreTimeout
	wfCfg.SourceTimeout = cfg.SourceTimeout
	wfCfg.RetireDraft = cfg.RetireDraft
	wfCfg.PublicBaseURL = cfg.PublicBaseURL

	orch, err := workflow.New(deps, wfCfg)
	if err != nil {
		logger.Error("workflow setup failed", "error", err)
		_ = db.Close()
		return 1
	}

	// 3. HTTP surface
	limiter, closeLimiter := newLimiter(ctx, cfg, logger)
	idem := api.NewIdempotencyStore(idempotencyTTL)

	handler, err := api.NewHandler(orch, api.Options{
		AdminAPIKey: cfg.AdminAPIKey,
		Limiter:     limiter,
		Idempotency: idem,
		Ready:       db.Ping,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("api setup failed", "error", err)
		_ = db.Close()
		return 1
	}
	if cfg.AdminAPIKey == "" {
		logger.Warn("ADMIN_API_KEY not set; admin endpoints will reject every request")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "public_base_url", cfg.PublicBaseURL)
		_, _ = fmt.Fprintf(stdout, "Ready on %s%s%s\n", ColorBold+ColorGreen, srv.Addr, ColorReset)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", "error", err)
			exit = 1
		}
	}

	// 4. Graceful shutdown: stop accepting requests, drain background work,
	// then release stores.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background work abandoned", "error", err)
	}
	idem.Close()
	closeLimiter()
	if err := db.Close(); err != nil {
		logger.Warn("document store close failed", "error", err)
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}

	logger.Info("stopped")
	return exit
}

// newMailer prefers SMTP, falls back to the HTTP mail API, and logs
// messages when neither is configured.
func newMailer(cfg *config.Config, logger *slog.Logger) notify.Mailer {
	var primary, secondary notify.Mailer
	if cfg.Mail.SMTP.Enabled() {
		primary = notify.NewSMTPMailer(cfg.Mail.SMTP)
	}
	if cfg.Mail.APIURL != "" {
		secondary = notify.NewHTTPMailer(cfg.Mail.APIURL, cfg.Mail.APIKey, cfg.Mail.From)
	}

	switch {
	case primary != nil && secondary != nil:
		logger.Info("mail transport", "primary", "smtp", "secondary", "http")
		return &notify.Fallback{Primary: primary, Secondary: secondary, Logger: logger}
	case primary != nil:
		logger.Info("mail transport", "primary", "smtp")
		return primary
	case secondary != nil:
		logger.Info("mail transport", "primary", "http")
		return secondary
	default:
		logger.Warn("no mail transport configured; messages will be logged only")
		return &notify.LogMailer{Logger: logger}
	}
}

// newLimiter returns the signing endpoint limiter and its release func.
// A Redis address shares buckets across replicas; an unreachable Redis
// degrades to per-process buckets.
func newLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimit.Limiter, func()) {
	if cfg.RateLimit.RPS <= 0 {
		logger.Info("rate limiting disabled")
		return nil, func() {}
	}
	policy := ratelimit.Policy{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst}

	if cfg.RateLimit.Redis.Addr != "" {
		client := ratelimit.NewRedisClient(cfg.RateLimit.Redis)
		rl := ratelimit.NewRedis(client, policy)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rl.Ping(pingCtx)
		cancel()
		if err == nil {
			logger.Info("rate limiting", "backend", "redis", "addr", cfg.RateLimit.Redis.Addr, "rps", policy.RPS, "burst", policy.Burst)
			return rl, func() { _ = client.Close() }
		}
		logger.Warn("redis unreachable, using in-process rate limiting", "error", err)
		_ = client.Close()
	}

	mem := ratelimit.NewMemory(policy)
	logger.Info("rate limiting", "backend", "memory", "rps", policy.RPS, "burst", policy.Burst)
	return mem, func() { _ = mem.Close() }
}
