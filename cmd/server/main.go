// Package main is the entry point for the admin3 rules server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Build the rule cache (memory or Redis), the authoring service and the
//     execution pipeline (templates, actions, VAT, audit, engine).
//  4. Build the checkout orchestrator over the session store.
//  5. Optionally apply the rule pack named by RULES_SEED_PATH.
//  6. Start the HTTP server, plus the admin API on a tailnet when configured.
//  7. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"tailscale.com/tsnet"

	"github.com/matt-riley/admin3-rules/internal/actions"
	"github.com/matt-riley/admin3-rules/internal/audit"
	"github.com/matt-riley/admin3-rules/internal/cache"
	"github.com/matt-riley/admin3-rules/internal/checkout"
	"github.com/matt-riley/admin3-rules/internal/config"
	"github.com/matt-riley/admin3-rules/internal/engine"
	"github.com/matt-riley/admin3-rules/internal/functions"
	"github.com/matt-riley/admin3-rules/internal/logging"
	"github.com/matt-riley/admin3-rules/internal/metrics"
	"github.com/matt-riley/admin3-rules/internal/middleware"
	"github.com/matt-riley/admin3-rules/internal/repository"
	"github.com/matt-riley/admin3-rules/internal/seed"
	"github.com/matt-riley/admin3-rules/internal/server"
	"github.com/matt-riley/admin3-rules/internal/service"
	"github.com/matt-riley/admin3-rules/internal/templates"
	"github.com/matt-riley/admin3-rules/internal/tracing"
	"github.com/matt-riley/admin3-rules/internal/vat"
	"github.com/matt-riley/admin3-rules/migrations"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	redisCacheTTL         = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := migrations.Up(pool); err != nil {
		return err
	}
	log.Info("migrations applied")

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb, err = connectRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	ruleCache := newRuleCache(cfg, rdb, log, m)
	pipeline := vat.New(repo.VATTables())
	registry := functions.New(pipeline, repo,
		functions.WithBookingFee(cfg.TutorialBookingFee),
		functions.WithLogger(log),
	)

	svc, err := service.New(ctx, repo,
		service.WithLogger(log),
		service.WithCache(ruleCache),
		service.WithFunctions(registry),
		service.WithResyncInterval(cfg.CacheResyncInterval),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	dispatcher := actions.New(svc, templates.New(registry, templates.WithLogger(log)),
		actions.WithLogger(log),
		actions.WithCart(repo),
		actions.WithVAT(pipeline),
		actions.WithFunctions(registry),
	)
	eng := engine.New(svc, dispatcher,
		engine.WithLogger(log),
		engine.WithCache(svc.Cache()),
		engine.WithMetrics(m),
		engine.WithRecorder(audit.NewRecorder(repo, audit.WithLogger(log), audit.WithMetrics(m))),
	)
	orchestrator := checkout.New(eng, newSessionStore(cfg, rdb), repo,
		checkout.WithLogger(log),
		checkout.WithMetrics(m),
	)

	if cfg.RulesSeedPath != "" {
		if err := applySeed(ctx, svc, cfg.RulesSeedPath, log); err != nil {
			return err
		}
	}

	authLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer authLimiter.Stop()
	checkoutLimiter := middleware.NewRateLimiter(ctx, cfg.CheckoutRateLimit)
	defer checkoutLimiter.Stop()

	httpSrv := server.NewHTTPServer(svc, eng, orchestrator,
		server.WithMetrics(m),
		server.WithLogger(log),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithCheckoutLimiter(checkoutLimiter),
		server.WithSessionOptions(
			middleware.WithSecureCookie(cfg.SessionCookieSecure),
			middleware.WithSessionTTL(cfg.SessionTTL),
		),
	)

	validator := middleware.NewAPIKeyValidator(repo)
	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() }),
		middleware.WithRateLimiter(authLimiter),
	}
	adminHandler := httpSrv.AdminHandler()
	httpHandler := newHTTPHandler(httpSrv.PublicHandler(), adminHandler, validator, authOpts...)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(httpHandler), "admin3-rules-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	// -------------------------------------------------------------------------
	// Admin API (Tailscale)
	// -------------------------------------------------------------------------
	var tsServer *tsnet.Server
	var adminServer *http.Server

	if cfg.AdminHostname != "" {
		if cfg.TSAuthKey == "" {
			return errors.New("ADMIN_HOSTNAME is set but TS_AUTH_KEY is missing")
		}

		dir := cfg.TSStateDir
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create ts-state dir: %w", err)
		}

		tsServer = &tsnet.Server{
			Hostname: cfg.AdminHostname,
			AuthKey:  cfg.TSAuthKey,
			Dir:      dir,
			Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
		}

		adminLis, err := tsServer.Listen("tcp", ":80")
		if err != nil {
			return fmt.Errorf("listen tailnet: %w", err)
		}
		log.Info("admin API listening", "hostname", cfg.AdminHostname, "transport", "tailscale")

		protected := middleware.HTTPBearerAuthMiddleware(validator, authOpts...)(adminHandler)
		adminServer = &http.Server{
			Handler:           otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(protected), "admin3-rules-admin"),
			ReadHeaderTimeout: httpReadHeaderTimeout,
			ReadTimeout:       httpReadTimeout,
			IdleTimeout:       httpIdleTimeout,
		}
		go func() {
			if err := adminServer.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server error", "error", err)
			}
		}()
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"cache_backend", cfg.CacheBackend,
		"session_backend", cfg.SessionBackend,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server shutdown error", "error", err)
		}
	}
	if tsServer != nil {
		tsServer.Close()
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// newHTTPHandler serves the public surface unauthenticated and the admin API
// under /v1/ behind bearer auth.
func newHTTPHandler(publicHandler, adminHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAdminHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(adminHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAdminHandler)
	mux.Handle("/", publicHandler)

	return mux
}

func connectRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

func newRuleCache(cfg config.Config, rdb *redis.Client, log *slog.Logger, m *metrics.Metrics) cache.RuleCache {
	opts := []cache.Option{cache.WithLogger(log), cache.WithMetrics(m)}
	if cfg.CacheBackend == config.BackendRedis {
		return cache.NewRedisCache(rdb, redisCacheTTL, opts...)
	}
	return cache.NewMemoryCache(opts...)
}

func newSessionStore(cfg config.Config, rdb *redis.Client) checkout.SessionStore {
	if cfg.SessionBackend == config.BackendRedis {
		return checkout.NewRedisSessionStore(rdb, cfg.SessionTTL)
	}
	return checkout.NewMemorySessionStore(cfg.SessionTTL)
}

func applySeed(ctx context.Context, target seed.Target, path string, log *slog.Logger) error {
	pack, err := seed.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load rule pack: %w", err)
	}
	summary, err := seed.NewApplier(target, seed.WithLogger(log)).Apply(ctx, pack)
	if err != nil {
		return fmt.Errorf("apply rule pack: %w", err)
	}
	log.Info("rule pack applied",
		"path", path,
		"rules_created", summary.RulesCreated,
		"rules_updated", summary.RulesUpdated,
		"unchanged", summary.Unchanged,
	)
	return nil
}
