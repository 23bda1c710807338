// Command tollgate runs the multi-tenant API gateway: it authenticates
// callers, enforces authorization and rate limits, and proxies the surviving
// requests to the three backend service families.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/tollgate/internal/config"
	"github.com/l0p7/tollgate/internal/kv"
	"github.com/l0p7/tollgate/internal/logging"
	"github.com/l0p7/tollgate/internal/metrics"
	"github.com/l0p7/tollgate/internal/runtime"
	"github.com/l0p7/tollgate/internal/runtime/authn"
	"github.com/l0p7/tollgate/internal/runtime/authz"
	"github.com/l0p7/tollgate/internal/runtime/breaker"
	"github.com/l0p7/tollgate/internal/runtime/dispatch"
	"github.com/l0p7/tollgate/internal/runtime/ratelimit"
	"github.com/l0p7/tollgate/internal/runtime/respcache"
	"github.com/l0p7/tollgate/internal/server"
	"github.com/l0p7/tollgate/internal/upload"
)

// configLoader and runnableServer are the seams that let run be exercised
// without touching the filesystem or binding a socket.
type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to gateway configuration file")
		envPrefix  = flag.String("env-prefix", "TOLLGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	store := buildKVStore(logger.With(slog.String("component", "kv")), cfg.Redis)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("kv store shutdown failed", slog.Any("error", err))
		}
	}()

	var validator authn.TokenValidator
	if cfg.Auth.ServiceURL != "" {
		httpValidator, err := authn.NewHTTPValidator(cfg.Auth.ServiceURL, cfg.Auth.Timeout(),
			logger.With(slog.String("component", "authn")))
		if err != nil {
			return fmt.Errorf("auth validator: %w", err)
		}
		validator = authn.NewCachingValidator(httpValidator, cfg.Auth.TokenCache.Size, cfg.Auth.TokenCache.TTL())
	}

	rules := ratelimit.NewRules(ratelimit.Rule{Limit: cfg.RateLimit.Limit, TTL: cfg.RateLimit.TTL()})
	for _, rule := range cfg.RateLimit.Rules {
		ttl := rule.TTL()
		if ttl <= 0 {
			ttl = cfg.RateLimit.TTL()
		}
		rules.Add(rule.Method, rule.Resource, ratelimit.Rule{Limit: rule.Limit, TTL: ttl})
	}
	operations := make([][2]string, 0, len(cfg.RateLimit.Tenant.Operations))
	for _, op := range cfg.RateLimit.Tenant.Operations {
		operations = append(operations, [2]string{op.Method, op.Resource})
	}
	budget := ratelimit.NewTenantBudget(cfg.RateLimit.Tenant.Enabled,
		ratelimit.Rule{Limit: cfg.RateLimit.Tenant.Limit, TTL: cfg.RateLimit.Tenant.TTL()}, operations)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		ResetTimeout:     cfg.Breaker.ResetTimeout(),
		HalfOpenAttempts: uint32(cfg.Breaker.HalfOpenAttempts),
	}, recorder, logger)

	uploads, err := upload.NewManager(cfg.Uploads.Dir, cfg.Uploads.MaxBytes, cfg.Uploads.AllowedExtensions)
	if err != nil {
		return fmt.Errorf("upload spool: %w", err)
	}

	upstreams := make(map[string]*dispatch.Upstream, 3)
	for name, upstream := range map[string]config.UpstreamConfig{
		server.UpstreamServiceA: cfg.Upstreams.ServiceA,
		server.UpstreamServiceB: cfg.Upstreams.ServiceB,
		server.UpstreamServiceC: cfg.Upstreams.ServiceC,
	} {
		built, err := dispatch.NewUpstream(name, upstream.URL, upstream.APIKey, upstream.Timeout())
		if err != nil {
			return fmt.Errorf("upstream %s: %w", name, err)
		}
		upstreams[name] = built
	}

	gateway := runtime.New(logger, recorder,
		authn.New(validator, cfg.Auth.StaticTokens, cfg.Auth.InternalServices, logger),
		authz.New(authz.DefaultTable().Merge(cfg.Policy.Resources), logger),
		ratelimit.New(store, rules, budget, recorder, logger),
		dispatch.New(upstreams, breakers, respcache.New(store, recorder, logger), uploads, recorder, logger))

	handler := server.NewRouter(cfg, gateway, server.NewHealth(store, breakers, cfg.Upstreams), recorder)

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated unexpectedly: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

// buildKVStore connects to valkey and falls back to the in-process store when
// the backend is unreachable, so the gateway still boots in degraded
// environments. Rate limits and caches are process-local in that mode.
func buildKVStore(logger *slog.Logger, cfg config.RedisConfig) kv.Store {
	store, err := kv.NewValkey(kv.ValkeyConfig{
		Address:  cfg.Address(),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		TLS: kv.ValkeyTLSConfig{
			Enabled: cfg.TLS.Enabled,
			CAFile:  cfg.TLS.CAFile,
		},
	})
	if err != nil {
		logger.Error("valkey initialization failed", slog.String("address", cfg.Address()), slog.Any("error", err))
		logger.Info("falling back to in-memory store")
		return kv.NewMemory()
	}
	logger.Info("using valkey store", slog.String("address", cfg.Address()))
	return store
}
