package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration with env > file > default
// precedence. Two env layers exist: the flat legacy names every deployment
// already exports (PORT, REDIS_HOST_MASTER, ...) and the prefixed nested
// form (TOLLGATE_SERVER__LISTEN__PORT). The prefixed form wins.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator for the given env prefix and optional
// config files.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// legacyEnv maps the flat deployment variables onto config paths.
var legacyEnv = map[string]string{
	"PORT":                      "server.listen.port",
	"REDIS_HOST_MASTER":         "redis.host",
	"REDIS_PORT":                "redis.port",
	"THROTTLE_TTL":              "rateLimit.ttlSeconds",
	"THROTTLE_LIMIT":            "rateLimit.limit",
	"ENABLE_TENANT_RATE_LIMITS": "rateLimit.tenant.enabled",
	"AUTH_SERVICE_URL":          "auth.serviceUrl",
	"STATIC_API_TOKEN":          "auth.staticTokens",
	"SERVICE_A_URL":             "upstreams.serviceA.url",
	"SERVICE_A_API_KEY":         "upstreams.serviceA.apiKey",
	"SERVICE_B_URL":             "upstreams.serviceB.url",
	"SERVICE_B_API_KEY":         "upstreams.serviceB.apiKey",
	"SERVICE_C_URL":             "upstreams.serviceC.url",
	"SERVICE_C_API_KEY":         "upstreams.serviceC.apiKey",
}

// canonicalEnvPaths restores camelCase segments that lowercased env keys
// cannot express.
var canonicalEnvPaths = map[string]string{
	"server.logging.correlationheader":  "server.logging.correlationHeader",
	"server.cors.allowedorigins":        "server.cors.allowedOrigins",
	"redis.tls.cafile":                  "redis.tls.caFile",
	"auth.serviceurl":                   "auth.serviceUrl",
	"auth.statictokens":                 "auth.staticTokens",
	"auth.internalservices":             "auth.internalServices",
	"auth.timeoutseconds":               "auth.timeoutSeconds",
	"auth.tokencache.ttlseconds":        "auth.tokenCache.ttlSeconds",
	"auth.tokencache.size":              "auth.tokenCache.size",
	"ratelimit.limit":                   "rateLimit.limit",
	"ratelimit.ttlseconds":              "rateLimit.ttlSeconds",
	"ratelimit.tenant.enabled":          "rateLimit.tenant.enabled",
	"ratelimit.tenant.limit":            "rateLimit.tenant.limit",
	"ratelimit.tenant.ttlseconds":       "rateLimit.tenant.ttlSeconds",
	"breaker.failurethreshold":          "breaker.failureThreshold",
	"breaker.resettimeoutseconds":       "breaker.resetTimeoutSeconds",
	"breaker.halfopenattempts":          "breaker.halfOpenAttempts",
	"cache.itemttlseconds":              "cache.itemTtlSeconds",
	"cache.listttlseconds":              "cache.listTtlSeconds",
	"upstreams.servicea.url":            "upstreams.serviceA.url",
	"upstreams.servicea.apikey":         "upstreams.serviceA.apiKey",
	"upstreams.servicea.timeoutseconds": "upstreams.serviceA.timeoutSeconds",
	"upstreams.serviceb.url":            "upstreams.serviceB.url",
	"upstreams.serviceb.apikey":         "upstreams.serviceB.apiKey",
	"upstreams.serviceb.timeoutseconds": "upstreams.serviceB.timeoutSeconds",
	"upstreams.servicec.url":            "upstreams.serviceC.url",
	"upstreams.servicec.apikey":         "upstreams.serviceC.apiKey",
	"upstreams.servicec.timeoutseconds": "upstreams.serviceC.timeoutSeconds",
	"uploads.maxbytes":                  "uploads.maxBytes",
	"uploads.allowedextensions":         "uploads.allowedExtensions",
}

// listValuedPaths take comma separated env values.
var listValuedPaths = map[string]struct{}{
	"server.cors.allowedOrigins": {},
	"auth.staticTokens":          {},
	"auth.internalServices":      {},
	"uploads.allowedExtensions":  {},
}

// Load assembles the effective snapshot using the documented precedence
// rules and validates it before anything starts serving.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", legacyEnvValue), nil); err != nil {
		return Config{}, fmt.Errorf("config: load legacy env: %w", err)
	}

	if l.envPrefix != "" {
		prefixed := func(key, value string) (string, any) {
			path := transformEnvKey(key, l.envPrefix)
			if path == "" {
				return "", nil
			}
			if _, ok := listValuedPaths[path]; ok {
				return path, splitList(value)
			}
			return path, value
		}
		if err := k.Load(env.ProviderWithValue(l.envPrefix, ".", prefixed), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func legacyEnvValue(key, value string) (string, any) {
	path, ok := legacyEnv[key]
	if !ok {
		return "", nil
	}
	if _, isList := listValuedPaths[path]; isList {
		return path, splitList(value)
	}
	return path, value
}

func transformEnvKey(s, prefix string) string {
	// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
	key := strings.TrimPrefix(s, prefix+"_")
	key = strings.ReplaceAll(key, "__", ".")
	lower := strings.ToLower(key)
	if mapped, ok := canonicalEnvPaths[lower]; ok {
		return mapped
	}
	// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
	// choose not to use double underscores for object nesting.
	return strings.ReplaceAll(lower, "_", "")
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	tenantOps := make([]map[string]any, 0, len(cfg.RateLimit.Tenant.Operations))
	for _, op := range cfg.RateLimit.Tenant.Operations {
		tenantOps = append(tenantOps, map[string]any{
			"method":   op.Method,
			"resource": op.Resource,
		})
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"cors": map[string]any{
				"allowedOrigins": cfg.Server.CORS.AllowedOrigins,
			},
		},
		"redis": map[string]any{
			"host":     cfg.Redis.Host,
			"port":     cfg.Redis.Port,
			"username": cfg.Redis.Username,
			"password": cfg.Redis.Password,
			"db":       cfg.Redis.DB,
			"tls": map[string]any{
				"enabled": cfg.Redis.TLS.Enabled,
				"caFile":  cfg.Redis.TLS.CAFile,
			},
		},
		"auth": map[string]any{
			"serviceUrl":       cfg.Auth.ServiceURL,
			"staticTokens":     cfg.Auth.StaticTokens,
			"internalServices": cfg.Auth.InternalServices,
			"timeoutSeconds":   cfg.Auth.TimeoutSeconds,
			"tokenCache": map[string]any{
				"ttlSeconds": cfg.Auth.TokenCache.TTLSeconds,
				"size":       cfg.Auth.TokenCache.Size,
			},
		},
		"rateLimit": map[string]any{
			"limit":      cfg.RateLimit.Limit,
			"ttlSeconds": cfg.RateLimit.TTLSeconds,
			"tenant": map[string]any{
				"enabled":    cfg.RateLimit.Tenant.Enabled,
				"limit":      cfg.RateLimit.Tenant.Limit,
				"ttlSeconds": cfg.RateLimit.Tenant.TTLSeconds,
				"operations": tenantOps,
			},
		},
		"breaker": map[string]any{
			"failureThreshold":    cfg.Breaker.FailureThreshold,
			"resetTimeoutSeconds": cfg.Breaker.ResetTimeoutSeconds,
			"halfOpenAttempts":    cfg.Breaker.HalfOpenAttempts,
		},
		"cache": map[string]any{
			"enabled":        cfg.Cache.Enabled,
			"itemTtlSeconds": cfg.Cache.ItemTTLSeconds,
			"listTtlSeconds": cfg.Cache.ListTTLSeconds,
		},
		"upstreams": map[string]any{
			"serviceA": map[string]any{
				"url":            cfg.Upstreams.ServiceA.URL,
				"apiKey":         cfg.Upstreams.ServiceA.APIKey,
				"timeoutSeconds": cfg.Upstreams.ServiceA.TimeoutSeconds,
			},
			"serviceB": map[string]any{
				"url":            cfg.Upstreams.ServiceB.URL,
				"apiKey":         cfg.Upstreams.ServiceB.APIKey,
				"timeoutSeconds": cfg.Upstreams.ServiceB.TimeoutSeconds,
			},
			"serviceC": map[string]any{
				"url":            cfg.Upstreams.ServiceC.URL,
				"apiKey":         cfg.Upstreams.ServiceC.APIKey,
				"timeoutSeconds": cfg.Upstreams.ServiceC.TimeoutSeconds,
			},
		},
		"uploads": map[string]any{
			"dir":               cfg.Uploads.Dir,
			"maxBytes":          cfg.Uploads.MaxBytes,
			"allowedExtensions": cfg.Uploads.AllowedExtensions,
		},
	}
}
