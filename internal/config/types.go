package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds every option the gateway reads at bootstrap. All of it is
// immutable once the server starts serving.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Redis     RedisConfig     `koanf:"redis"`
	Auth      AuthConfig      `koanf:"auth"`
	RateLimit RateLimitConfig `koanf:"rateLimit"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Cache     CacheConfig     `koanf:"cache"`
	Upstreams UpstreamsConfig `koanf:"upstreams"`
	Uploads   UploadsConfig   `koanf:"uploads"`
	Policy    PolicyConfig    `koanf:"policy"`
}

// ServerConfig collects the listener-level knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	CORS    CORSConfig    `koanf:"cors"`
}

type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowedOrigins"`
}

// RedisConfig points the shared KV store at its backend.
type RedisConfig struct {
	Host     string         `koanf:"host"`
	Port     int            `koanf:"port"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// Address renders host:port for the valkey client.
func (r RedisConfig) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// AuthConfig drives both authentication modes: the static API-key set and
// the remote token introspection service.
type AuthConfig struct {
	ServiceURL       string           `koanf:"serviceUrl"`
	StaticTokens     []string         `koanf:"staticTokens"`
	InternalServices []string         `koanf:"internalServices"`
	TimeoutSeconds   int              `koanf:"timeoutSeconds"`
	TokenCache       TokenCacheConfig `koanf:"tokenCache"`
}

type TokenCacheConfig struct {
	TTLSeconds int `koanf:"ttlSeconds"`
	Size       int `koanf:"size"`
}

func (a AuthConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (t TokenCacheConfig) TTL() time.Duration {
	return time.Duration(t.TTLSeconds) * time.Second
}

// RateLimitConfig holds the default window plus per-route overrides and the
// optional per-tenant budget for resource-intensive operations.
type RateLimitConfig struct {
	Limit      int                   `koanf:"limit"`
	TTLSeconds int                   `koanf:"ttlSeconds"`
	Rules      []RateLimitRule       `koanf:"rules"`
	Tenant     TenantRateLimitConfig `koanf:"tenant"`
}

func (r RateLimitConfig) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

type RateLimitRule struct {
	Method     string `koanf:"method"`
	Resource   string `koanf:"resource"`
	Limit      int    `koanf:"limit"`
	TTLSeconds int    `koanf:"ttlSeconds"`
}

func (r RateLimitRule) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

type TenantRateLimitConfig struct {
	Enabled    bool              `koanf:"enabled"`
	Limit      int               `koanf:"limit"`
	TTLSeconds int               `koanf:"ttlSeconds"`
	Operations []TenantOperation `koanf:"operations"`
}

func (t TenantRateLimitConfig) TTL() time.Duration {
	return time.Duration(t.TTLSeconds) * time.Second
}

// TenantOperation names one method+resource pair that counts against the
// shared tenant budget.
type TenantOperation struct {
	Method   string `koanf:"method"`
	Resource string `koanf:"resource"`
}

// BreakerConfig tunes the per-upstream circuit breakers.
type BreakerConfig struct {
	FailureThreshold    int `koanf:"failureThreshold"`
	ResetTimeoutSeconds int `koanf:"resetTimeoutSeconds"`
	HalfOpenAttempts    int `koanf:"halfOpenAttempts"`
}

func (b BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutSeconds) * time.Second
}

// CacheConfig tunes the read-through response cache.
type CacheConfig struct {
	Enabled        bool `koanf:"enabled"`
	ItemTTLSeconds int  `koanf:"itemTtlSeconds"`
	ListTTLSeconds int  `koanf:"listTtlSeconds"`
}

func (c CacheConfig) ItemTTL() time.Duration {
	return time.Duration(c.ItemTTLSeconds) * time.Second
}

func (c CacheConfig) ListTTL() time.Duration {
	return time.Duration(c.ListTTLSeconds) * time.Second
}

// UpstreamsConfig names the three proxied service families.
type UpstreamsConfig struct {
	ServiceA UpstreamConfig `koanf:"serviceA"`
	ServiceB UpstreamConfig `koanf:"serviceB"`
	ServiceC UpstreamConfig `koanf:"serviceC"`
}

type UpstreamConfig struct {
	URL            string `koanf:"url"`
	APIKey         string `koanf:"apiKey"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// UploadsConfig bounds the multipart spool.
type UploadsConfig struct {
	Dir               string   `koanf:"dir"`
	MaxBytes          int64    `koanf:"maxBytes"`
	AllowedExtensions []string `koanf:"allowedExtensions"`
}

// PolicyConfig optionally overrides the built-in permission table:
// resource -> action -> allowed roles.
type PolicyConfig struct {
	Resources map[string]map[string][]string `koanf:"resources"`
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return fmt.Errorf("config: redis.port invalid: %d", c.Redis.Port)
	}
	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("config: rateLimit.limit invalid: %d", c.RateLimit.Limit)
	}
	if c.RateLimit.TTLSeconds <= 0 {
		return fmt.Errorf("config: rateLimit.ttlSeconds invalid: %d", c.RateLimit.TTLSeconds)
	}
	for i, rule := range c.RateLimit.Rules {
		if strings.TrimSpace(rule.Method) == "" {
			return fmt.Errorf("config: rateLimit.rules[%d].method empty", i)
		}
		if rule.Limit <= 0 {
			return fmt.Errorf("config: rateLimit.rules[%d].limit invalid: %d", i, rule.Limit)
		}
		if rule.TTLSeconds < 0 {
			return fmt.Errorf("config: rateLimit.rules[%d].ttlSeconds invalid: %d", i, rule.TTLSeconds)
		}
	}
	if c.RateLimit.Tenant.Enabled {
		if c.RateLimit.Tenant.Limit <= 0 {
			return fmt.Errorf("config: rateLimit.tenant.limit invalid: %d", c.RateLimit.Tenant.Limit)
		}
		if c.RateLimit.Tenant.TTLSeconds <= 0 {
			return fmt.Errorf("config: rateLimit.tenant.ttlSeconds invalid: %d", c.RateLimit.Tenant.TTLSeconds)
		}
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("config: breaker.failureThreshold invalid: %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.ResetTimeoutSeconds < 1 {
		return fmt.Errorf("config: breaker.resetTimeoutSeconds invalid: %d", c.Breaker.ResetTimeoutSeconds)
	}
	if c.Breaker.HalfOpenAttempts < 1 {
		return fmt.Errorf("config: breaker.halfOpenAttempts invalid: %d", c.Breaker.HalfOpenAttempts)
	}
	if c.Cache.ItemTTLSeconds < 0 || c.Cache.ListTTLSeconds < 0 {
		return errors.New("config: cache ttls must not be negative")
	}
	if c.Auth.ServiceURL != "" {
		if err := validateBaseURL("auth.serviceUrl", c.Auth.ServiceURL); err != nil {
			return err
		}
	}
	if c.Auth.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: auth.timeoutSeconds invalid: %d", c.Auth.TimeoutSeconds)
	}
	for name, upstream := range map[string]UpstreamConfig{
		"upstreams.serviceA": c.Upstreams.ServiceA,
		"upstreams.serviceB": c.Upstreams.ServiceB,
		"upstreams.serviceC": c.Upstreams.ServiceC,
	} {
		if err := validateBaseURL(name+".url", upstream.URL); err != nil {
			return err
		}
		if upstream.TimeoutSeconds <= 0 {
			return fmt.Errorf("config: %s.timeoutSeconds invalid: %d", name, upstream.TimeoutSeconds)
		}
	}
	if strings.TrimSpace(c.Uploads.Dir) == "" {
		return errors.New("config: uploads.dir required")
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("config: uploads.maxBytes invalid: %d", c.Uploads.MaxBytes)
	}
	if len(c.Uploads.AllowedExtensions) == 0 {
		return errors.New("config: uploads.allowedExtensions must not be empty")
	}
	return nil
}

func validateBaseURL(field, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: %s invalid: %w", field, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("config: %s must be http or https: %s", field, raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("config: %s missing host: %s", field, raw)
	}
	return nil
}

// DefaultConfig returns the baseline values the service boots with when no
// file or environment overrides are present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8000,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-Id",
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
			},
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Auth: AuthConfig{
			ServiceURL:       "http://localhost:3000",
			InternalServices: []string{"service-a", "service-b", "service-c"},
			TimeoutSeconds:   5,
			TokenCache: TokenCacheConfig{
				TTLSeconds: 60,
				Size:       1024,
			},
		},
		RateLimit: RateLimitConfig{
			Limit:      60,
			TTLSeconds: 60,
			Tenant: TenantRateLimitConfig{
				Enabled:    false,
				Limit:      30,
				TTLSeconds: 60,
				Operations: []TenantOperation{
					{Method: "POST", Resource: "report"},
					{Method: "POST", Resource: "file"},
				},
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold:    3,
			ResetTimeoutSeconds: 30,
			HalfOpenAttempts:    2,
		},
		Cache: CacheConfig{
			Enabled:        true,
			ItemTTLSeconds: 300,
			ListTTLSeconds: 600,
		},
		Upstreams: UpstreamsConfig{
			ServiceA: UpstreamConfig{URL: "http://localhost:3001", TimeoutSeconds: 30},
			ServiceB: UpstreamConfig{URL: "http://localhost:3002", TimeoutSeconds: 30},
			ServiceC: UpstreamConfig{URL: "http://localhost:3003", TimeoutSeconds: 30},
		},
		Uploads: UploadsConfig{
			Dir:      "uploads",
			MaxBytes: 10 << 20,
			AllowedExtensions: []string{
				"jpg", "jpeg", "png", "gif", "pdf", "doc", "docx", "xls", "xlsx", "txt", "csv",
			},
		},
	}
}
