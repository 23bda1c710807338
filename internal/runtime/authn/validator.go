// Package authn authenticates requests against the static API-key allow-list
// or the external auth service, and resolves the caller into a principal the
// rest of the pipeline acts on.
package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// UserAccess is one tenant grant returned by token introspection.
type UserAccess struct {
	TenantID   string `json:"tenantId"`
	TenantName string `json:"tenantName"`
	Type       string `json:"type"`
}

// UserData is the identity resolved for a bearer token.
type UserData struct {
	ID         string       `json:"id"`
	Email      string       `json:"email"`
	UserAccess []UserAccess `json:"userAccess"`
}

// TokenValidator resolves a bearer token into the identity it represents.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*UserData, error)
}

// HTTPValidator introspects tokens against the auth service's validate
// endpoint, forwarding the token in the Authorization header.
type HTTPValidator struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPValidator builds a validator for the given auth service base URL.
func NewHTTPValidator(baseURL string, timeout time.Duration, logger *slog.Logger) (*HTTPValidator, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("authn: auth service url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("authn: auth service url %q must use http or https", baseURL)
	}
	endpoint := strings.TrimRight(parsed.String(), "/") + "/auth/validate"
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPValidator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

func (v *HTTPValidator) Validate(ctx context.Context, token string) (*UserData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("authn: build validate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authn: validate token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("authn: read validate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authn: validate token: auth service returned %d", resp.StatusCode)
	}

	// The auth service may answer with the identity directly or wrapped in a
	// success envelope. Accept both.
	var payload struct {
		Success    *bool        `json:"success"`
		Data       *UserData    `json:"data"`
		ID         string       `json:"id"`
		Email      string       `json:"email"`
		UserAccess []UserAccess `json:"userAccess"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("authn: decode validate response: %w", err)
	}
	if payload.Success != nil && !*payload.Success {
		return nil, fmt.Errorf("authn: validate token: auth service rejected the token")
	}
	if payload.Data != nil {
		return payload.Data, nil
	}
	data := &UserData{ID: payload.ID, Email: payload.Email, UserAccess: payload.UserAccess}
	if data.ID == "" && data.Email == "" && len(data.UserAccess) == 0 {
		return nil, fmt.Errorf("authn: validate response carried no identity")
	}
	return data, nil
}

// CachingValidator wraps a TokenValidator with an expiring LRU keyed by the
// token digest, collapsing concurrent lookups for the same token into one
// introspection call. Only successful validations are cached.
type CachingValidator struct {
	inner TokenValidator
	cache *expirable.LRU[string, *UserData]
	group singleflight.Group
}

// NewCachingValidator builds the cache layer. Size and TTL guard memory and
// staleness respectively; revoked tokens stay valid for at most ttl.
func NewCachingValidator(inner TokenValidator, size int, ttl time.Duration) *CachingValidator {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingValidator{
		inner: inner,
		cache: expirable.NewLRU[string, *UserData](size, nil, ttl),
	}
}

func (c *CachingValidator) Validate(ctx context.Context, token string) (*UserData, error) {
	key := tokenDigest(token)
	if data, ok := c.cache.Get(key); ok {
		return data, nil
	}
	result, err, _ := c.group.Do(key, func() (any, error) {
		data, err := c.inner.Validate(ctx, token)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*UserData), nil
}

// tokenDigest keys caches by a digest so raw tokens never sit in memory
// longer than the request that carried them.
func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
