// Package dispatch forwards validated requests to the configured upstream
// services, translating transport failures and upstream errors into the
// gateway's envelope vocabulary on the way back.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/tollgate/internal/runtime/breaker"
)

// Upstream captures bodies up to this size; anything larger is a
// misbehaving backend, not a proxy payload.
const maxCapturedBody = 32 << 20

// Upstream is one configured backend family with its pooled client.
type Upstream struct {
	Name    string
	baseURL *url.URL
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

// NewUpstream parses and validates the base URL and builds the pooled
// client. The per-call budget defaults to 30 s.
func NewUpstream(name, baseURL, apiKey string, timeout time.Duration) (*Upstream, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("dispatch: upstream %s url: %w", name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("dispatch: upstream %s url %q must use http or https", name, baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("dispatch: upstream %s url %q missing host", name, baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}
	return &Upstream{
		Name:    name,
		baseURL: parsed,
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{Transport: transport},
	}, nil
}

// ResolveURL joins the outbound path and encoded query onto the base URL.
func (u *Upstream) ResolveURL(path, rawQuery string) string {
	target := *u.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	target.RawQuery = rawQuery
	return target.String()
}

// BaseURL reports the configured base address, for diagnostics surfaces.
func (u *Upstream) BaseURL() string { return u.baseURL.String() }

// outboundRequest is a fully assembled upstream call.
type outboundRequest struct {
	method        string
	url           string
	header        http.Header
	body          io.Reader
	contentLength int64
}

// capturedResponse is an upstream answer read fully into memory.
type capturedResponse struct {
	status  int
	headers map[string]string
	body    []byte
}

// roundTrip executes the call under the per-call budget and captures the
// response. A 5xx is returned as a ServerError alongside the captured
// response so the breaker counts it without losing the body.
func (u *Upstream) roundTrip(ctx context.Context, out outboundRequest) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, out.method, out.url, out.body)
	if err != nil {
		return capturedResponse{}, fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header = out.header
	if out.contentLength > 0 {
		req.ContentLength = out.contentLength
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return capturedResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCapturedBody))
	if err != nil {
		return capturedResponse{}, fmt.Errorf("dispatch: read upstream response: %w", err)
	}

	captured := capturedResponse{
		status:  resp.StatusCode,
		headers: captureHeaders(resp.Header),
		body:    body,
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return captured, &breaker.ServerError{Status: resp.StatusCode}
	}
	return captured, nil
}

// streamResponse is a 2xx upstream answer whose body is handed to the
// client unread. Closing the body releases the call context.
type streamResponse struct {
	resp   *http.Response
	cancel context.CancelFunc
}

// streamRoundTrip executes the call but leaves a 2xx body open for
// streaming. Error statuses are captured and drained like roundTrip.
func (u *Upstream) streamRoundTrip(ctx context.Context, out outboundRequest) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, u.timeout)

	req, err := http.NewRequestWithContext(callCtx, out.method, out.url, out.body)
	if err != nil {
		cancel()
		return capturedResponse{}, fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header = out.header

	resp, err := u.client.Do(req)
	if err != nil {
		cancel()
		return capturedResponse{}, err
	}
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return streamResponse{resp: resp, cancel: cancel}, nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxCapturedBody))
	_ = resp.Body.Close()
	cancel()
	if readErr != nil {
		return capturedResponse{}, fmt.Errorf("dispatch: read upstream response: %w", readErr)
	}
	captured := capturedResponse{
		status:  resp.StatusCode,
		headers: captureHeaders(resp.Header),
		body:    body,
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return captured, &breaker.ServerError{Status: resp.StatusCode}
	}
	return captured, nil
}

// cancelReadCloser ties the call context to the streamed body's lifetime.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func captureHeaders(header http.Header) map[string]string {
	headers := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}
	return headers
}
