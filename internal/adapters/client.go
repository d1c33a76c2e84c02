// Package adapters holds the REST plumbing shared by the exchange and data
// feed clients in its subpackages.
package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// APIError is a non-2xx response decoded into the provider's error shape.
type APIError struct {
	Provider string
	Status   int
	Code     string
	Msg      string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: HTTP %d: %s (%s)", e.Provider, e.Status, e.Msg, e.Code)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.Msg)
}

// ErrorDecoder turns an error response body into an error.
type ErrorDecoder func(provider string, status int, body []byte) error

// DefaultErrorDecoder wraps the raw body in an APIError.
func DefaultErrorDecoder(provider string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &APIError{Provider: provider, Status: status, Msg: msg}
}

// ResponseDecoder decodes a successful response body into out.
type ResponseDecoder func(body []byte, out any) error

// Client is a small JSON-over-HTTP client with per-request timeouts, request
// counters and a consecutive-error circuit breaker.
type Client struct {
	name      string
	baseURL   string
	http      *http.Client
	headers   map[string]string
	decodeErr ErrorDecoder
	decode    ResponseDecoder

	breakerThreshold int64
	breakerCooldown  time.Duration

	requests          atomic.Int64
	errorCount        atomic.Int64
	consecutiveErrors atomic.Int64
	openUntil         atomic.Int64 // unix nanos
	avgLatencyMs      atomic.Int64
	now               func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) { c.headers[key] = value }
}

// WithErrorDecoder sets the decoder for non-2xx responses.
func WithErrorDecoder(d ErrorDecoder) ClientOption {
	return func(c *Client) { c.decodeErr = d }
}

// WithResponseDecoder sets the decoder for 2xx responses.
func WithResponseDecoder(d ResponseDecoder) ClientOption {
	return func(c *Client) { c.decode = d }
}

// WithBreaker opens the circuit after threshold consecutive failures for cooldown.
func WithBreaker(threshold int, cooldown time.Duration) ClientOption {
	return func(c *Client) {
		c.breakerThreshold = int64(threshold)
		c.breakerCooldown = cooldown
	}
}

// NewClient creates a client for baseURL. Defaults: 10s timeout, breaker at
// 5 consecutive errors for 30s.
func NewClient(name, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		name:             name,
		baseURL:          strings.TrimRight(baseURL, "/"),
		http:             &http.Client{Timeout: 10 * time.Second},
		headers:          make(map[string]string),
		decodeErr:        DefaultErrorDecoder,
		decode:           decodeJSON,
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

// Get issues a GET and decodes the body into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, http.MethodGet, path, query, nil, nil, out)
}

// Do issues a request. body is sent as-is; headers are merged over the
// client defaults.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body []byte, headers map[string]string, out any) error {
	if c.breakerOpen() {
		return fmt.Errorf("%s: %w", c.name, ErrCircuitOpen)
	}

	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("%s: parse URL: %w", c.name, err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := c.now()
	c.requests.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		c.recordError()
		return fmt.Errorf("%s: %s %s: %w", c.name, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		c.recordError()
		return fmt.Errorf("%s: read response: %w", c.name, err)
	}
	c.avgLatencyMs.Store((c.avgLatencyMs.Load()*4 + c.now().Sub(start).Milliseconds()) / 5)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Client errors are the caller's fault, not a sick upstream.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.recordError()
		} else {
			c.errorCount.Add(1)
		}
		return c.decodeErr(c.name, resp.StatusCode, respBody)
	}

	c.consecutiveErrors.Store(0)
	if out == nil {
		return nil
	}
	if err := c.decode(respBody, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	return nil
}

func (c *Client) breakerOpen() bool {
	until := c.openUntil.Load()
	if until == 0 {
		return false
	}
	if c.now().UnixNano() >= until {
		if c.openUntil.CompareAndSwap(until, 0) {
			c.consecutiveErrors.Store(0)
			log.Info().Str("provider", c.name).Msg("circuit breaker reset")
		}
		return false
	}
	return true
}

func (c *Client) recordError() {
	c.errorCount.Add(1)
	n := c.consecutiveErrors.Add(1)
	if c.breakerThreshold > 0 && n >= c.breakerThreshold {
		until := c.now().Add(c.breakerCooldown).UnixNano()
		if c.openUntil.CompareAndSwap(0, until) {
			log.Error().Str("provider", c.name).Int64("errors", n).Msg("circuit breaker open")
		}
	}
}

// Stats reports request counters.
type Stats struct {
	Requests     int64 `json:"requests"`
	Errors       int64 `json:"errors"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
	CircuitOpen  bool  `json:"circuit_open"`
}

func (c *Client) Stats() Stats {
	return Stats{
		Requests:     c.requests.Load(),
		Errors:       c.errorCount.Load(),
		AvgLatencyMs: c.avgLatencyMs.Load(),
		CircuitOpen:  c.openUntil.Load() != 0,
	}
}
