/**
 * @description
 * This package provides a client for the central bank directory. The directory maps
 * 3-character bank prefixes to API base URLs and key-set document URLs. Lookups are
 * retried with backoff and fall back to a short-lived cache while the directory is down.
 */
package directoryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/transfa/settlement-service/pkg/cache"
	"github.com/transfa/settlement-service/pkg/retry"
)

var (
	ErrBankNotFound         = errors.New("bank not found in directory")
	ErrDirectoryUnavailable = errors.New("central directory unavailable")
)

const (
	DefaultCacheTTL    = time.Hour
	DefaultHTTPTimeout = 30 * time.Second
	maxErrorBodyBytes  = 4096
)

// Bank is a directory entry as published by the central bank.
type Bank struct {
	Prefix       string     `json:"prefix"`
	Name         string     `json:"name"`
	APIURL       string     `json:"apiUrl"`
	JWKSURL      string     `json:"jwksUrl"`
	IsActive     bool       `json:"isActive"`
	RegisteredAt *time.Time `json:"registeredAt,omitempty"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
}

// Registration is the payload this bank announces about itself.
type Registration struct {
	Name    string `json:"name"`
	Prefix  string `json:"prefix"`
	JWKSURL string `json:"jwksUrl"`
	APIURL  string `json:"apiUrl"`
}

// Health reports directory reachability.
type Health struct {
	Connected bool          `json:"connected"`
	Status    string        `json:"status"`
	Latency   time.Duration `json:"-"`
	LatencyMs int64         `json:"latencyMs"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Client talks to the central directory.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cache      cache.Cache
	cacheTTL   time.Duration
	policy     retry.Policy
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a directory client. A nil cache disables the fallback.
func NewClient(baseURL, apiKey string, c cache.Cache, opts ...Option) *Client {
	client := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		cache:      c,
		cacheTTL:   DefaultCacheTTL,
		policy:     retry.DefaultPolicy(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func bankCacheKey(prefix string) string {
	return "directory:bank:" + prefix
}

// LookupBank resolves a bank prefix. A 404 is final; anything else is retried and then
// served from cache if possible.
func (c *Client) LookupBank(ctx context.Context, prefix string) (*Bank, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil, fmt.Errorf("%w: empty prefix", ErrBankNotFound)
	}
	if c.baseURL == "" {
		return c.cachedBank(ctx, prefix, errors.New("central directory url is not configured"))
	}

	var bank Bank
	err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/banks/"+url.PathEscape(prefix), nil, &bank)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrBankNotFound, prefix))
		}
		if err != nil {
			c.logger.Warn("directory lookup attempt failed", "component", "directoryclient", "prefix", prefix, "attempt", attempt, "err", err)
		}
		return err
	})
	if errors.Is(err, ErrBankNotFound) {
		return nil, err
	}
	if err != nil {
		return c.cachedBank(ctx, prefix, err)
	}
	if bank.Prefix == "" {
		bank.Prefix = prefix
	}

	if c.cache != nil {
		if raw, marshalErr := json.Marshal(bank); marshalErr == nil {
			if cacheErr := c.cache.Set(ctx, bankCacheKey(prefix), raw, c.cacheTTL); cacheErr != nil {
				c.logger.Warn("failed to cache directory entry", "component", "directoryclient", "prefix", prefix, "err", cacheErr)
			}
		}
	}
	return &bank, nil
}

func (c *Client) cachedBank(ctx context.Context, prefix string, cause error) (*Bank, error) {
	if c.cache != nil {
		raw, ok, err := c.cache.Get(ctx, bankCacheKey(prefix))
		if err == nil && ok {
			var bank Bank
			if json.Unmarshal(raw, &bank) == nil {
				c.logger.Warn("serving directory entry from cache", "component", "directoryclient", "prefix", prefix, "cause", cause)
				return &bank, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, cause)
}

// RegisterSelf upserts this bank's entry. Callers normally log and ignore the error.
func (c *Client) RegisterSelf(ctx context.Context, reg Registration) (*Bank, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: central directory url is not configured", ErrDirectoryUnavailable)
	}
	reg.Prefix = strings.ToUpper(strings.TrimSpace(reg.Prefix))

	var bank Bank
	err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/banks/register", reg, &bank)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 && statusErr.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register bank %s: %w", reg.Prefix, err)
	}
	return &bank, nil
}

// ListBanks returns every bank the directory knows about.
func (c *Client) ListBanks(ctx context.Context) ([]Bank, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: central directory url is not configured", ErrDirectoryUnavailable)
	}
	var banks []Bank
	err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		return c.doJSON(ctx, http.MethodGet, c.baseURL+"/banks", nil, &banks)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return banks, nil
}

// HealthCheck checks the directory once. It never returns an error.
func (c *Client) HealthCheck(ctx context.Context) Health {
	start := c.now()
	health := Health{Status: "disconnected", CheckedAt: start}
	if c.baseURL == "" {
		health.Error = "central directory url is not configured"
		return health
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		health.Error = err.Error()
		return health
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	health.Latency = c.now().Sub(start)
	health.LatencyMs = health.Latency.Milliseconds()
	if err != nil {
		health.Error = err.Error()
		return health
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		health.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return health
	}
	health.Connected = true
	health.Status = "connected"
	return health
}

// FetchKeySet downloads a bank's key-set document with the same retry policy as lookups.
func (c *Client) FetchKeySet(ctx context.Context, jwksURL string) ([]byte, error) {
	jwksURL = strings.TrimSpace(jwksURL)
	if jwksURL == "" {
		return nil, errors.New("key-set url is empty")
	}

	var body []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw))}
		}
		body = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to marshal request: %w", err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to central directory: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read directory response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw))}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(unwrapData(raw), out); err != nil {
		return fmt.Errorf("failed to decode directory response: %w", err)
	}
	return nil
}

// unwrapData accepts both bare payloads and {"data": ...} envelopes.
func unwrapData(raw []byte) []byte {
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if json.Unmarshal(raw, &wrapper) == nil && len(wrapper.Data) > 0 && !bytes.Equal(wrapper.Data, []byte("null")) {
		return wrapper.Data
	}
	return raw
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBodyBytes {
		return s[:maxErrorBodyBytes]
	}
	return s
}
