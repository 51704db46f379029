/**
 * @description
 * This package delivers signed transfer envelopes to peer banks and queries their
 * view of a transaction. Delivery is retried with exponential backoff; whatever the
 * peer says in its error body is surfaced as the failure reason.
 */
package peerclient

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

	"github.com/transfa/settlement-service/pkg/retry"
)

var ErrTransactionUnknown = errors.New("peer does not know the transaction")

const (
	DefaultHTTPTimeout = 30 * time.Second
	maxBodyBytes       = 64 << 10
)

// RejectedError is a non-2xx answer from a peer bank.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("peer bank responded with HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("peer bank responded with HTTP %d: %s", e.StatusCode, e.Reason)
}

// DeliveryResult is the peer's acknowledgement of a credited transfer.
type DeliveryResult struct {
	ReceiverName string `json:"receiverName"`
	Attempts     int    `json:"-"`
}

// RemoteStatus mirrors the status document every bank serves.
type RemoteStatus struct {
	Status        string     `json:"status"`
	TransactionID string     `json:"transactionId"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	ErrorMessage  *string    `json:"errorMessage,omitempty"`
}

// Client talks to other banks' settlement endpoints.
type Client struct {
	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		policy:     retry.DefaultPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver posts the envelope to {apiURL}/transactions/b2b. Every failed attempt,
// network error or non-2xx, counts against the retry budget.
func (c *Client) Deliver(ctx context.Context, apiURL, token string) (*DeliveryResult, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(apiURL), "/") + "/transactions/b2b"
	body, err := json.Marshal(map[string]string{"jwt": token})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var result DeliveryResult
	attempts := 0
	err = retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warn("peer delivery attempt failed", "component", "peerclient", "endpoint", endpoint, "attempt", attempt, "err", err)
			return fmt.Errorf("failed to reach peer bank: %w", err)
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			rejected := &RejectedError{StatusCode: resp.StatusCode, Reason: extractReason(raw)}
			c.logger.Warn("peer delivery attempt rejected", "component", "peerclient", "endpoint", endpoint, "attempt", attempt, "status", resp.StatusCode, "reason", rejected.Reason)
			return rejected
		}

		result = DeliveryResult{}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(unwrapData(raw), &result); err != nil {
				return retry.Permanent(fmt.Errorf("peer bank returned an unreadable response: %w", err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Attempts = attempts
	return &result, nil
}

// GetStatus asks the peer for its record of transactionID. A 404 yields ErrTransactionUnknown.
func (c *Client) GetStatus(ctx context.Context, apiURL, transactionID string) (*RemoteStatus, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(apiURL), "/") + "/transactions/status/" + url.PathEscape(transactionID)

	var status RemoteStatus
	err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach peer bank: %w", err)
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if resp.StatusCode == http.StatusNotFound {
			return retry.Permanent(ErrTransactionUnknown)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &RejectedError{StatusCode: resp.StatusCode, Reason: extractReason(raw)}
		}
		if err := json.Unmarshal(unwrapData(raw), &status); err != nil {
			return retry.Permanent(fmt.Errorf("peer bank returned an unreadable status: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// extractReason prefers the "error" or "message" field of a JSON body and falls back
// to the raw text.
func extractReason(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	var body struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(trimmed, &body) == nil {
		switch v := body.Error.(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if msg, ok := v["message"].(string); ok && msg != "" {
				return msg
			}
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if len(trimmed) > 512 {
		trimmed = trimmed[:512]
	}
	return string(trimmed)
}

func unwrapData(raw []byte) []byte {
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if json.Unmarshal(raw, &wrapper) == nil && len(wrapper.Data) > 0 && !bytes.Equal(wrapper.Data, []byte("null")) {
		return wrapper.Data
	}
	return raw
}
