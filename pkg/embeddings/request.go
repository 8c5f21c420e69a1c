package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxRetries is the default number of retries per request.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the base delay for exponential backoff.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay caps the backoff between retries.
	DefaultMaxDelay = 10 * time.Second

	// DefaultTimeout is the per-request HTTP timeout. Embedding calls carry
	// large payloads, so this is generous.
	DefaultTimeout = 120 * time.Second
)

// HTTPClient is the shared request runner for the provider adapters: JSON in,
// JSON out, retries with exponential backoff on transient failures, and an
// optional client-side rate limiter.
type HTTPClient struct {
	Provider   string
	Client     *http.Client
	Limiter    *rate.Limiter
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Log        *slog.Logger
}

// NewHTTPClient builds a client with the default retry policy.
func NewHTTPClient(provider string, log *slog.Logger) *HTTPClient {
	return &HTTPClient{
		Provider:   provider,
		Client:     &http.Client{Timeout: DefaultTimeout},
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Log:        log,
	}
}

// PostJSON posts body to url and decodes the response into out. Transient
// failures are retried; the final error is always a *ProviderError.
func (c *HTTPClient) PostJSON(ctx context.Context, url string, headers map[string]string, body any, out any) error {
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return &ProviderError{Provider: c.Provider, Msg: "marshal request", Err: err}
	}

	var lastErr *ProviderError
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.Log.Debug("retrying provider request",
				slog.String("provider", c.Provider),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return &ProviderError{Provider: c.Provider, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return &ProviderError{Provider: c.Provider, Err: err}
			}
		}

		lastErr = c.do(ctx, url, headers, reqBytes, out)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return &ProviderError{Provider: c.Provider, Err: ctx.Err()}
		}
		if !lastErr.Transient() {
			return lastErr
		}

		c.Log.Warn("provider request failed",
			slog.String("provider", c.Provider),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()))
	}

	return lastErr
}

func (c *HTTPClient) do(ctx context.Context, url string, headers map[string]string, body []byte, out any) *ProviderError {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &ProviderError{Provider: c.Provider, Msg: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return &ProviderError{Provider: c.Provider, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Provider: c.Provider, Msg: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return &ProviderError{
			Provider: c.Provider,
			Status:   resp.StatusCode,
			Msg:      truncateBody(respBody),
		}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &ProviderError{Provider: c.Provider, Msg: "unmarshal response", Err: err}
	}
	return nil
}

func (c *HTTPClient) backoff(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

func truncateBody(body []byte) string {
	const max = 1000
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}

// StatusOf extracts the HTTP status from a provider error chain, 0 if absent.
func StatusOf(err error) int {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Status
	}
	return 0
}

// RequireLen validates a provider response length against the request.
func RequireLen(provider string, got, want int) error {
	if got != want {
		return &ProviderError{
			Provider: provider,
			Msg:      fmt.Sprintf("response has %d embeddings for %d inputs", got, want),
		}
	}
	return nil
}
