package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client wraps an http.Client with JSON encoding, typed error
// classification, retries with capped exponential backoff, and a shared
// token-bucket throttle.
type Client struct {
	BaseURL    string
	HTTP       *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Limiter    *Limiter

	// Prepare adds auth and service-specific headers to each request.
	Prepare func(req *http.Request)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	RatePerSec float64
	Burst      int
	Prepare    func(req *http.Request)
}

// NewClient creates a Client with sane defaults for anything unset.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	rate := opts.RatePerSec
	if rate <= 0 {
		rate = 5
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Client{
		BaseURL:    strings.TrimRight(opts.BaseURL, "/"),
		HTTP:       &http.Client{Timeout: timeout},
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
		Limiter:    NewLimiter(rate, burst),
		Prepare:    opts.Prepare,
	}
}

// DoJSON performs a request with a JSON body (nil for none) and decodes a
// JSON response into out (nil to discard). Retryable failures are retried
// up to MaxRetries times, honoring Retry-After on 429s. The final error is
// a classified *Error.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal body: %w", op, err)
		}
	}

	for attempt := 0; ; attempt++ {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
		if err != nil {
			return fmt.Errorf("%s: build request: %w", op, err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.Prepare != nil {
			c.Prepare(req)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.MaxRetries {
				if werr := sleepContext(ctx, c.retryDelay(attempt+1, "")); werr != nil {
					return werr
				}
				continue
			}
			return &Error{Kind: KindRetryable, Op: op, Err: err}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return &Error{Kind: KindRetryable, Op: op, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("%s: decode response: %w", op, err)
				}
			}
			return nil
		}

		kind := classifyStatus(resp.StatusCode)
		if kind == KindRetryable && attempt < c.MaxRetries {
			delay := c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))
			slog.Debug("retrying upstream request", "op", op, "status", resp.StatusCode, "attempt", attempt+1, "delay", delay)
			if werr := sleepContext(ctx, delay); werr != nil {
				return werr
			}
			continue
		}

		return &Error{
			Kind:    kind,
			Status:  resp.StatusCode,
			Op:      op,
			Message: errorMessage(respBody),
		}
	}
}

// errorMessage extracts a human-readable message from an upstream error
// body, falling back to the raw body.
func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if ra := parseRetryAfter(retryAfterHeader); ra > 0 {
		if ra > c.MaxDelay {
			return c.MaxDelay
		}
		return ra
	}
	delay := c.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
