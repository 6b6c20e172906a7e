package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL:    srv.URL,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		RatePerSec: 1000,
		Burst:      1000,
	})
}

func TestDoJSONSuccess(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"A1"}`))
	})

	var out struct {
		ID string `json:"id"`
	}
	if err := c.DoJSON(context.Background(), "GET", "/tasks/A1", nil, &out); err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if out.ID != "A1" {
		t.Errorf("decoded id: got %q", out.ID)
	}
}

func TestDoJSONRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	})

	if err := c.DoJSON(context.Background(), "GET", "/x", nil, nil); err != nil {
		t.Fatalf("DoJSON after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d, want 3", calls.Load())
	}
}

func TestDoJSONRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := c.DoJSON(context.Background(), "GET", "/x", nil, nil)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !IsRetryable(err) {
		t.Errorf("expected retryable classification, got %v", err)
	}
	if calls.Load() != 3 { // initial + 2 retries
		t.Errorf("calls: got %d, want 3", calls.Load())
	}
}

func TestDoJSONClassification(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusNotFound, IsNotFound, "not found"},
		{http.StatusUnauthorized, IsAuth, "auth"},
		{http.StatusForbidden, IsAuth, "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			err := c.DoJSON(context.Background(), "GET", "/x", nil, nil)
			if err == nil || !tt.check(err) {
				t.Errorf("status %d: got %v", tt.status, err)
			}
		})
	}
}

func TestDoJSONPermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"validation failed"}`))
	})

	err := c.DoJSON(context.Background(), "POST", "/x", map[string]string{"a": "b"}, nil)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Kind != KindPermanent {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if apiErr.Message != "validation failed" {
		t.Errorf("message: got %q", apiErr.Message)
	}
	if calls.Load() != 1 {
		t.Errorf("permanent error retried: %d calls", calls.Load())
	}
}

func TestDoJSONHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	start := time.Now()
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	})
	// Cap the delay well below the Retry-After header's one second.
	c.MaxDelay = 10 * time.Millisecond

	if err := c.DoJSON(context.Background(), "GET", "/x", nil, nil); err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Retry-After not capped by MaxDelay: waited %v", elapsed)
	}
}

func TestDoJSONContextCancellation(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := c.DoJSON(ctx, "GET", "/x", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLimiterWait(t *testing.T) {
	l := NewLimiter(100, 1)
	ctx := context.Background()

	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	// Bucket drained; the second token arrives after ~10ms.
	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("limiter did not throttle")
	}
}

func TestLimiterCancelled(t *testing.T) {
	l := NewLimiter(0.001, 1)
	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	cancelled, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(cancelled); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	if k, ok := KindOf(&Error{Kind: KindAuth}); !ok || k != KindAuth {
		t.Error("KindOf failed on direct error")
	}
	wrapped := &Error{Kind: KindNotFound}
	if !IsNotFound(wrapErr(wrapped)) {
		t.Error("KindOf failed through wrapping")
	}
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Error("plain error should not classify")
	}
}

func wrapErr(err error) error {
	return &wrapper{err}
}

type wrapper struct{ err error }

func (w *wrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }
