// Package httpretry provides an HTTP client with automatic retry logic,
// exponential backoff, and jitter for resilient external API calls.
//
// The retry budget here is the short inner loop that rides out one-off
// blips within a single send attempt. Longer outages are the job of the
// delivery pipeline's own retry state, which re-enqueues work with its
// own backoff; this client must stay well inside a worker's per-message
// time slice.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient wraps an HTTPDoer with retry logic using exponential backoff and jitter.
type RetryClient struct {
	client      HTTPDoer
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryClient creates a new RetryClient that wraps the given HTTPDoer.
// If client is nil, a default http.Client with 30s timeout is used.
// maxAttempts is the total number of attempts including the first request
// (default 3). Backoff between attempts is exponential from 1s, capped at
// 10s, with full jitter.
func NewRetryClient(client HTTPDoer, maxAttempts int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RetryClient{
		client:      client,
		maxAttempts: maxAttempts,
		baseDelay:   1 * time.Second,
		maxDelay:    10 * time.Second,
	}
}

// WithDelays overrides the backoff bounds. Useful when the target
// service documents its own retry window, and for fast test runs.
func (rc *RetryClient) WithDelays(base, max time.Duration) *RetryClient {
	if base > 0 {
		rc.baseDelay = base
	}
	if max > 0 {
		rc.maxDelay = max
	}
	return rc
}

// Do executes the HTTP request with retry logic.
// It retries on retryable status codes (408, 425, 429 and any 5xx) and on
// transient network/timeout errors. It does NOT retry other 4xx client
// errors or context cancellation. On the final attempt it returns the
// response as-is so the caller can inspect the status code and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	resp, _, err := rc.DoWithAttempts(req)
	return resp, err
}

// DoWithAttempts behaves like Do and additionally reports how many HTTP
// attempts were actually made, which callers record for delivery stats.
func (rc *RetryClient) DoWithAttempts(req *http.Request) (*http.Response, int, error) {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= rc.maxAttempts; attempt++ {
		// Check if context is already canceled
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, attempts, lastErr
			}
			return nil, attempts, req.Context().Err()
		}

		// Backoff before retry (skip on first attempt)
		if attempt > 1 {
			// Reset request body for retry if applicable
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, attempts, fmt.Errorf("httpretry: failed to reset request body: %w", err)
				}
				req.Body = body
			}

			delay := rc.calculateDelay(attempt)
			log.Printf("httpretry: retry attempt %d/%d for %s %s%s (waiting %s)",
				attempt, rc.maxAttempts, req.Method, req.URL.Host, req.URL.Path, delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, attempts, lastErr
				}
				return nil, attempts, req.Context().Err()
			}
		}

		attempts++
		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			// If the context was canceled/expired, don't retry
			if req.Context().Err() != nil {
				return nil, attempts, err
			}
			// Network/connection/timeout error, retry
			continue
		}

		// Non-retryable status code: return immediately (success or client error)
		if !RetryableStatus(resp.StatusCode) {
			return resp, attempts, nil
		}

		// If this is the last attempt, return the response as-is
		// so the caller can read the body and handle the error
		if attempt == rc.maxAttempts {
			return resp, attempts, nil
		}

		// Retryable status code: drain body for connection reuse, then retry
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
	}

	return nil, attempts, lastErr
}

// calculateDelay returns the backoff duration before the given attempt.
// Uses exponential backoff with full jitter: random(0, min(maxDelay, baseDelay * 2^(attempt-2))).
func (rc *RetryClient) calculateDelay(attempt int) time.Duration {
	// Exponential backoff: baseDelay * 2^(attempt-2), attempt 2 waits ~baseDelay
	expDelay := float64(rc.baseDelay) * math.Pow(2, float64(attempt-2))

	// Cap at maxDelay
	if expDelay > float64(rc.maxDelay) {
		expDelay = float64(rc.maxDelay)
	}

	// Full jitter: random duration between 0 and the calculated delay
	jittered := time.Duration(rand.Float64() * expDelay)

	// Ensure a minimum delay of 100ms to avoid busy-looping
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}

	return jittered
}

// RetryableStatus returns true if the HTTP status code indicates a
// transient condition worth retrying: 408 (Request Timeout), 425 (Too
// Early), 429 (Too Many Requests), or any 5xx server error.
// Other 4xx codes are permanent rejections and are never retried.
func RetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout: // 408
		return true
	case http.StatusTooEarly: // 425
		return true
	case http.StatusTooManyRequests: // 429
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}
