package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// retryPolicy bounds retries of idempotent requests.
type retryPolicy struct {
	maxRetries int
	base       time.Duration
}

// retryableError indicates a transient failure that can be retried.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// doWithRetry executes an HTTP request with backoff retry
// for transient errors (network failures, 5xx, 429). A zero policy sends once.
func doWithRetry(ctx context.Context, client *http.Client, policy retryPolicy, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= policy.maxRetries; attempt++ {
		if attempt > 0 {
			// Quadratic backoff with jitter.
			base := time.Duration(attempt*attempt) * policy.base
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < policy.maxRetries && ctx.Err() == nil {
				logger.Warn("request failed, will retry", "url", req.URL.Path, "error", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", attempt, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			if attempt < policy.maxRetries {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				resp.Body.Close()
				lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
				logger.Warn("server error, will retry", "status", resp.StatusCode, "url", req.URL.Path)
				continue
			}
		}

		return resp, nil
	}

	return nil, lastErr
}
