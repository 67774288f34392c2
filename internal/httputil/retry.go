package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/breeze-rmm/deltaupdate/internal/logging"
)

var log = logging.L("httputil")

// RetryConfig controls the retry behavior for HTTP requests.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize (e.g. 0.3 = ±30%)
}

// DefaultRetryConfig returns the defaults used for update-server checks and
// artifact downloads.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// NoRetry performs a single attempt.
func NoRetry() RetryConfig {
	return RetryConfig{BackoffFactor: 1}
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// Do sends method url until it gets a non-retryable response or the
// attempts in cfg run out. body is replayed on every attempt. A Retry-After
// header on a 429 or 503 overrides the computed delay, capped at MaxDelay.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, cfg RetryConfig) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}

	var (
		lastErr error
		wait    time.Duration
	)
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if wait <= 0 {
				wait = applyJitter(cfg.backoff(attempt), cfg.JitterFrac)
			}
			log.Debug("retrying request", "attempt", attempt, "delay", wait, logging.KeyURL, url)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			wait = 0
		}

		req, err := newRequest(ctx, method, url, body, headers)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		wait = retryAfter(resp.Header.Get("Retry-After"), cfg.MaxDelay, time.Now())
		resp.Body.Close()
		lastErr = &RetryableStatusError{StatusCode: resp.StatusCode, URL: logging.RedactURL(url)}
	}

	log.Warn("all retries exhausted",
		"method", method,
		logging.KeyURL, url,
		"attempts", cfg.MaxRetries+1,
		logging.KeyError, lastErr,
	)
	return nil, lastErr
}

func newRequest(ctx context.Context, method, url string, body []byte, headers http.Header) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, err
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff is the un-jittered delay before retry n (n >= 1).
func (c RetryConfig) backoff(n int) time.Duration {
	d := float64(c.InitialDelay)
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	for i := 1; i < n; i++ {
		d *= factor
		if c.MaxDelay > 0 && d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return time.Duration(d)
}

// retryAfter parses a Retry-After value in seconds or HTTP-date form.
// Unparseable or absent values return 0.
func retryAfter(v string, ceiling time.Duration, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = t.Sub(now)
	}
	if d < 0 {
		return 0
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// RetryableStatusError reports that the server was still answering with a
// retryable status when the attempts ran out.
type RetryableStatusError struct {
	StatusCode int
	URL        string
}

func (e *RetryableStatusError) Error() string {
	return fmt.Sprintf("%s: status %d %s after retries", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	d += time.Duration(float64(d) * frac * (2*rand.Float64() - 1))
	return max(d, 0)
}
