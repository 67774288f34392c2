package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/breeze-rmm/deltaupdate/internal/httputil"
)

const httpTimeout = 30 * time.Minute

// HTTPFetcher downloads http and https URLs with retry on transient failures.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	retry     httputil.RetryConfig
}

// NewHTTPFetcher returns a fetcher using client, or a client with a generous
// timeout when nil.
func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	return &HTTPFetcher{client: client, userAgent: userAgent, retry: httputil.DefaultRetryConfig()}
}

// WithRetry overrides the retry policy.
func (h *HTTPFetcher) WithRetry(cfg httputil.RetryConfig) *HTTPFetcher {
	h.retry = cfg
	return h
}

func (h *HTTPFetcher) Fetch(ctx context.Context, u *url.URL, f *os.File, p *Progress) error {
	headers := http.Header{}
	if h.userAgent != "" {
		headers.Set("User-Agent", h.userAgent)
	}

	resp, err := httputil.Do(ctx, h.client, http.MethodGet, u.String(), nil, headers, h.retry)
	if err != nil {
		return fmt.Errorf("request artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status: %d", resp.StatusCode)
	}
	if err := p.Start(resp.ContentLength); err != nil {
		return err
	}

	n, err := io.Copy(p.Writer(f), resp.Body)
	if err != nil {
		return fmt.Errorf("write response body: %w", err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return fmt.Errorf("short download: got %d of %d bytes", n, resp.ContentLength)
	}
	return nil
}
