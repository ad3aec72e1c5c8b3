// Package fetcher downloads source data from the EEA data portal and other
// public endpoints, with rate limiting and retry on transient failures.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nesanders/MAenvironmentaldata/internal/resilience"
)

const defaultUserAgent = "AMEND data pipeline (https://github.com/nesanders/MAenvironmentaldata)"

// HTTPFetcher wraps net/http with a rate limiter and retry policy. Public
// data portals are shared infrastructure; the limiter keeps bulk pulls
// polite.
type HTTPFetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	retry     resilience.RetryConfig
}

// Options configures an HTTPFetcher. Zero values select defaults.
type Options struct {
	Timeout        time.Duration
	UserAgent      string
	RequestsPerSec float64
	Retry          *resilience.RetryConfig
}

// New creates a fetcher. Defaults: 60s timeout, 2 requests/second, the
// package retry policy.
func New(opts Options) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 2
	}
	retry := resilience.DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: opts.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1),
		userAgent: opts.UserAgent,
		retry:     retry,
	}
}

// Get fetches a URL and returns the response body. Transient HTTP statuses
// and network failures are retried.
func (f *HTTPFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	cfg := f.retry
	cfg.OnRetry = resilience.RetryLogger("fetcher", url)
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limit wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: build request for %s", url)
		}
		req.Header.Set("User-Agent", f.userAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: GET %s", url)
		}
		defer resp.Body.Close()

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(
				eris.Errorf("fetcher: GET %s: status %d", url, resp.StatusCode), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, eris.Errorf("fetcher: GET %s: status %d", url, resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: read body from %s", url)
		}
		return body, nil
	})
}

// Download fetches a URL to a local file via a temp file and rename, so a
// partial download never replaces a good copy.
func (f *HTTPFetcher) Download(ctx context.Context, url, dest string) error {
	body, err := f.Get(ctx, url)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return eris.Wrapf(err, "fetcher: create dir for %s", dest)
	}
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return eris.Wrapf(err, "fetcher: write %s", tmp)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return eris.Wrapf(err, "fetcher: finalize %s", dest)
	}
	zap.L().Info("fetcher: downloaded", zap.String("url", url), zap.String("dest", dest), zap.Int("bytes", len(body)))
	return nil
}
