package netutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/resinat/tunnelcore/internal/dialer"
)

// RetryDownloader decorates a Downloader with proxy-chain retry logic: if a
// direct fetch fails, it retries the same URL through a resolved Proxy-Chain
// hop instead of giving up. Used for chain-manifest remote sync, so a
// manifest host blocked on the direct path can still be reached through
// whatever hop the last successfully loaded manifest already trusts.
type RetryDownloader struct {
	Direct Downloader
	// ProxyAttemptTimeout caps each proxy retry attempt duration.
	// If <= 0, it falls back to DirectDownloader.Timeout when available,
	// otherwise 30s.
	ProxyAttemptTimeout time.Duration
	HopPicker           func(target string) (dialer.ChainHop, error)
	ProxyFetch          func(ctx context.Context, hop dialer.ChainHop, url string) ([]byte, error)
}

// Download attempts direct download first, then falls back to proxy retries.
func (r *RetryDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := r.Direct.Download(ctx, url)
	if err == nil {
		return body, nil
	}

	if !shouldRetryViaProxy(err) {
		return nil, err
	}

	if r.HopPicker == nil || r.ProxyFetch == nil {
		return nil, err
	}

	// Respect caller cancellation/deadline: don't extend lifecycle beyond caller ctx.
	if ctx.Err() != nil {
		return nil, err
	}

	attemptTimeout := r.proxyAttemptTimeout()

	// Retry twice: the hop picker may return a different chain hop each
	// time if the manifest has more than one candidate for the target.
	for i := 0; i < 2; i++ {
		if ctx.Err() != nil {
			return nil, err
		}

		hop, pickErr := r.HopPicker(url)
		if pickErr != nil {
			continue
		}

		attemptCtx := ctx
		cancel := func() {}
		if attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, attemptTimeout)
		}
		body, fetchErr := r.ProxyFetch(attemptCtx, hop, url)
		cancel()
		if fetchErr == nil {
			return body, nil
		}
	}

	return nil, err
}

// HTTPStatusError reports an unexpected HTTP status; it is not retried via proxy.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("downloader: unexpected status %d from %s", e.StatusCode, e.URL)
}

// NonRetryableError wraps an error that is not retried via proxy.
type NonRetryableError struct{ Err error }

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

func shouldRetryViaProxy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return false
	}

	var nonRetryable *NonRetryableError
	return !errors.As(err, &nonRetryable)
}

func (r *RetryDownloader) proxyAttemptTimeout() time.Duration {
	if r.ProxyAttemptTimeout > 0 {
		return r.ProxyAttemptTimeout
	}
	if direct, ok := r.Direct.(*DirectDownloader); ok && direct != nil && direct.Timeout > 0 {
		return direct.Timeout
	}
	return 30 * time.Second
}
