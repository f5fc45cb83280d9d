package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/honua-io/honua-raster/raster"
)

// Client is the default Fetcher: file:// URIs (and bare paths) read straight
// from disk, http:// and https:// URIs issue Range GET requests. S3 and Azure
// Blob endpoints are reached through their HTTPS form.
type Client struct {
	httpClient  *http.Client
	maxAttempts uint64
	initialWait time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxAttempts bounds how many times a transient failure is attempted.
// Values below 1 are clamped to a single attempt.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n < 1 {
			n = 1
		}
		c.maxAttempts = uint64(n)
	}
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) { c.initialWait = d }
}

// NewClient builds a Client with 3 attempts and a 100ms initial backoff.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxAttempts: 3,
		initialWait: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func isRemote(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

func localPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

// FetchRange implements Fetcher.
func (c *Client) FetchRange(ctx context.Context, uri string, offset, length int64) ([]byte, error) {
	if err := validRange(offset, length); err != nil {
		return nil, permanent(uri, err)
	}
	if !isRemote(uri) {
		return c.fileRange(uri, offset, length)
	}
	return c.withRetry(ctx, uri, func(ctx context.Context) ([]byte, error) {
		return c.httpRange(ctx, uri, offset, length)
	})
}

// FetchRanges implements Fetcher.
func (c *Client) FetchRanges(ctx context.Context, uri string, ranges []Range) ([][]byte, error) {
	return fetchRangesVia(ctx, ranges, func(ctx context.Context, offset, length int64) ([]byte, error) {
		return c.FetchRange(ctx, uri, offset, length)
	})
}

// FetchAll implements Fetcher.
func (c *Client) FetchAll(ctx context.Context, uri string) ([]byte, error) {
	if !isRemote(uri) {
		data, err := os.ReadFile(localPath(uri))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, permanent(uri, ErrNotFound)
			}
			return nil, permanent(uri, err)
		}
		fetchBytes.WithLabelValues("file").Add(float64(len(data)))
		return data, nil
	}
	return c.withRetry(ctx, uri, func(ctx context.Context) ([]byte, error) {
		return c.httpGet(ctx, uri)
	})
}

// Size implements Fetcher.
func (c *Client) Size(ctx context.Context, uri string) (int64, error) {
	if !isRemote(uri) {
		fi, err := os.Stat(localPath(uri))
		if err != nil {
			if os.IsNotExist(err) {
				return 0, permanent(uri, ErrNotFound)
			}
			return 0, permanent(uri, err)
		}
		return fi.Size(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return 0, permanent(uri, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, transient(uri, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, permanent(uri, fmt.Errorf("head status %s", resp.Status))
	}
	if resp.ContentLength <= 0 {
		return 0, permanent(uri, fmt.Errorf("content length unavailable"))
	}
	return resp.ContentLength, nil
}

func (c *Client) fileRange(uri string, offset, length int64) ([]byte, error) {
	f, err := os.Open(localPath(uri))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, permanent(uri, ErrNotFound)
		}
		return nil, permanent(uri, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, permanent(uri, fmt.Errorf("read %d bytes at %d: %w", length, offset, err))
	}
	fetchBytes.WithLabelValues("file").Add(float64(length))
	return buf, nil
}

// withRetry runs fn under the client's retry policy. fn classifies its own
// failures: a *raster.RangeFetchError with Permanent set stops retrying.
func (c *Client) withRetry(ctx context.Context, uri string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	var out []byte
	op := func() error {
		data, err := fn(ctx)
		if err != nil {
			var rfe *raster.RangeFetchError
			if errors.As(err, &rfe) && rfe.Permanent {
				return backoff.Permanent(err)
			}
			fetchRetries.Inc()
			return err
		}
		out = data
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialWait
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.maxAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		var rfe *raster.RangeFetchError
		if errors.As(err, &rfe) {
			return nil, rfe
		}
		return nil, transient(uri, err)
	}
	return out, nil
}

func (c *Client) httpRange(ctx context.Context, uri string, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, permanent(uri, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transient(uri, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// expected
	case resp.StatusCode == http.StatusOK:
		// The server ignored the Range header. Treating this as success
		// would mean silently downloading whole files.
		return nil, permanent(uri, fmt.Errorf("server ignored range request, got 200"))
	case resp.StatusCode == http.StatusNotFound:
		return nil, permanent(uri, ErrNotFound)
	case resp.StatusCode == http.StatusForbidden:
		return nil, permanent(uri, fmt.Errorf("status %s", resp.Status))
	case resp.StatusCode >= 500:
		return nil, transient(uri, fmt.Errorf("status %s", resp.Status))
	default:
		return nil, permanent(uri, fmt.Errorf("unexpected status %s", resp.Status))
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return nil, permanent(uri, fmt.Errorf("short range body: %w", err))
	}
	fetchBytes.WithLabelValues(schemeOf(uri)).Add(float64(length))
	return buf, nil
}

func (c *Client) httpGet(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, permanent(uri, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transient(uri, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// expected
	case resp.StatusCode == http.StatusNotFound:
		return nil, permanent(uri, ErrNotFound)
	case resp.StatusCode == http.StatusForbidden:
		return nil, permanent(uri, fmt.Errorf("status %s", resp.Status))
	case resp.StatusCode >= 500:
		return nil, transient(uri, fmt.Errorf("status %s", resp.Status))
	default:
		return nil, permanent(uri, fmt.Errorf("unexpected status %s", resp.Status))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient(uri, err)
	}
	fetchBytes.WithLabelValues(schemeOf(uri)).Add(float64(len(data)))
	return data, nil
}

func schemeOf(uri string) string {
	if i := strings.Index(uri, "://"); i > 0 {
		return uri[:i]
	}
	return "file"
}
