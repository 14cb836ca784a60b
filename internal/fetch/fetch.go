// Package fetch retrieves resource bytes from the origin server.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
)

// Fetcher retrieves the bytes behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Func adapts a function to the Fetcher interface.
type Func func(ctx context.Context, url string) ([]byte, error)

// Fetch implements Fetcher.
func (f Func) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// DefaultMaxBodyBytes caps a single response body.
const DefaultMaxBodyBytes = 32 << 20

// HTTPFetcher fetches resources over HTTP(S). Relative URLs are resolved
// against BaseURL; the caller's key is never rewritten.
type HTTPFetcher struct {
	client  *http.Client
	baseURL *url.URL
	maxBody int64
	agent   string
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithClient replaces the underlying HTTP client.
func WithClient(client *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithTimeout sets the per-request timeout. Zero means no timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(f *HTTPFetcher) {
		f.client.Timeout = d
	}
}

// WithMaxBodyBytes caps the accepted response size.
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(agent string) HTTPOption {
	return func(f *HTTPFetcher) {
		f.agent = agent
	}
}

// NewHTTPFetcher creates a fetcher. baseURL may be empty when every
// requested URL is absolute.
func NewHTTPFetcher(baseURL string, opts ...HTTPOption) (*HTTPFetcher, error) {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxBody: DefaultMaxBodyBytes,
		agent:   "mapcache",
	}

	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, platformerrors.Newf(platformerrors.CodeInvalidConfig, "invalid base url %q", baseURL)
		}
		f.baseURL = u
	}

	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Resolve returns the absolute URL that will be requested for raw.
func (f *HTTPFetcher) Resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "invalid url %q", raw)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if f.baseURL == nil {
		return "", platformerrors.Newf(platformerrors.CodeInvalidInput,
			"relative url %q requires a base url", raw)
	}
	// keep the base path when the reference is rooted
	if strings.HasPrefix(raw, "/") && f.baseURL.Path != "" && f.baseURL.Path != "/" {
		return strings.TrimSuffix(f.baseURL.String(), "/") + raw, nil
	}
	return f.baseURL.ResolveReference(u).String(), nil
}

// Fetch performs a GET and returns the body. Non-2xx responses and
// transport failures are returned as coded errors carrying the URL.
func (f *HTTPFetcher) Fetch(ctx context.Context, raw string) ([]byte, error) {
	target, err := f.Resolve(raw)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "failed to create request for %q", raw)
	}
	if f.agent != "" {
		req.Header.Set("User-Agent", f.agent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s: %w", raw, ctx.Err())
		}
		return nil, platformerrors.WithContext(
			platformerrors.Wrapf(err, platformerrors.CodeNetwork, "request to %s failed", raw), "url", raw)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, statusError(raw, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, platformerrors.WithContext(
			platformerrors.Wrapf(err, platformerrors.CodeNetwork, "failed to read body of %s", raw), "url", raw)
	}
	if int64(len(body)) > f.maxBody {
		return nil, platformerrors.WithContext(
			platformerrors.Newf(platformerrors.CodeInvalidInput, "response exceeds %d bytes", f.maxBody), "url", raw)
	}

	return body, nil
}

func statusError(raw string, status int) error {
	code := platformerrors.CodeNetwork
	switch {
	case status == http.StatusNotFound:
		code = platformerrors.CodeNotFound
	case status == http.StatusTooManyRequests:
		code = platformerrors.CodeRateLimit
	case status >= 500:
		code = platformerrors.CodeUnavailable
	}

	err := platformerrors.Newf(code, "origin returned status %d for %s", status, raw)
	return platformerrors.WithContextMap(err, map[string]interface{}{
		"url":    raw,
		"status": status,
	})
}
