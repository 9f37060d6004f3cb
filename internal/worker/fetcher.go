package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultUserAgent identifies the harvester to tile servers.
	DefaultUserAgent = "tileharvest/1.0"

	// fetchChunkSize is the body read granularity. Between chunks the
	// fetcher checks the gate so pause and stop interrupt large tiles
	// quickly.
	fetchChunkSize = 8 * 1024

	maxRedirects = 3
)

// Fetch failure modes the pool keys its retry decision on.
var (
	// ErrNotImage flags a 200 response whose content type is not an image.
	// Some servers answer HTML error pages with status 200.
	ErrNotImage = errors.New("response is not an image")

	// ErrEmptyBody flags a 200 response with no payload. Retryable.
	ErrEmptyBody = errors.New("response body is empty")

	// ErrInterrupted means the fetch was cut short by pause or stop.
	ErrInterrupted = errors.New("fetch interrupted")
)

// HTTPError is a non-200 response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// Permanent reports whether retrying cannot help: the tile does not exist
// or the server refuses us outright.
func (e *HTTPError) Permanent() bool {
	return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusNotFound
}

// FetcherConfig tunes the HTTP layer.
type FetcherConfig struct {
	UserAgent string
	Timeout   time.Duration
	Gate      *Gate
}

// Fetcher downloads tiles over a shared keep-alive connection pool.
type Fetcher struct {
	client    *http.Client
	userAgent string
	gate      *Gate
}

// NewFetcher builds a fetcher. The transport is tuned for many concurrent
// requests against a handful of tile hosts: a large idle pool, no proxy
// lookups, and a short redirect chain.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Gate == nil {
		cfg.Gate = NewGate()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.MaxIdleConns = 500
	transport.MaxIdleConnsPerHost = 500

	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: cfg.UserAgent,
		gate:      cfg.Gate,
	}
}

// Fetch downloads one tile and returns its bytes. The body streams in
// chunks with a gate check between them, so a pause or stop aborts the
// read with ErrInterrupted instead of finishing a multi-megabyte tile.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: url}
	}

	if !acceptableContentType(resp.Header.Get("Content-Type")) {
		return nil, fmt.Errorf("%w: content type %q", ErrNotImage, resp.Header.Get("Content-Type"))
	}

	var body []byte
	if n := resp.ContentLength; n > 0 {
		body = make([]byte, 0, n)
	}
	chunk := make([]byte, fetchChunkSize)
	for {
		if f.gate.Stopped() || f.gate.Paused() {
			return nil, ErrInterrupted
		}
		n, err := resp.Body.Read(chunk)
		body = append(body, chunk[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, ErrInterrupted
			}
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
	}

	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	return body, nil
}

// acceptableContentType allows image types plus the octet-stream some tile
// servers use.
func acceptableContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	return strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "application/octet-stream")
}
