// Package fetch downloads repository metadata over HTTP with conditional
// requests, cached DNS resolution, jittered retry and per-host circuit
// breaking. Cache validators observed on each fetch are returned to the
// caller so the next fetch of the same URL can be answered cheaply or
// skipped entirely while the document is still fresh.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/sirupsen/logrus"

	"github.com/ralt/crosspkg/internal/models"
)

// ErrNotFound reports that the URL does not exist upstream. A missing
// index is a configuration problem, not a transient one, so it is never
// retried.
var ErrNotFound = errors.New("document not found")

// Status reports how a fetch was answered.
type Status int

const (
	// StatusFresh means a full new document body was downloaded.
	StatusFresh Status = iota
	// StatusNotModified means the cached copy is still valid, either
	// because the freshness window has not elapsed or because the server
	// answered 304 to a conditional request.
	StatusNotModified
)

// Result is the outcome of one fetch. Body is nil for StatusNotModified.
// Validators always carries the freshest set of cache validators known
// for the URL and must be persisted by the caller.
type Result struct {
	Status     Status
	Body       []byte
	Validators models.Validators
}

// Fetcher performs conditional HTTP fetches. It is safe for concurrent
// use. Close it when done to stop the background DNS refresh.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	now        func() time.Time

	stopRefresh chan struct{}
	closeOnce   sync.Once
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithMaxRetries sets the maximum retry attempts for transient failures.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) { f.maxRetries = n }
}

// WithBaseDelay sets the base delay for the retry backoff.
func WithBaseDelay(d time.Duration) Option {
	return func(f *Fetcher) { f.baseDelay = d }
}

// WithClock overrides the wall clock used for freshness decisions.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// NewFetcher creates a Fetcher. DNS lookups are cached and refreshed in
// the background so repeated syncs against the same mirrors do not
// re-resolve on every request.
func NewFetcher(opts ...Option) *Fetcher {
	resolver := &dnscache.Resolver{}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-stop:
				return
			}
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	f := &Fetcher{
		client: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					host, port, err := net.SplitHostPort(addr)
					if err != nil {
						return nil, err
					}
					ips, err := resolver.LookupHost(ctx, host)
					if err != nil {
						return nil, err
					}
					for _, ip := range ips {
						conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
						if err == nil {
							return conn, nil
						}
					}
					return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
				},
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		userAgent:   "crosspkg/1.0",
		maxRetries:  3,
		baseDelay:   500 * time.Millisecond,
		now:         time.Now,
		stopRefresh: stop,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Close stops the background DNS refresh and drops idle connections.
// Safe to call more than once.
func (f *Fetcher) Close() {
	f.closeOnce.Do(func() { close(f.stopRefresh) })
	f.client.CloseIdleConnections()
}

// Fetch retrieves rawURL, using the prior validators to avoid transfer
// when possible. While the prior freshness window has not elapsed the
// network is not touched at all. Otherwise a conditional GET is issued
// and a 304 answer revalidates the cached copy without a body transfer.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, prior models.Validators) (*Result, error) {
	if prior.Expires > 0 && f.now().Unix() < prior.Expires {
		logrus.Debugf("fetch: %s still fresh, skipping request", rawURL)
		return &Result{Status: StatusNotModified, Validators: prior}, nil
	}

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter so parallel syncs do not
			// hammer a recovering mirror in lockstep.
			delay := f.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			delay += time.Duration(float64(delay) * rand.Float64() * 0.1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, retryable, err := f.doFetch(ctx, rawURL, prior)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (f *Fetcher) doFetch(ctx context.Context, rawURL string, prior models.Validators) (*Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, &models.CatalogError{Type: models.ErrTransport, Context: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "*/*")
	if prior.ETag != "" {
		req.Header.Set("If-None-Match", prior.ETag)
	}
	if prior.LastModified != "" {
		req.Header.Set("If-Modified-Since", prior.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, true, &models.CatalogError{Type: models.ErrTransport, Context: rawURL, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, &models.CatalogError{Type: models.ErrTransport, Context: rawURL, Err: err}
		}
		return &Result{
			Status:     StatusFresh,
			Body:       body,
			Validators: f.validators(resp, int64(len(body))),
		}, false, nil

	case resp.StatusCode == http.StatusNotModified:
		v := f.validators(resp, prior.Size)
		// A 304 may omit the validators it confirmed; keep the prior ones.
		if v.ETag == "" {
			v.ETag = prior.ETag
		}
		if v.LastModified == "" {
			v.LastModified = prior.LastModified
		}
		return &Result{Status: StatusNotModified, Validators: v}, false, nil

	case resp.StatusCode == http.StatusNotFound:
		return nil, false, &models.CatalogError{Type: models.ErrTransport, Context: rawURL, Err: ErrNotFound}

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, &models.CatalogError{
			Type:    models.ErrTransport,
			Context: rawURL,
			Err:     fmt.Errorf("upstream returned %s", resp.Status),
		}

	default:
		return nil, false, &models.CatalogError{
			Type:    models.ErrTransport,
			Context: rawURL,
			Err:     fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
}

// validators extracts the cache validators from a response. The freshness
// deadline is derived from Cache-Control max-age minus the Age already
// accumulated at intermediaries.
func (f *Fetcher) validators(resp *http.Response, size int64) models.Validators {
	v := models.Validators{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Size:         size,
	}
	if window := freshnessWindow(resp.Header); window > 0 {
		v.Expires = f.now().Unix() + window
	}
	return v
}

// freshnessWindow returns the number of seconds the response may be
// reused without revalidation, or zero when the response is not cacheable
// by shared semantics.
func freshnessWindow(h http.Header) int64 {
	var maxAge int64 = -1
	for _, directive := range strings.Split(h.Get("Cache-Control"), ",") {
		directive = strings.TrimSpace(directive)
		if directive == "no-cache" || directive == "no-store" {
			return 0
		}
		if rest, ok := strings.CutPrefix(directive, "max-age="); ok {
			if n, err := strconv.ParseInt(rest, 10, 64); err == nil {
				maxAge = n
			}
		}
	}
	if maxAge < 0 {
		return 0
	}
	if age, err := strconv.ParseInt(h.Get("Age"), 10, 64); err == nil {
		maxAge -= age
	}
	if maxAge < 0 {
		return 0
	}
	return maxAge
}
