// Package fetch implements resilient HTTP retrieval with bounded retries.
//
// Transport faults (refused or reset connections, read errors, timeouts) are
// transient: they are retried with exponential backoff plus jitter. An HTTP
// response with an error status is final and is never retried.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// DefaultUserAgent identifies the client on every request.
const DefaultUserAgent = "tarif/1.0 (+https://github.com/hazyhaar/tarif)"

// ErrExhausted marks a fetch that failed every allowed attempt. The returned
// error also wraps the last transient cause.
var ErrExhausted = errors.New("fetch: retries exhausted")

var (
	errTooManyRedirects = errors.New("fetch: too many redirects")
	errBadRequest       = errors.New("fetch: invalid request")
)

// StatusError reports a non-success HTTP status. Status errors are final:
// the fetcher does not retry them.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: http %d", e.URL, e.Code)
}

// Result contains the outcome of a successful fetch. URL is the final
// request URL, which differs from the requested one after redirects.
type Result struct {
	Body       []byte
	StatusCode int
	URL        string
}

// Observer receives the outcome of every completed fetch: the final status
// code (0 when no response arrived), the total duration including retries,
// and the final error if any.
type Observer func(url string, statusCode int, duration time.Duration, err error)

// Config configures the fetcher.
type Config struct {
	Timeout   time.Duration // per-attempt HTTP timeout. Default: 20s.
	Retries   int           // attempts allowed after the first. Default: 4.
	BaseDelay time.Duration // backoff unit, doubled each attempt. Default: 600ms.
	JitterMax time.Duration // upper bound of random delay added to backoff. Default: 400ms.
	MaxBytes  int64         // max response body size. Default: 10MB.
	// UserAgent sent with requests.
	UserAgent string
	// Accept sent with requests.
	Accept string
	// MaxRedirects caps redirect chains. Default: 5.
	MaxRedirects int
	// Observer, when set, is notified after every Fetch.
	Observer Observer
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 4
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 600 * time.Millisecond
	}
	if c.JitterMax <= 0 {
		c.JitterMax = 400 * time.Millisecond
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024 // 10MB
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Accept == "" {
		c.Accept = "text/html,application/xhtml+xml"
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
}

// ImageConfig returns a Config tuned for binary asset retrieval: a longer
// per-attempt timeout and an image Accept header. Retry behavior is shared
// with page fetching.
func ImageConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Accept:  "image/*",
	}
}

// Fetcher performs HTTP GETs with retry on transient transport faults.
// Redirects are followed up to the configured cap and HTTP/2 upgrade is
// disabled so every request runs over HTTP/1.1.
type Fetcher struct {
	client *http.Client
	config Config
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ForceAttemptHTTP2 = false
	tr.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
	maxRedirects := cfg.MaxRedirects
	return &Fetcher{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: tr,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("%w (%d)", errTooManyRedirects, len(via))
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Fetch retrieves a URL. Transient transport faults are retried up to
// Config.Retries times; the sleep before retry k is 2^k * BaseDelay plus a
// random duration below JitterMax. A response with status >= 400 returns a
// *StatusError immediately. When every attempt fails the returned error wraps
// both ErrExhausted and the last cause and names the URL.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	start := time.Now()
	res, err := f.fetch(ctx, url)
	if f.config.Observer != nil {
		code := 0
		if res != nil {
			code = res.StatusCode
		}
		f.config.Observer(url, code, time.Since(start), err)
	}
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, url string) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt <= f.config.Retries; attempt++ {
		res, err := f.do(ctx, url)
		if err == nil {
			return res, nil
		}
		if !retryable(err) {
			return res, err
		}
		lastErr = err
		if attempt >= f.config.Retries {
			break
		}
		delay := time.Duration(1<<attempt)*f.config.BaseDelay +
			rand.N(f.config.JitterMax)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
	}

	return nil, fmt.Errorf("%w for %s after %d attempts: %w",
		ErrExhausted, url, f.config.Retries+1, lastErr)
}

// do performs a single attempt.
func (f *Fetcher) do(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", errBadRequest, url, err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", f.config.Accept)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	if resp.StatusCode >= 400 {
		return &Result{StatusCode: resp.StatusCode, URL: finalURL}, &StatusError{URL: url, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Result{Body: body, StatusCode: resp.StatusCode, URL: finalURL}, nil
}

// retryable classifies an attempt error. Only transport-level faults qualify:
// status errors, redirect-cap overflows, malformed requests, and parent
// context cancellation are final.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, errTooManyRedirects) || errors.Is(err, errBadRequest) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
