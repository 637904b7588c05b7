package analyzer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sitegrade/sitegrade/internal/retry"
)

const maxPageBytes = 5 * 1024 * 1024

// FetchConfig controls the page fetch client.
type FetchConfig struct {
	Timeout   time.Duration
	HostRPS   float64
	HostBurst int
	UserAgent string
}

// Fetcher retrieves pages politely: a per-host token bucket bounds the
// request rate so one noisy job cannot hammer a single origin.
type Fetcher struct {
	client    *http.Client
	userAgent string
	hostRate  rate.Limit
	hostBurst int

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

// NewFetcher constructs a Fetcher.
func NewFetcher(cfg FetchConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	r := rate.Limit(cfg.HostRPS)
	if cfg.HostRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.HostBurst
	if burst <= 0 {
		burst = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "sitegrade-bot/1.0"
	}
	return &Fetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		hostRate:  r,
		hostBurst: burst,
		hosts:     make(map[string]*rate.Limiter),
	}
}

// Fetch downloads one page, returning the body and status code. Non-2xx
// responses are returned as retry.HTTPError so the retry policy can
// classify them.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, int, error) {
	if err := f.waitHost(ctx, rawURL); err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &retry.HTTPError{StatusCode: resp.StatusCode, Message: rawURL}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// Head probes a link's accessibility without downloading the body. Some
// origins reject HEAD, so a 405 is retried once as a GET.
func (f *Fetcher) Head(ctx context.Context, rawURL string) (bool, error) {
	if err := f.waitHost(ctx, rawURL); err != nil {
		return false, err
	}
	ok, status, err := f.probe(ctx, http.MethodHead, rawURL)
	if err != nil {
		return false, err
	}
	if status == http.StatusMethodNotAllowed {
		ok, _, err = f.probe(ctx, http.MethodGet, rawURL)
		if err != nil {
			return false, err
		}
	}
	return ok, nil
}

func (f *Fetcher) probe(ctx context.Context, method, rawURL string) (bool, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return false, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return false, 0, fmt.Errorf("probe %s: %w", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if method == http.MethodGet {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	}
	return resp.StatusCode < 400, resp.StatusCode, nil
}

func (f *Fetcher) waitHost(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	f.mu.Lock()
	limiter, ok := f.hosts[host]
	if !ok {
		limiter = rate.NewLimiter(f.hostRate, f.hostBurst)
		f.hosts[host] = limiter
	}
	f.mu.Unlock()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("host rate wait: %w", err)
	}
	return nil
}
