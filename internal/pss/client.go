package pss

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"pss-watcher/internal/logger"
	"pss-watcher/internal/schedule"
)

const (
	// DefaultBaseURL is the production PSS API.
	DefaultBaseURL = "https://api.pixelstarships.com"

	rateLimitBackoff = 10 * time.Second
	maxRateRetries   = 5
	salesCacheSize   = 512
	salesCacheTTL    = 5 * time.Minute
	salesPageSize    = 20
	salesPageDelay   = 2 * time.Second
	unboundedTake    = 999999
)

var (
	// ErrFetchFailure marks a network, HTTP or decoding failure. Pollers treat it
	// as "skip this iteration".
	ErrFetchFailure = errors.New("pss fetch failed")
	// ErrRateLimited is returned once the rate-limit retries are exhausted.
	ErrRateLimited = errors.New("pss rate limited")
)

// TokenSource supplies access tokens for authenticated endpoints.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	// Invalidate forces the next AccessToken call to log in again.
	Invalidate()
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	MaxConcurrent int
	MinInterval   time.Duration
	Timeout       time.Duration
	Clock         schedule.Clock
}

// Client is a rate-limited PSS API client.
type Client struct {
	http        *http.Client
	baseURL     string
	tokens      TokenSource
	clock       schedule.Clock
	sem         *semaphore.Weighted
	mu          sync.Mutex
	lastReq     time.Time
	minInterval time.Duration

	sales      *lru.Cache // salesKey -> salesEntry
	salesGroup singleflight.Group
}

type salesKey struct {
	itemID     int32
	lookback   time.Duration
	maxSamples int
}

type salesEntry struct {
	sales     []Sale
	fetchedAt time.Time
}

// NewClient creates a PSS client. tokens may be nil when only public
// endpoints are used.
func NewClient(tokens TokenSource, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = schedule.Real{}
	}
	cache, _ := lru.New(salesCacheSize)
	return &Client{
		http:        &http.Client{Timeout: opts.Timeout},
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		tokens:      tokens,
		clock:       opts.Clock,
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		minInterval: opts.MinInterval,
		sales:       cache,
	}
}

// get performs a GET against path and returns the response body.
// Rate-limit responses are retried after a fixed backoff; an authorization
// failure invalidates the token and is retried once.
func (c *Client) get(ctx context.Context, path string, params url.Values, auth bool) ([]byte, error) {
	reauthed := false
	for attempt := 0; ; attempt++ {
		body, status, err := c.do(ctx, path, params, auth)
		if err != nil {
			return nil, err
		}
		text := string(body)
		switch {
		case status == http.StatusTooManyRequests || strings.Contains(text, "Too many"):
			if attempt >= maxRateRetries {
				return nil, fmt.Errorf("%s: %w", path, ErrRateLimited)
			}
			logger.Warn("PSS", fmt.Sprintf("Rate limited on %s, waiting %s", path, rateLimitBackoff))
			if err := c.clock.Sleep(ctx, rateLimitBackoff); err != nil {
				return nil, err
			}
			continue
		case auth && !reauthed && strings.Contains(text, "Failed to authorize"):
			logger.Warn("PSS", "Access token rejected, logging in again")
			c.tokens.Invalidate()
			reauthed = true
			continue
		case status != http.StatusOK:
			return nil, fmt.Errorf("%w: %s %d: %s", ErrFetchFailure, path, status, truncate(text, 200))
		}
		return body, nil
	}
}

// reserve claims the next free request slot and returns how long the caller
// must wait for it. Concurrent callers get distinct slots minInterval apart.
func (c *Client) reserve() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	slot := c.lastReq.Add(c.minInterval)
	if slot.Before(now) {
		slot = now
	}
	c.lastReq = slot
	return slot.Sub(now)
}

func (c *Client) do(ctx context.Context, path string, params url.Values, auth bool) ([]byte, int, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer c.sem.Release(1)

	// Space requests out; the API throttles bursts.
	if wait := c.reserve(); wait > 0 {
		if err := c.clock.Sleep(ctx, wait); err != nil {
			return nil, 0, err
		}
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	if auth {
		if c.tokens == nil {
			return nil, 0, fmt.Errorf("%w: %s requires an access token", ErrFetchFailure, path)
		}
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: access token: %v", ErrFetchFailure, err)
		}
		q.Set("accessToken", token)
	}

	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", "pss-watcher/1.0")
	req.Header.Set("Accept", "application/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrFetchFailure, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: read body: %v", ErrFetchFailure, path, err)
	}
	return body, resp.StatusCode, nil
}

// getRows fetches path and decodes every element named element.
func (c *Client) getRows(ctx context.Context, path string, params url.Values, auth bool, element string) ([]row, error) {
	body, err := c.get(ctx, path, params, auth)
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows(bytes.NewReader(body), element)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "Failed to authorize") && c.tokens != nil {
			c.tokens.Invalidate()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailure, path, err)
	}
	return rows, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
