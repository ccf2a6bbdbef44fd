// Package fetcher retrieves source pages through an explicit session handle,
// with bounded retries and a politeness delay shared by every fetch.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tyler180/baseball-almanac-backends/internal/logger"
)

var (
	// ErrAbsent is structural: the source has no page for this unit. Never retried.
	ErrAbsent = errors.New("page not found at source")
	// ErrExhausted wraps the last transient cause once attempts run out.
	ErrExhausted = errors.New("fetch retries exhausted")
	// ErrNotReady means the page loaded without its expected content.
	ErrNotReady = errors.New("page content not ready")
)

type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	RetryAfter string
}

// Session is a browser-like handle: cookies and connection state persist
// across Open calls. One per worker.
type Session interface {
	Open(ctx context.Context, url string) (*Page, error)
	Close() error
}

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Cooldown    time.Duration // used on 429 without Retry-After
	MinDelay    time.Duration // politeness gap between any two fetches
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 6,
		BaseBackoff: 400 * time.Millisecond,
		MaxBackoff:  6 * time.Second,
		Cooldown:    7 * time.Second,
		MinDelay:    500 * time.Millisecond,
	}
}

// NewLimiter builds the politeness limiter. Share one across sessions that hit the same source.
func NewLimiter(minDelay time.Duration) *rate.Limiter {
	if minDelay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(minDelay), 1)
}

type Result struct {
	Page     *Page
	Attempts int
}

// Retries is the number of attempts beyond the first.
func (r Result) Retries() int {
	if r.Attempts <= 1 {
		return 0
	}
	return r.Attempts - 1
}

type Fetcher struct {
	session Session
	limiter *rate.Limiter
	cfg     Config
	ready   func(*Page) bool
	log     logger.Logger
	sleep   func(context.Context, time.Duration) error
}

type Option func(*Fetcher)

// WithReady sets the check a 2xx page must pass. A failing check is transient.
func WithReady(fn func(*Page) bool) Option { return func(f *Fetcher) { f.ready = fn } }

func WithLogger(l logger.Logger) Option { return func(f *Fetcher) { f.log = l } }

func New(session Session, limiter *rate.Limiter, cfg Config, opts ...Option) *Fetcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if limiter == nil {
		limiter = NewLimiter(cfg.MinDelay)
	}
	f := &Fetcher{session: session, limiter: limiter, cfg: cfg, log: logger.NewNop(), sleep: sleepCtx}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Fetcher) Close() error { return f.session.Close() }

// Fetch opens url, retrying transient failures with exponential backoff.
// Attempts is reported on every return path.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Result, error) {
	var (
		res  Result
		last error
	)
	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("politeness wait: %w", err)
		}
		res.Attempts = attempt + 1

		page, err := f.session.Open(ctx, url)
		if cerr := ctx.Err(); cerr != nil {
			return res, cerr
		}
		wait, retryable, err := f.classify(url, page, err)
		if err == nil {
			res.Page = page
			return res, nil
		}
		if !retryable {
			return res, err
		}
		last = err
		if attempt == f.cfg.MaxAttempts-1 {
			break
		}
		if wait == 0 {
			wait = backoff(attempt, f.cfg.BaseBackoff, f.cfg.MaxBackoff)
		}
		f.log.Debug("transient fetch failure; backing off",
			logger.String("url", url),
			logger.Int("attempt", res.Attempts),
			logger.Duration("wait", wait),
			logger.Error(err),
		)
		if err := f.sleep(ctx, wait); err != nil {
			return res, err
		}
	}
	return res, fmt.Errorf("%s: %w after %d attempts: %w", url, ErrExhausted, res.Attempts, last)
}

// classify decides whether a response is usable, transient or structural.
// A positive wait overrides the computed backoff.
func (f *Fetcher) classify(url string, p *Page, err error) (wait time.Duration, retryable bool, out error) {
	if err != nil {
		return 0, true, err
	}
	if p == nil {
		return 0, true, fmt.Errorf("empty response for %s", url)
	}
	switch code := p.StatusCode; {
	case code >= 200 && code < 300:
		if f.ready != nil && !f.ready(p) {
			return 0, true, fmt.Errorf("%s: %w", url, ErrNotReady)
		}
		return 0, false, nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return 0, false, fmt.Errorf("%s: status %d: %w", url, code, ErrAbsent)
	case code == http.StatusTooManyRequests:
		wait = parseRetryAfter(p.RetryAfter)
		if wait == 0 {
			wait = f.cfg.Cooldown
		}
		return wait, true, fmt.Errorf("%s: status %d", url, code)
	case code == http.StatusForbidden || code == http.StatusRequestTimeout || code >= 500:
		return 0, true, fmt.Errorf("%s: status %d", url, code)
	default:
		return 0, false, fmt.Errorf("%s: status %d (body len=%d)", url, code, len(p.Body))
	}
}

func parseRetryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff is exponential in attempt with up to base/2 of jitter, capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	d := base * time.Duration(1<<attempt)
	if half := int64(base / 2); half > 0 {
		d += time.Duration(rand.Int63n(half))
	}
	if max > 0 && d > max {
		return max
	}
	return d
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
