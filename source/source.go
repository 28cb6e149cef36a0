// Package source fetches the latest activity of an X account from one of
// several upstreams and normalizes it into notifier events.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"xmonitor/pkg/notifier"
)

// ErrorKind classifies a fetch failure.
type ErrorKind int

// Fetch failure kinds.
const (
	NotFound ErrorKind = iota + 1
	RateLimited
	Timeout
	ParseFailure
	NoData
)

// Sentinels matched by errors.Is against any *FetchError of the same kind.
var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrTimeout      = errors.New("timeout")
	ErrParseFailure = errors.New("parse failure")
	ErrNoData       = errors.New("no data")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case NotFound:
		return ErrNotFound
	case RateLimited:
		return ErrRateLimited
	case Timeout:
		return ErrTimeout
	case ParseFailure:
		return ErrParseFailure
	default:
		return ErrNoData
	}
}

func (k ErrorKind) String() string {
	return strings.ReplaceAll(k.sentinel().Error(), " ", "_")
}

// FetchError is returned by every source operation.
type FetchError struct {
	Err      error
	Handle   string
	Strategy string
	Kind     ErrorKind
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s", e.Handle)
	if e.Strategy != "" {
		msg += " via " + e.Strategy
	}
	msg += ": " + e.Kind.sentinel().Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *FetchError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf returns the kind of the outermost FetchError in err, or 0.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// Strategy fetches recent events for a handle, newest first.
type Strategy interface {
	Name() string
	Latest(ctx context.Context, handle string, limit int) ([]notifier.Event, error)
}

// FollowerCounter is implemented by strategies that can report follower counts.
type FollowerCounter interface {
	Followers(ctx context.Context, handle string) (int, error)
}

// Observer receives one call per strategy attempt.
type Observer interface {
	ObserveFetch(strategy, op, status string, d time.Duration)
}

// Chain tries strategies in priority order.
type Chain struct {
	observer   Observer
	logger     *slog.Logger
	strategies []Strategy
	window     int
	timeout    time.Duration
}

// Config controls a Chain.
type Config struct {
	Observer Observer
	Window   int           // Events kept per fetch (default 5)
	Timeout  time.Duration // Per strategy attempt (default 10s)
}

// NewChain builds a chain over strategies, tried in the order given.
func NewChain(cfg Config, logger *slog.Logger, strategies ...Strategy) *Chain {
	if cfg.Window <= 0 {
		cfg.Window = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Chain{
		strategies: strategies,
		window:     cfg.Window,
		timeout:    cfg.Timeout,
		observer:   cfg.Observer,
		logger:     logger,
	}
}

// Strategies returns the strategy names in priority order.
func (c *Chain) Strategies() []string {
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name())
	}
	return names
}

// FetchLatest returns up to the window of newest events from the first
// strategy that yields any. Events whose kind is not in kinds are dropped
// afterwards; a strategy that yields only unwanted kinds still wins and the
// result is empty. When every strategy fails the error has kind NoData and
// wraps each strategy's error, so errors.Is(err, ErrRateLimited) reports
// whether any upstream throttled the request.
func (c *Chain) FetchLatest(ctx context.Context, handle string, kinds []notifier.Kind) ([]notifier.Event, error) {
	var errs []error
	for _, s := range c.strategies {
		events, err := c.attemptLatest(ctx, s, handle)
		if err != nil {
			c.logger.Debug("Strategy failed, falling through", "strategy", s.Name(), "handle", handle, "error", err)
			errs = append(errs, err)
			continue
		}
		if len(events) == 0 {
			errs = append(errs, &FetchError{Kind: NoData, Handle: handle, Strategy: s.Name()})
			continue
		}

		if len(events) > c.window {
			events = events[:c.window]
		}
		return filterKinds(events, kinds), nil
	}

	if ctx.Err() != nil {
		return nil, &FetchError{Kind: Timeout, Handle: handle, Err: ctx.Err()}
	}
	return nil, &FetchError{Kind: NoData, Handle: handle, Err: errors.Join(errs...)}
}

func (c *Chain) attemptLatest(ctx context.Context, s Strategy, handle string) ([]notifier.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	events, err := s.Latest(ctx, handle, c.window)
	err = normalize(ctx, err, handle, s.Name())
	c.observe(s.Name(), "latest", err, time.Since(start))
	return events, err
}

// FetchFollowerCount asks each strategy that can count followers, in order.
func (c *Chain) FetchFollowerCount(ctx context.Context, handle string) (int, error) {
	var errs []error
	for _, s := range c.strategies {
		fc, ok := s.(FollowerCounter)
		if !ok {
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		n, err := fc.Followers(attemptCtx, handle)
		err = normalize(attemptCtx, err, handle, s.Name())
		cancel()
		c.observe(s.Name(), "followers", err, time.Since(start))

		if err == nil {
			return n, nil
		}
		errs = append(errs, err)
	}

	if ctx.Err() != nil {
		return 0, &FetchError{Kind: Timeout, Handle: handle, Err: ctx.Err()}
	}
	return 0, &FetchError{Kind: NoData, Handle: handle, Err: errors.Join(errs...)}
}

func (c *Chain) observe(strategy, op string, err error, d time.Duration) {
	if c.observer == nil {
		return
	}
	status := "ok"
	if k := KindOf(err); k != 0 {
		status = k.String()
	}
	c.observer.ObserveFetch(strategy, op, status, d)
}

// normalize turns any strategy error into a *FetchError.
func normalize(ctx context.Context, err error, handle, strategy string) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Handle == "" {
			fe.Handle = handle
		}
		if fe.Strategy == "" {
			fe.Strategy = strategy
		}
		return fe
	}
	kind := NoData
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		kind = Timeout
	}
	return &FetchError{Kind: kind, Handle: handle, Strategy: strategy, Err: err}
}

func filterKinds(events []notifier.Event, kinds []notifier.Kind) []notifier.Event {
	if !slices.ContainsFunc(kinds, notifier.Kind.IsActivity) {
		return events
	}
	out := events[:0:0]
	for _, e := range events {
		if slices.Contains(kinds, e.Kind) {
			out = append(out, e)
		}
	}
	return out
}

const maxBodySize = 4 << 20

// httpGet fetches url, retrying transport errors and 5xx responses. 404 and
// 429 are returned immediately as NotFound and RateLimited.
func httpGet(ctx context.Context, client *http.Client, logger *slog.Logger, url string, header http.Header) ([]byte, error) {
	var body []byte

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			for k, v := range header {
				req.Header[k] = v
			}

			startTime := time.Now()
			resp, err := client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				logger.Debug("HTTP request failed", "url", url, "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			logger.Debug("HTTP request completed", "url", url, "status_code", resp.StatusCode, "duration_ms", duration.Milliseconds())

			switch {
			case resp.StatusCode == http.StatusNotFound:
				return retry.Unrecoverable(&FetchError{Kind: NotFound, Err: fmt.Errorf("HTTP %d", resp.StatusCode)})
			case resp.StatusCode == http.StatusTooManyRequests:
				return retry.Unrecoverable(&FetchError{Kind: RateLimited, Err: fmt.Errorf("HTTP %d", resp.StatusCode)})
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			case resp.StatusCode != http.StatusOK:
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(250*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("Retrying fetch after error", "attempt", n, "url", url, "error", err)
		}),
	)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, fmt.Errorf("after retries: %w", err)
	}
	return body, nil
}

var statusIDRegex = regexp.MustCompile(`/status(?:es)?/(\d+)`)

// statusID extracts the numeric status id from a permalink, so every
// strategy yields the same event id for the same post.
func statusID(link string) string {
	if m := statusIDRegex.FindStringSubmatch(link); m != nil {
		return m[1]
	}
	return ""
}

// Permalink returns the canonical x.com URL of a status.
func Permalink(handle, id string) string {
	return fmt.Sprintf("https://x.com/%s/status/%s", handle, id)
}

// parseCount parses follower counts such as "1,234" or "12.5K".
func parseCount(s string) (int, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, false
	}
	mult := 1.0
	switch strings.ToUpper(s[len(s)-1:]) {
	case "K":
		mult, s = 1e3, s[:len(s)-1]
	case "M":
		mult, s = 1e6, s[:len(s)-1]
	case "B":
		mult, s = 1e9, s[:len(s)-1]
	}
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return 0, false
	}
	return int(f*mult + 0.5), true
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
