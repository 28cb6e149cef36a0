// Package poll runs the periodic check of every active watch.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"xmonitor/diff"
	"xmonitor/pkg/notifier"
	"xmonitor/registry"
	"xmonitor/source"
)

// Fetcher reads upstream activity.
type Fetcher interface {
	FetchLatest(ctx context.Context, handle string, kinds []notifier.Kind) ([]notifier.Event, error)
	FetchFollowerCount(ctx context.Context, handle string) (int, error)
}

// Store is the part of the watch registry the poller reads and advances.
type Store interface {
	ListAll() []registry.Entry
	UpdateCursor(ctx context.Context, chatID, handle, cursor string) error
	UpdateFollowerBaseline(ctx context.Context, chatID, handle string, count int) error
	MarkPolled(chatID, handle string, at time.Time) error
	Stats() notifier.Stats
}

// Notifier delivers notifications.
type Notifier interface {
	NotifyEvents(ctx context.Context, chatID, handle string, events []notifier.Event) (int, error)
	NotifyFollowers(ctx context.Context, chatID, handle string, d diff.FollowerDecision) error
}

// Observer receives tick outcomes.
type Observer interface {
	ObserveTick(result string, d time.Duration)
	SetRegistrySize(subscribers, watches int)
}

// State is the scheduler state.
type State int32

// Scheduler states.
const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// TickResult summarizes one completed tick.
type TickResult struct {
	Started     time.Time     `json:"started"`
	ID          string        `json:"id"`
	Duration    time.Duration `json:"duration"`
	Watches     int           `json:"watches"`
	Inactive    int           `json:"inactive"`
	Fetched     int           `json:"fetched"`
	Notified    int           `json:"notified"`
	Failed      int           `json:"failed"`
	Panicked    int           `json:"panicked"`
	Workers     int           `json:"workers"`
	RateLimited bool          `json:"rate_limited"`
}

// Config controls a Scheduler.
type Config struct {
	Observer Observer
	Workers  int     // Concurrent watch jobs per tick (default 2)
	Rate     float64 // Upstream requests per second, 0 disables pacing
	Burst    int     // Limiter burst (default 1)
}

// Scheduler polls every active watch once per tick. Ticks never overlap.
type Scheduler struct {
	fetcher  Fetcher
	store    Store
	notifier Notifier
	observer Observer
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
	workers  int

	state atomic.Int32

	mu   sync.Mutex
	last TickResult
}

// New creates a scheduler.
func New(cfg Config, fetcher Fetcher, store Store, n Notifier, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	return &Scheduler{
		fetcher:  fetcher,
		store:    store,
		notifier: n,
		observer: cfg.Observer,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		logger:   logger,
		now:      time.Now,
		workers:  cfg.Workers,
	}
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// LastTick returns the most recent completed tick.
func (s *Scheduler) LastTick() TickResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// tick holds the per-tick state shared by workers.
type tick struct {
	id      string
	limit   atomic.Int32
	limited atomic.Bool

	fetched  atomic.Int32
	notified atomic.Int32
	failed   atomic.Int32
	panicked atomic.Int32
	inactive atomic.Int32

	group     singleflight.Group
	mu        sync.Mutex
	latest    map[string]fetchResult[[]notifier.Event]
	followers map[string]fetchResult[int]
}

type fetchResult[T any] struct {
	val T
	err error
}

// halve reduces the worker limit after an upstream throttle.
func (t *tick) halve() int32 {
	for {
		cur := t.limit.Load()
		next := max(cur/2, 1)
		if cur == next || t.limit.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Tick runs one pass over all watches. It returns skipped=true without
// doing any work when a tick is already running.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, bool) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		s.logger.Warn("Previous tick still running, skipping")
		if s.observer != nil {
			s.observer.ObserveTick("skipped", 0)
		}
		return TickResult{}, true
	}
	defer s.state.Store(int32(Idle))

	start := s.now()
	t := &tick{
		id:        uuid.NewString(),
		latest:    make(map[string]fetchResult[[]notifier.Event]),
		followers: make(map[string]fetchResult[int]),
	}
	t.limit.Store(int32(s.workers))

	entries := s.store.ListAll()
	s.logger.Info("Tick started", "tick_id", t.id, "watches", len(entries), "workers", s.workers)

	jobs := make(chan registry.Entry)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for _, e := range entries {
			select {
			case jobs <- e:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for i := range s.workers {
		g.Go(func() error {
			for e := range jobs {
				s.runJob(gctx, t, e)
				if int32(i) >= t.limit.Load() {
					s.logger.Debug("Worker exiting after rate limit", "tick_id", t.id, "worker", i)
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait() // jobs never return errors; failures are counted per watch

	result := TickResult{
		ID:          t.id,
		Started:     start,
		Duration:    s.now().Sub(start),
		Watches:     len(entries),
		Inactive:    int(t.inactive.Load()),
		Fetched:     int(t.fetched.Load()),
		Notified:    int(t.notified.Load()),
		Failed:      int(t.failed.Load()),
		Panicked:    int(t.panicked.Load()),
		Workers:     int(t.limit.Load()),
		RateLimited: t.limited.Load(),
	}

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()

	if s.observer != nil {
		outcome := "completed"
		if result.Panicked > 0 {
			outcome = "panicked"
		}
		s.observer.ObserveTick(outcome, result.Duration)
		stats := s.store.Stats()
		s.observer.SetRegistrySize(stats.SubscriberCount, stats.WatchCount)
	}

	s.logger.Info("Tick completed",
		"tick_id", t.id,
		"watches", result.Watches,
		"inactive", result.Inactive,
		"fetched", result.Fetched,
		"notified", result.Notified,
		"failed", result.Failed,
		"panicked", result.Panicked,
		"rate_limited", result.RateLimited,
		"duration_ms", result.Duration.Milliseconds())
	return result, false
}

func (s *Scheduler) runJob(ctx context.Context, t *tick, e registry.Entry) {
	defer func() {
		if r := recover(); r != nil {
			t.failed.Add(1)
			t.panicked.Add(1)
			s.logger.Error("Panic while polling watch",
				"tick_id", t.id,
				"chat_id", e.ChatID,
				"handle", e.Watch.Handle,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	if ctx.Err() != nil {
		return
	}
	if !e.Watch.Active() {
		t.inactive.Add(1)
		return
	}

	if err := s.pollWatch(ctx, t, e); err != nil {
		t.failed.Add(1)
		if errors.Is(err, source.ErrRateLimited) {
			t.limited.Store(true)
			n := t.halve()
			s.logger.Warn("Upstream rate limited, reducing workers", "tick_id", t.id, "handle", e.Watch.Handle, "workers", n)
		}
		s.logger.Warn("Watch check failed",
			"tick_id", t.id,
			"chat_id", e.ChatID,
			"handle", e.Watch.Handle,
			"error", err)
	}

	if err := s.store.MarkPolled(e.ChatID, e.Watch.Handle, s.now()); err != nil && !errors.Is(err, registry.ErrNotWatched) {
		s.logger.Warn("Failed to mark watch polled", "chat_id", e.ChatID, "handle", e.Watch.Handle, "error", err)
	}
}

func (s *Scheduler) pollWatch(ctx context.Context, t *tick, e registry.Entry) error {
	w := e.Watch
	var errs []error

	if w.WantsActivity() {
		if err := s.pollActivity(ctx, t, e); err != nil {
			errs = append(errs, err)
		}
	}
	if w.WantsFollowers() {
		if err := s.pollFollowers(ctx, t, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pollActivity diffs the unfiltered event stream so the cursor never depends
// on the watch's kind filter; only notifications are filtered.
func (s *Scheduler) pollActivity(ctx context.Context, t *tick, e registry.Entry) error {
	w := e.Watch
	events, err := s.latest(ctx, t, w.Handle)
	if err != nil {
		return fmt.Errorf("fetch latest: %w", err)
	}

	d := diff.Decide(w.Cursor, events)
	s.logger.Debug("Events compared",
		"tick_id", t.id,
		"chat_id", e.ChatID,
		"handle", w.Handle,
		"outcome", d.Outcome.String(),
		"stored_cursor", w.Cursor,
		"cursor", d.Cursor,
		"new", len(d.Events))

	var errs []error
	switch d.Outcome {
	case diff.Empty, diff.Unchanged:
		return nil
	case diff.Baseline:
		s.logger.Info("Initial cursor recorded", "chat_id", e.ChatID, "handle", w.Handle, "cursor", d.Cursor)
	case diff.Advanced:
		if d.Gap {
			s.logger.Warn("Stored cursor not in fetched window, notifying newest only",
				"chat_id", e.ChatID,
				"handle", w.Handle,
				"stored_cursor", w.Cursor,
				"newest", d.Cursor)
		}
		wanted := slices.DeleteFunc(d.Events, func(ev notifier.Event) bool { return !w.Has(ev.Kind) })
		if len(wanted) > 0 {
			n, err := s.notifier.NotifyEvents(ctx, e.ChatID, w.Handle, wanted)
			t.notified.Add(int32(n))
			if err != nil {
				errs = append(errs, fmt.Errorf("notify: %w", err))
			}
		}
	}

	// The cursor advances even when delivery failed.
	if err := s.store.UpdateCursor(ctx, e.ChatID, w.Handle, d.Cursor); err != nil && !errors.Is(err, registry.ErrNotWatched) {
		errs = append(errs, fmt.Errorf("update cursor: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) pollFollowers(ctx context.Context, t *tick, e registry.Entry) error {
	w := e.Watch
	count, err := s.followerCount(ctx, t, w.Handle)
	if err != nil {
		return fmt.Errorf("fetch followers: %w", err)
	}

	d := diff.Followers(w.FollowerBaseline, count)
	var errs []error
	switch d.Outcome {
	case diff.FollowersUnchanged:
		return nil
	case diff.FollowersBaseline:
		s.logger.Info("Initial follower count recorded", "chat_id", e.ChatID, "handle", w.Handle, "followers", count)
	case diff.FollowersChanged:
		if w.Has(d.Kind()) {
			if err := s.notifier.NotifyFollowers(ctx, e.ChatID, w.Handle, d); err != nil {
				errs = append(errs, fmt.Errorf("notify: %w", err))
			} else {
				t.notified.Add(1)
			}
		}
	}

	if err := s.store.UpdateFollowerBaseline(ctx, e.ChatID, w.Handle, count); err != nil && !errors.Is(err, registry.ErrNotWatched) {
		errs = append(errs, fmt.Errorf("update follower baseline: %w", err))
	}
	return errors.Join(errs...)
}

// latest fetches a handle's activity once per tick, however many
// subscribers watch it.
func (s *Scheduler) latest(ctx context.Context, t *tick, handle string) ([]notifier.Event, error) {
	key := notifier.HandleKey(handle)
	t.mu.Lock()
	r, ok := t.latest[key]
	t.mu.Unlock()
	if ok {
		return r.val, r.err
	}

	v, err, _ := t.group.Do("latest:"+key, func() (any, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		t.fetched.Add(1)
		events, err := s.fetcher.FetchLatest(ctx, handle, nil)
		t.mu.Lock()
		t.latest[key] = fetchResult[[]notifier.Event]{val: events, err: err}
		t.mu.Unlock()
		return events, err
	})
	events, _ := v.([]notifier.Event)
	return events, err
}

func (s *Scheduler) followerCount(ctx context.Context, t *tick, handle string) (int, error) {
	key := notifier.HandleKey(handle)
	t.mu.Lock()
	r, ok := t.followers[key]
	t.mu.Unlock()
	if ok {
		return r.val, r.err
	}

	v, err, _ := t.group.Do("followers:"+key, func() (any, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		t.fetched.Add(1)
		n, err := s.fetcher.FetchFollowerCount(ctx, handle)
		t.mu.Lock()
		t.followers[key] = fetchResult[int]{val: n, err: err}
		t.mu.Unlock()
		return n, err
	})
	n, _ := v.(int)
	return n, err
}
