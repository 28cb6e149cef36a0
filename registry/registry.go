// Package registry maps subscribers to their watched handles.
//
// The registry keeps an in-memory copy of every subscriber and writes the
// affected subscriber through the storage backend before a mutation returns.
// A failed write leaves the in-memory state untouched.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"xmonitor/pkg/notifier"
	"xmonitor/storage"
)

// PersistenceKind classifies a persistence failure.
type PersistenceKind int

// Persistence failure kinds.
const (
	IOFailure PersistenceKind = iota
	CorruptState
)

func (k PersistenceKind) String() string {
	if k == CorruptState {
		return "corrupt_state"
	}
	return "io_failure"
}

// PersistenceError is returned when a mutation could not be made durable.
type PersistenceError struct {
	Err    error
	ChatID string
	Kind   PersistenceKind
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist subscriber %s (%s): %v", e.ChatID, e.Kind, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err is a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// ErrNotWatched is returned by single-watch mutations when the handle is absent.
var ErrNotWatched = errors.New("handle is not watched")

// Backend is the durable store behind the registry.
type Backend interface {
	Save(ctx context.Context, sub *notifier.Subscriber) error
	List(ctx context.Context) ([]*notifier.Subscriber, error)
}

// Entry is one (subscriber, watch) pair. Watch is a copy.
type Entry struct {
	Watch  *notifier.Watch
	ChatID string
}

// Registry is safe for concurrent use. Mutations of different subscribers
// proceed in parallel; mutations of one subscriber are serialized.
type Registry struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	subs  map[string]*notifier.Subscriber
	locks map[string]*sync.Mutex
}

// New creates an empty registry. Call Load to read existing state.
func New(backend Backend, logger *slog.Logger) *Registry {
	return &Registry{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		subs:    make(map[string]*notifier.Subscriber),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Load replaces the in-memory state with the backend contents.
func (r *Registry) Load(ctx context.Context) error {
	subs, err := r.backend.List(ctx)
	if err != nil {
		kind := IOFailure
		if errors.Is(err, storage.ErrCorrupt) {
			kind = CorruptState
		}
		return &PersistenceError{Kind: kind, Err: err}
	}

	loaded := make(map[string]*notifier.Subscriber, len(subs))
	for _, sub := range subs {
		if _, dup := loaded[sub.ChatID]; dup {
			r.logger.Warn("Duplicate subscriber record, keeping first", "chat_id", sub.ChatID)
			continue
		}
		loaded[sub.ChatID] = sub
	}

	r.mu.Lock()
	r.subs = loaded
	r.mu.Unlock()

	stats := r.Stats()
	r.logger.Info("Registry loaded", "subscribers", stats.SubscriberCount, "watches", stats.WatchCount)
	return nil
}

func (r *Registry) lockFor(chatID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[chatID] = l
	}
	return l
}

// mutate applies fn to a copy of the subscriber and commits it only if the
// backend save succeeds. fn reports whether anything changed; unchanged
// copies are not written. create controls whether a missing subscriber is
// created.
func (r *Registry) mutate(ctx context.Context, chatID string, create bool, fn func(sub *notifier.Subscriber) (bool, error)) error {
	l := r.lockFor(chatID)
	l.Lock()
	defer l.Unlock()

	r.mu.RLock()
	current, ok := r.subs[chatID]
	var next *notifier.Subscriber
	if ok {
		next = current.Clone()
	}
	r.mu.RUnlock()

	isNew := false
	switch {
	case ok:
	case create:
		isNew = true
		next = &notifier.Subscriber{
			ChatID:    chatID,
			CreatedAt: r.now().UTC(),
			Watches:   make(map[string]*notifier.Watch),
		}
	default:
		return ErrNotWatched
	}

	changed, err := fn(next)
	if err != nil {
		return err
	}
	if !changed && !isNew {
		return nil
	}

	if err := r.backend.Save(ctx, next); err != nil {
		return &PersistenceError{Kind: IOFailure, ChatID: chatID, Err: err}
	}

	r.mu.Lock()
	r.subs[chatID] = next
	r.mu.Unlock()
	return nil
}

// EnsureSubscriber creates an empty subscriber record if none exists.
func (r *Registry) EnsureSubscriber(ctx context.Context, chatID string) error {
	return r.mutate(ctx, chatID, true, func(*notifier.Subscriber) (bool, error) {
		return false, nil
	})
}

// AddWatch adds handle for chatID. Adding a handle that is already watched
// is a no-op and reports added=false; cursor and kinds are preserved.
func (r *Registry) AddWatch(ctx context.Context, chatID, handle string) (added bool, err error) {
	handle = notifier.NormalizeHandle(handle)
	key := notifier.HandleKey(handle)
	if key == "" {
		return false, errors.New("empty handle")
	}

	err = r.mutate(ctx, chatID, true, func(sub *notifier.Subscriber) (bool, error) {
		if _, exists := sub.Watches[key]; exists {
			return false, nil
		}
		sub.Watches[key] = &notifier.Watch{
			Handle:    handle,
			Kinds:     []notifier.Kind{},
			CreatedAt: r.now().UTC(),
		}
		added = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if added {
		r.logger.Info("Watch added", "chat_id", chatID, "handle", handle)
	}
	return added, nil
}

// RemoveWatch removes handle for chatID. Removing an absent handle is a no-op.
func (r *Registry) RemoveWatch(ctx context.Context, chatID, handle string) (removed bool, err error) {
	key := notifier.HandleKey(handle)
	err = r.mutate(ctx, chatID, true, func(sub *notifier.Subscriber) (bool, error) {
		if _, exists := sub.Watches[key]; !exists {
			return false, nil
		}
		delete(sub.Watches, key)
		removed = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		r.logger.Info("Watch removed", "chat_id", chatID, "handle", handle)
	}
	return removed, nil
}

// SetNotificationKinds unions kinds into the watch's enabled set.
func (r *Registry) SetNotificationKinds(ctx context.Context, chatID, handle string, kinds ...notifier.Kind) error {
	return r.updateWatch(ctx, chatID, handle, func(w *notifier.Watch) bool {
		changed := false
		for _, k := range kinds {
			if !w.Has(k) {
				w.Kinds = append(w.Kinds, k)
				changed = true
			}
		}
		if changed {
			slices.SortFunc(w.Kinds, func(a, b notifier.Kind) int {
				return cmp.Compare(slices.Index(notifier.AllKinds, a), slices.Index(notifier.AllKinds, b))
			})
		}
		return changed
	})
}

// ClearNotificationKinds deactivates the watch without touching its cursor.
func (r *Registry) ClearNotificationKinds(ctx context.Context, chatID, handle string) error {
	return r.updateWatch(ctx, chatID, handle, func(w *notifier.Watch) bool {
		if len(w.Kinds) == 0 {
			return false
		}
		w.Kinds = []notifier.Kind{}
		return true
	})
}

// UpdateCursor stores the last seen event id.
func (r *Registry) UpdateCursor(ctx context.Context, chatID, handle, cursor string) error {
	return r.updateWatch(ctx, chatID, handle, func(w *notifier.Watch) bool {
		if w.Cursor == cursor {
			return false
		}
		w.Cursor = cursor
		return true
	})
}

// UpdateFollowerBaseline stores the last observed follower count.
func (r *Registry) UpdateFollowerBaseline(ctx context.Context, chatID, handle string, count int) error {
	return r.updateWatch(ctx, chatID, handle, func(w *notifier.Watch) bool {
		if w.FollowerBaseline != nil && *w.FollowerBaseline == count {
			return false
		}
		w.FollowerBaseline = &count
		return true
	})
}

// MarkPolled records when the watch was last polled. The timestamp is kept
// in memory and persisted with the next durable change to the subscriber.
// It holds the chat lock so an in-flight mutation cannot drop the timestamp.
func (r *Registry) MarkPolled(chatID, handle string, at time.Time) error {
	l := r.lockFor(chatID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[chatID]
	if !ok {
		return ErrNotWatched
	}
	w, ok := sub.Watches[notifier.HandleKey(handle)]
	if !ok {
		return ErrNotWatched
	}
	w.LastPolledAt = at.UTC()
	return nil
}

func (r *Registry) updateWatch(ctx context.Context, chatID, handle string, fn func(w *notifier.Watch) bool) error {
	key := notifier.HandleKey(handle)
	return r.mutate(ctx, chatID, false, func(sub *notifier.Subscriber) (bool, error) {
		w, ok := sub.Watches[key]
		if !ok {
			return false, ErrNotWatched
		}
		return fn(w), nil
	})
}

// Watch returns a copy of one watch.
func (r *Registry) Watch(chatID, handle string) (*notifier.Watch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[chatID]
	if !ok {
		return nil, false
	}
	w, ok := sub.Watches[notifier.HandleKey(handle)]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// ListWatchesFor returns copies of chatID's watches ordered by handle.
func (r *Registry) ListWatchesFor(chatID string) []*notifier.Watch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[chatID]
	if !ok {
		return nil
	}
	return sortedWatches(sub)
}

// ListAll returns a snapshot of every (subscriber, watch) pair ordered by
// chat id then handle. The snapshot is unaffected by later mutations.
func (r *Registry) ListAll() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chatIDs := make([]string, 0, len(r.subs))
	for id := range r.subs {
		chatIDs = append(chatIDs, id)
	}
	slices.Sort(chatIDs)

	var entries []Entry
	for _, id := range chatIDs {
		for _, w := range sortedWatches(r.subs[id]) {
			entries = append(entries, Entry{ChatID: id, Watch: w})
		}
	}
	return entries
}

// Stats counts subscribers and watches.
func (r *Registry) Stats() notifier.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := notifier.Stats{SubscriberCount: len(r.subs)}
	for _, sub := range r.subs {
		s.WatchCount += len(sub.Watches)
	}
	return s
}

func sortedWatches(sub *notifier.Subscriber) []*notifier.Watch {
	keys := make([]string, 0, len(sub.Watches))
	for k := range sub.Watches {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]*notifier.Watch, 0, len(keys))
	for _, k := range keys {
		out = append(out, sub.Watches[k].Clone())
	}
	return out
}
