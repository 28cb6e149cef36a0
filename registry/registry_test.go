package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"xmonitor/pkg/notifier"
	"xmonitor/storage"
)

type memBackend struct {
	mu    sync.Mutex
	docs  map[string]*notifier.Subscriber
	fail  error
	saves int
}

func newMemBackend() *memBackend {
	return &memBackend{docs: make(map[string]*notifier.Subscriber)}
}

func (m *memBackend) Save(_ context.Context, sub *notifier.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.saves++
	m.docs[sub.ChatID] = sub.Clone()
	return nil
}

func (m *memBackend) List(context.Context) ([]*notifier.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*notifier.Subscriber
	for _, s := range m.docs {
		out = append(out, s.Clone())
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddWatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	r := New(b, testLogger())

	added, err := r.AddWatch(ctx, "1", "@Acme")
	if err != nil || !added {
		t.Fatalf("AddWatch() = %v, %v; want true, nil", added, err)
	}
	if err := r.SetNotificationKinds(ctx, "1", "acme", notifier.KindPost); err != nil {
		t.Fatalf("SetNotificationKinds() error = %v", err)
	}
	if err := r.UpdateCursor(ctx, "1", "acme", "t100"); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}

	added, err = r.AddWatch(ctx, "1", "ACME")
	if err != nil || added {
		t.Fatalf("second AddWatch() = %v, %v; want false, nil", added, err)
	}

	w, ok := r.Watch("1", "acme")
	if !ok {
		t.Fatal("Watch() not found")
	}
	if w.Handle != "Acme" {
		t.Errorf("handle = %q, want case preserved %q", w.Handle, "Acme")
	}
	if w.Cursor != "t100" {
		t.Errorf("cursor = %q, want t100 (not reset)", w.Cursor)
	}
	if !w.Has(notifier.KindPost) {
		t.Error("kinds were reset by duplicate add")
	}
}

func TestRemoveWatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := New(newMemBackend(), testLogger())

	removed, err := r.RemoveWatch(ctx, "1", "ghost")
	if err != nil || removed {
		t.Fatalf("RemoveWatch(absent) = %v, %v; want false, nil", removed, err)
	}

	if _, err := r.AddWatch(ctx, "1", "acme"); err != nil {
		t.Fatal(err)
	}
	removed, err = r.RemoveWatch(ctx, "1", "Acme")
	if err != nil || !removed {
		t.Fatalf("RemoveWatch() = %v, %v; want true, nil", removed, err)
	}
	if got := r.ListWatchesFor("1"); len(got) != 0 {
		t.Errorf("ListWatchesFor() = %d watches, want 0", len(got))
	}
	// The subscriber row stays even when empty.
	if s := r.Stats(); s.SubscriberCount != 1 || s.WatchCount != 0 {
		t.Errorf("Stats() = %+v, want 1 subscriber, 0 watches", s)
	}
}

func TestSetNotificationKindsUnions(t *testing.T) {
	ctx := context.Background()
	r := New(newMemBackend(), testLogger())
	if _, err := r.AddWatch(ctx, "1", "acme"); err != nil {
		t.Fatal(err)
	}

	steps := [][]notifier.Kind{
		{notifier.KindFollow},
		{notifier.KindPost},
		{notifier.KindPost, notifier.KindReply},
	}
	for _, kinds := range steps {
		if err := r.SetNotificationKinds(ctx, "1", "acme", kinds...); err != nil {
			t.Fatalf("SetNotificationKinds(%v) error = %v", kinds, err)
		}
	}

	w, _ := r.Watch("1", "acme")
	want := []notifier.Kind{notifier.KindPost, notifier.KindReply, notifier.KindFollow}
	if !slices.Equal(w.Kinds, want) {
		t.Errorf("kinds = %v, want %v", w.Kinds, want)
	}

	if err := r.ClearNotificationKinds(ctx, "1", "acme"); err != nil {
		t.Fatal(err)
	}
	w, _ = r.Watch("1", "acme")
	if w.Active() {
		t.Errorf("kinds after clear = %v, want none", w.Kinds)
	}
}

func TestMutationsOnUnknownWatch(t *testing.T) {
	ctx := context.Background()
	r := New(newMemBackend(), testLogger())

	if err := r.UpdateCursor(ctx, "1", "acme", "t1"); !errors.Is(err, ErrNotWatched) {
		t.Errorf("UpdateCursor() on missing subscriber error = %v, want ErrNotWatched", err)
	}
	if _, err := r.AddWatch(ctx, "1", "other"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetNotificationKinds(ctx, "1", "acme", notifier.KindPost); !errors.Is(err, ErrNotWatched) {
		t.Errorf("SetNotificationKinds() on missing watch error = %v, want ErrNotWatched", err)
	}
}

func TestFailedSaveLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	r := New(b, testLogger())
	if _, err := r.AddWatch(ctx, "1", "acme"); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateCursor(ctx, "1", "acme", "t100"); err != nil {
		t.Fatal(err)
	}

	b.fail = errors.New("disk full")

	err := r.UpdateCursor(ctx, "1", "acme", "t200")
	if !IsPersistenceError(err) {
		t.Fatalf("UpdateCursor() error = %v, want PersistenceError", err)
	}
	var pe *PersistenceError
	if errors.As(err, &pe) && pe.Kind != IOFailure {
		t.Errorf("PersistenceError kind = %v, want io_failure", pe.Kind)
	}
	if w, _ := r.Watch("1", "acme"); w.Cursor != "t100" {
		t.Errorf("cursor = %q after failed save, want t100", w.Cursor)
	}

	if _, err := r.AddWatch(ctx, "2", "beta"); !IsPersistenceError(err) {
		t.Errorf("AddWatch() error = %v, want PersistenceError", err)
	}
	if s := r.Stats(); s.SubscriberCount != 1 {
		t.Errorf("SubscriberCount = %d after failed add, want 1", s.SubscriberCount)
	}
}

func TestNoOpMutationsDoNotWrite(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	r := New(b, testLogger())
	if _, err := r.AddWatch(ctx, "1", "acme"); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateFollowerBaseline(ctx, "1", "acme", 10); err != nil {
		t.Fatal(err)
	}
	before := b.saves

	if _, err := r.AddWatch(ctx, "1", "acme"); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateFollowerBaseline(ctx, "1", "acme", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RemoveWatch(ctx, "1", "nobody"); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkPolled("1", "acme", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkPolled("1", "nobody", time.Now()); !errors.Is(err, ErrNotWatched) {
		t.Errorf("MarkPolled(unknown) error = %v, want ErrNotWatched", err)
	}
	if b.saves != before {
		t.Errorf("saves = %d, want %d (no-op mutations must not write)", b.saves, before)
	}
}

func TestListAllIsStableSnapshot(t *testing.T) {
	ctx := context.Background()
	r := New(newMemBackend(), testLogger())
	for _, p := range [][2]string{{"2", "zeta"}, {"1", "beta"}, {"1", "alpha"}, {"3", "acme"}} {
		if _, err := r.AddWatch(ctx, p[0], p[1]); err != nil {
			t.Fatal(err)
		}
	}

	entries := r.ListAll()
	var got []string
	for _, e := range entries {
		got = append(got, e.ChatID+"/"+e.Watch.Handle)
	}
	want := []string{"1/alpha", "1/beta", "2/zeta", "3/acme"}
	if !slices.Equal(got, want) {
		t.Errorf("ListAll() = %v, want %v", got, want)
	}

	// Mutating after the snapshot does not change it.
	if err := r.UpdateCursor(ctx, "1", "alpha", "t9"); err != nil {
		t.Fatal(err)
	}
	if entries[0].Watch.Cursor != "" {
		t.Error("ListAll() snapshot shares state with the registry")
	}
}

func TestConcurrentMutationsOnDifferentWatches(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	r := New(b, testLogger())

	const n = 20
	for i := range n {
		if _, err := r.AddWatch(ctx, "1", fmt.Sprintf("h%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.UpdateCursor(ctx, "1", fmt.Sprintf("h%d", i), fmt.Sprintf("c%d", i)); err != nil {
				t.Errorf("UpdateCursor() error = %v", err)
			}
		}()
	}
	wg.Wait()

	// Reload from the backend: every cursor must be durable.
	r2 := New(b, testLogger())
	if err := r2.Load(ctx); err != nil {
		t.Fatal(err)
	}
	for i := range n {
		w, ok := r2.Watch("1", fmt.Sprintf("h%d", i))
		if !ok || w.Cursor != fmt.Sprintf("c%d", i) {
			t.Errorf("watch h%d after reload = %+v, want cursor c%d", i, w, i)
		}
	}
}

func TestReloadFromLocalStorage(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	r := New(backend, testLogger())
	if _, err := r.AddWatch(ctx, "42", "Acme"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetNotificationKinds(ctx, "42", "acme", notifier.KindPost, notifier.KindFollow); err != nil {
		t.Fatal(err)
	}
	polled := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := r.MarkPolled("42", "acme", polled); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateCursor(ctx, "42", "acme", "t205"); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateFollowerBaseline(ctx, "42", "acme", 1050); err != nil {
		t.Fatal(err)
	}

	r2 := New(backend, testLogger())
	if err := r2.Load(ctx); err != nil {
		t.Fatal(err)
	}
	w, ok := r2.Watch("42", "ACME")
	if !ok {
		t.Fatal("watch missing after reload")
	}
	if w.Handle != "Acme" || w.Cursor != "t205" || w.FollowerBaseline == nil || *w.FollowerBaseline != 1050 {
		t.Errorf("reloaded watch = %+v", w)
	}
	if !w.LastPolledAt.Equal(polled) {
		t.Errorf("LastPolledAt = %v, want %v", w.LastPolledAt, polled)
	}
	if !slices.Equal(w.Kinds, []notifier.Kind{notifier.KindPost, notifier.KindFollow}) {
		t.Errorf("kinds = %v", w.Kinds)
	}
}

func TestMarkPolledConcurrentWithOtherWatchMutation(t *testing.T) {
	ctx := context.Background()
	r := New(newMemBackend(), testLogger())
	for _, h := range []string{"acme", "other"} {
		if _, err := r.AddWatch(ctx, "1", h); err != nil {
			t.Fatal(err)
		}
	}

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	const rounds = 200
	var wg sync.WaitGroup
	wg.Go(func() {
		for i := range rounds {
			if err := r.MarkPolled("1", "acme", base.Add(time.Duration(i)*time.Second)); err != nil {
				t.Errorf("MarkPolled() error = %v", err)
				return
			}
		}
	})
	wg.Go(func() {
		for i := range rounds {
			if err := r.UpdateCursor(ctx, "1", "other", fmt.Sprint(i)); err != nil {
				t.Errorf("UpdateCursor() error = %v", err)
				return
			}
		}
	})
	wg.Wait()

	w, _ := r.Watch("1", "acme")
	if want := base.Add((rounds - 1) * time.Second); !w.LastPolledAt.Equal(want) {
		t.Errorf("LastPolledAt = %v, want %v (timestamp lost to a concurrent mutation)", w.LastPolledAt, want)
	}
	if w, _ := r.Watch("1", "other"); w.Cursor != fmt.Sprint(rounds-1) {
		t.Errorf("other cursor = %q", w.Cursor)
	}
}
