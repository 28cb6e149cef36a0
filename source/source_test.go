package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"xmonitor/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const rssFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
<title>acme / @acme</title>
<link>https://nitter.example/acme</link>
<item>
  <title>RT by @acme: someone else said this</title>
  <link>https://nitter.example/other/status/205#m</link>
  <guid>https://nitter.example/other/status/205#m</guid>
  <pubDate>Mon, 13 Oct 2025 12:05:00 GMT</pubDate>
</item>
<item>
  <title>R to @bob: thanks!</title>
  <link>https://nitter.example/acme/status/204#m</link>
  <guid>https://nitter.example/acme/status/204#m</guid>
  <pubDate>Mon, 13 Oct 2025 12:04:00 GMT</pubDate>
</item>
<item>
  <title>hello world</title>
  <link>https://nitter.example/acme/status/203#m</link>
  <guid>https://nitter.example/acme/status/203#m</guid>
  <pubDate>Mon, 13 Oct 2025 12:03:00 GMT</pubDate>
</item>
</channel>
</rss>`

func TestRSSLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/acme/rss" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, rssFeed)
	}))
	defer srv.Close()

	s := NewRSS(srv.Client(), []string{srv.URL}, testLogger())
	events, err := s.Latest(context.Background(), "acme", 5)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}

	want := []struct {
		id   string
		kind notifier.Kind
	}{
		{"205", notifier.KindRepost},
		{"204", notifier.KindReply},
		{"203", notifier.KindPost},
	}
	if len(events) != len(want) {
		t.Fatalf("Latest() returned %d events, want %d", len(events), len(want))
	}
	for i, w := range want {
		if events[i].ID != w.id || events[i].Kind != w.kind {
			t.Errorf("event[%d] = %s/%s, want %s/%s", i, events[i].ID, events[i].Kind, w.id, w.kind)
		}
	}
	if events[2].Permalink != "https://x.com/acme/status/203" {
		t.Errorf("permalink = %q", events[2].Permalink)
	}
	if events[2].ObservedAt.IsZero() || events[2].ObservedAt.Minute() != 3 {
		t.Errorf("ObservedAt = %v, want pubDate", events[2].ObservedAt)
	}

	limited, err := s.Latest(context.Background(), "acme", 1)
	if err != nil || len(limited) != 1 || limited[0].ID != "205" {
		t.Errorf("Latest(limit=1) = %v, %v", limited, err)
	}
}

func TestRSSMirrorFallback(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not a feed</html>")
	}))
	defer broken.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssFeed)
	}))
	defer good.Close()

	s := NewRSS(http.DefaultClient, []string{broken.URL, good.URL}, testLogger())
	events, err := s.Latest(context.Background(), "acme", 5)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if len(events) == 0 || events[0].ID != "205" {
		t.Errorf("Latest() = %v, want events from second mirror", events)
	}
}

func TestHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		want     error
		wantHits int32
	}{
		{name: "not found", status: http.StatusNotFound, want: ErrNotFound, wantHits: 1},
		{name: "rate limited", status: http.StatusTooManyRequests, want: ErrRateLimited, wantHits: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewRSS(srv.Client(), []string{srv.URL}, testLogger()).Latest(context.Background(), "acme", 5)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Latest() error = %v, want %v", err, tt.want)
			}
			if got := hits.Load(); got != tt.wantHits {
				t.Errorf("server hit %d times, want %d (no retry)", got, tt.wantHits)
			}
		})
	}
}

func TestHTTPRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, rssFeed)
	}))
	defer srv.Close()

	events, err := NewRSS(srv.Client(), []string{srv.URL}, testLogger()).Latest(context.Background(), "acme", 5)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if len(events) != 3 {
		t.Errorf("Latest() returned %d events, want 3", len(events))
	}
}

const profilePage = `<!DOCTYPE html>
<html><body>
<div class="profile-card">
  <ul class="profile-statlist">
    <li class="posts"><span class="profile-stat-header">Tweets</span><span class="profile-stat-num">12,345</span></li>
    <li class="following"><span class="profile-stat-header">Following</span><span class="profile-stat-num">321</span></li>
    <li class="followers"><span class="profile-stat-header">Followers</span><span class="profile-stat-num">1,050</span></li>
  </ul>
</div>
<div class="timeline">
  <div class="timeline-item">
    <div class="pinned"><span>Pinned Tweet</span></div>
    <a class="tweet-link" href="/acme/status/100#m"></a>
    <div class="tweet-content">old pinned</div>
  </div>
  <div class="timeline-item">
    <a class="tweet-link" href="/acme/status/205#m"></a>
    <span class="tweet-date"><a href="/acme/status/205#m" title="Oct 13, 2025 · 12:05 PM UTC">1m</a></span>
    <div class="tweet-content">newest   post</div>
  </div>
  <div class="timeline-item">
    <div class="retweet-header"><span>acme retweeted</span></div>
    <a class="tweet-link" href="/other/status/204#m"></a>
    <div class="tweet-content">shared</div>
  </div>
  <div class="timeline-item">
    <div class="replying-to">Replying to <a href="/bob">@bob</a></div>
    <a class="tweet-link" href="/acme/status/203#m"></a>
    <div class="tweet-content">a reply</div>
  </div>
</div>
</body></html>`

func TestParseProfile(t *testing.T) {
	now := time.Date(2025, 10, 13, 13, 0, 0, 0, time.UTC)
	p, err := parseProfile([]byte(profilePage), "acme", now)
	if err != nil {
		t.Fatalf("parseProfile() error = %v", err)
	}

	if !p.HasCounts || p.Followers != 1050 || p.Following != 321 {
		t.Errorf("counts = followers %d following %d (has=%v), want 1050/321", p.Followers, p.Following, p.HasCounts)
	}

	wantIDs := []string{"205", "204", "203"}
	wantKinds := []notifier.Kind{notifier.KindPost, notifier.KindRepost, notifier.KindReply}
	if len(p.Events) != len(wantIDs) {
		t.Fatalf("parsed %d events, want %d (pinned skipped)", len(p.Events), len(wantIDs))
	}
	for i := range wantIDs {
		if p.Events[i].ID != wantIDs[i] || p.Events[i].Kind != wantKinds[i] {
			t.Errorf("event[%d] = %s/%s, want %s/%s", i, p.Events[i].ID, p.Events[i].Kind, wantIDs[i], wantKinds[i])
		}
	}
	if p.Events[0].Text != "newest post" {
		t.Errorf("text = %q, want whitespace collapsed", p.Events[0].Text)
	}
	if !p.Events[0].ObservedAt.Equal(time.Date(2025, 10, 13, 12, 5, 0, 0, time.UTC)) {
		t.Errorf("ObservedAt = %v", p.Events[0].ObservedAt)
	}
	if !p.Events[1].ObservedAt.Equal(now) {
		t.Errorf("ObservedAt without date = %v, want now", p.Events[1].ObservedAt)
	}
}

func TestParseProfileFallbackAndErrors(t *testing.T) {
	page := `<html><body>
<a href="https://x.com/Acme/status/300">third</a>
<a href="https://x.com/someone/status/299">not ours</a>
<a href="https://x.com/Acme/status/298">first</a>
</body></html>`
	p, err := parseProfile([]byte(page), "acme", time.Now())
	if err != nil {
		t.Fatalf("parseProfile() error = %v", err)
	}
	if len(p.Events) != 2 || p.Events[0].ID != "300" || p.Events[1].ID != "298" {
		t.Errorf("fallback events = %+v", p.Events)
	}
	if p.HasCounts {
		t.Error("HasCounts = true for page without stats")
	}

	_, err = parseProfile([]byte(`<div class="error-panel"><span>User "ghost" not found</span></div>`), "ghost", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("parseProfile(error panel) error = %v, want ErrNotFound", err)
	}
}

func TestHTMLFollowers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, profilePage)
	}))
	defer srv.Close()

	n, err := NewHTML(srv.Client(), srv.URL, testLogger()).Followers(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Followers() error = %v", err)
	}
	if n != 1050 {
		t.Errorf("Followers() = %d, want 1050", n)
	}
}

func TestAPIStrategy(t *testing.T) {
	var userCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/users/by/username/acme":
			userCalls.Add(1)
			fmt.Fprint(w, `{"data":{"id":"42","username":"acme","public_metrics":{"followers_count":1050,"following_count":3}}}`)
		case r.URL.Path == "/users/by/username/ghost":
			fmt.Fprint(w, `{"errors":[{"title":"Not Found Error","detail":"Could not find user with username: [ghost]."}]}`)
		case r.URL.Path == "/users/42/tweets":
			if r.URL.Query().Get("max_results") != "5" {
				t.Errorf("max_results = %q, want 5", r.URL.Query().Get("max_results"))
			}
			fmt.Fprint(w, `{"data":[
				{"id":"205","text":"RT @x: hi","created_at":"2025-10-13T12:05:00.000Z","referenced_tweets":[{"type":"retweeted","id":"1"}]},
				{"id":"204","text":"@bob yes","created_at":"2025-10-13T12:04:00.000Z","referenced_tweets":[{"type":"replied_to","id":"2"}]},
				{"id":"203","text":"hello","created_at":"2025-10-13T12:03:00.000Z"}
			]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewAPI(srv.Client(), srv.URL, "secret", testLogger())
	ctx := context.Background()

	events, err := a.Latest(ctx, "acme", 2)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if len(events) != 2 || events[0].ID != "205" || events[0].Kind != notifier.KindRepost || events[1].Kind != notifier.KindReply {
		t.Errorf("Latest() = %+v", events)
	}

	n, err := a.Followers(ctx, "acme")
	if err != nil || n != 1050 {
		t.Errorf("Followers() = %d, %v; want 1050", n, err)
	}

	if _, err := a.Latest(ctx, "acme", 5); err != nil {
		t.Fatal(err)
	}
	// Followers always refreshes the user; Latest reuses the cached id.
	if got := userCalls.Load(); got != 2 {
		t.Errorf("user lookups = %d, want 2", got)
	}

	if _, err := a.Latest(ctx, "ghost", 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest(ghost) error = %v, want ErrNotFound", err)
	}
}

type stubStrategy struct {
	name      string
	events    []notifier.Event
	err       error
	followers int
	calls     int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Latest(context.Context, string, int) ([]notifier.Event, error) {
	s.calls++
	return s.events, s.err
}

type stubCounter struct {
	stubStrategy
}

func (s *stubCounter) Followers(context.Context, string) (int, error) {
	return s.followers, s.err
}

type recordingObserver struct {
	statuses []string
}

func (r *recordingObserver) ObserveFetch(strategy, op, status string, _ time.Duration) {
	r.statuses = append(r.statuses, strategy+":"+op+":"+status)
}

func evs(ids ...string) []notifier.Event {
	out := make([]notifier.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, notifier.Event{ID: id, Kind: notifier.KindPost})
	}
	return out
}

func TestChainFallsThrough(t *testing.T) {
	failing := &stubStrategy{name: "rss", err: &FetchError{Kind: ParseFailure}}
	empty := &stubStrategy{name: "html"}
	good := &stubStrategy{name: "api", events: evs("3", "2", "1")}
	never := &stubStrategy{name: "extra", events: evs("9")}
	obs := &recordingObserver{}

	c := NewChain(Config{Window: 2, Observer: obs}, testLogger(), failing, empty, good, never)
	events, err := c.FetchLatest(context.Background(), "acme", []notifier.Kind{notifier.KindPost})
	if err != nil {
		t.Fatalf("FetchLatest() error = %v", err)
	}
	if len(events) != 2 || events[0].ID != "3" {
		t.Errorf("FetchLatest() = %+v, want window of 2 from api", events)
	}
	if never.calls != 0 {
		t.Error("strategy after the first success was called")
	}
	want := "rss:latest:parse_failure,html:latest:ok,api:latest:ok"
	if got := strings.Join(obs.statuses, ","); got != want {
		t.Errorf("observed %q, want %q", got, want)
	}
}

func TestChainExhausted(t *testing.T) {
	c := NewChain(Config{}, testLogger(),
		&stubStrategy{name: "rss", err: &FetchError{Kind: RateLimited}},
		&stubStrategy{name: "html", err: errors.New("boom")},
	)
	_, err := c.FetchLatest(context.Background(), "acme", nil)
	if KindOf(err) != NoData {
		t.Fatalf("FetchLatest() kind = %v, want NoData (err=%v)", KindOf(err), err)
	}
	if !errors.Is(err, ErrNoData) {
		t.Error("errors.Is(err, ErrNoData) = false")
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("rate limit from an inner strategy is not visible to errors.Is")
	}
}

func TestChainTimeout(t *testing.T) {
	slow := &slowStrategy{}
	c := NewChain(Config{Timeout: 20 * time.Millisecond}, testLogger(), slow)
	_, err := c.FetchLatest(context.Background(), "acme", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("FetchLatest() error = %v, want timeout", err)
	}
}

type slowStrategy struct{}

func (*slowStrategy) Name() string { return "slow" }

func (*slowStrategy) Latest(ctx context.Context, _ string, _ int) ([]notifier.Event, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestChainFiltersKinds(t *testing.T) {
	s := &stubStrategy{name: "rss", events: []notifier.Event{
		{ID: "3", Kind: notifier.KindRepost},
		{ID: "2", Kind: notifier.KindReply},
		{ID: "1", Kind: notifier.KindPost},
	}}
	c := NewChain(Config{}, testLogger(), s)

	got, err := c.FetchLatest(context.Background(), "acme", []notifier.Kind{notifier.KindReply, notifier.KindFollow})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "2" {
		t.Errorf("filtered = %+v, want only the reply", got)
	}

	got, err = c.FetchLatest(context.Background(), "acme", []notifier.Kind{notifier.KindFollow})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("follower-only kinds filtered activity: %+v", got)
	}
}

func TestChainFollowerCount(t *testing.T) {
	noCount := &stubStrategy{name: "rss"}
	failing := &stubCounter{stubStrategy{name: "html", err: &FetchError{Kind: ParseFailure}}}
	good := &stubCounter{stubStrategy{name: "api", followers: 1050}}

	c := NewChain(Config{}, testLogger(), noCount, failing, good)
	n, err := c.FetchFollowerCount(context.Background(), "acme")
	if err != nil || n != 1050 {
		t.Errorf("FetchFollowerCount() = %d, %v; want 1050", n, err)
	}

	c = NewChain(Config{}, testLogger(), noCount)
	if _, err := c.FetchFollowerCount(context.Background(), "acme"); !errors.Is(err, ErrNoData) {
		t.Errorf("FetchFollowerCount() without counters error = %v, want NoData", err)
	}
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"1,050", 1050, true},
		{" 321 ", 321, true},
		{"12.5K", 12500, true},
		{"3M", 3000000, true},
		{"", 0, false},
		{"n/a", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseCount(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("parseCount(%q) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestClassifyTitle(t *testing.T) {
	tests := []struct {
		title string
		want  notifier.Kind
	}{
		{"RT by @acme: hi", notifier.KindRepost},
		{"R to @bob: ok", notifier.KindReply},
		{"R to @Acme: continuing the thread", notifier.KindPost},
		{"plain", notifier.KindPost},
	}
	for _, tt := range tests {
		if got := classifyTitle(tt.title, "acme"); got != tt.want {
			t.Errorf("classifyTitle(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
}

// TestLiveMirror is an integration test against a public Nitter mirror.
func TestLiveMirror(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := NewRSS(&http.Client{Timeout: 15 * time.Second}, []string{"https://nitter.net"}, testLogger())
	events, err := s.Latest(context.Background(), "jack", 5)
	if err != nil {
		t.Skipf("mirror unavailable: %v", err)
	}
	for _, e := range events {
		if statusID(e.Permalink) != e.ID {
			t.Errorf("event %q has permalink %q", e.ID, e.Permalink)
		}
	}
	t.Logf("fetched %d events", len(events))
}
