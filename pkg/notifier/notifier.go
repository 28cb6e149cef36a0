// Package notifier contains the core domain types for the X account monitor.
package notifier

import (
	"slices"
	"strings"
	"time"
)

// Kind classifies an upstream event and doubles as a notification filter.
type Kind string

// Supported notification kinds.
const (
	KindPost     Kind = "post"
	KindRepost   Kind = "repost"
	KindReply    Kind = "reply"
	KindFollow   Kind = "follow"
	KindUnfollow Kind = "unfollow"
)

// AllKinds lists every kind in display order.
var AllKinds = []Kind{KindPost, KindRepost, KindReply, KindFollow, KindUnfollow}

// ParseKind returns the Kind named by s, case-insensitively.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(AllKinds, k) {
		return k, true
	}
	return "", false
}

// IsActivity reports whether k is produced by the latest-activity fetch
// rather than by a follower count diff.
func (k Kind) IsActivity() bool {
	return k == KindPost || k == KindRepost || k == KindReply
}

// Event is a single normalized item returned by a source.
type Event struct {
	ObservedAt time.Time
	ID         string // Dedup key: source-native id or permalink
	Kind       Kind
	Text       string
	Permalink  string
}

// Watch is one tracked handle for a subscriber.
type Watch struct {
	CreatedAt        time.Time `json:"created_at"`
	LastPolledAt     time.Time `json:"last_polled_at"`
	FollowerBaseline *int      `json:"follower_baseline,omitempty"`
	Handle           string    `json:"handle"`           // Case-preserving, without "@"
	Cursor           string    `json:"cursor,omitempty"` // Last seen event id
	Kinds            []Kind    `json:"kinds"`            // Empty means not yet activated
}

// Active reports whether any notification kind is enabled.
func (w *Watch) Active() bool {
	return len(w.Kinds) > 0
}

// Has reports whether kind k is enabled for the watch.
func (w *Watch) Has(k Kind) bool {
	return slices.Contains(w.Kinds, k)
}

// WantsActivity reports whether any post-like kind is enabled.
func (w *Watch) WantsActivity() bool {
	return slices.ContainsFunc(w.Kinds, Kind.IsActivity)
}

// WantsFollowers reports whether follower changes should be tracked.
func (w *Watch) WantsFollowers() bool {
	return w.Has(KindFollow) || w.Has(KindUnfollow)
}

// Clone returns a deep copy of the watch.
func (w *Watch) Clone() *Watch {
	c := *w
	c.Kinds = slices.Clone(w.Kinds)
	if w.FollowerBaseline != nil {
		v := *w.FollowerBaseline
		c.FollowerBaseline = &v
	}
	return &c
}

// Subscriber is a chat with its watch list. Watches is keyed by HandleKey.
type Subscriber struct {
	CreatedAt time.Time         `json:"created_at"`
	Watches   map[string]*Watch `json:"watches"`
	ChatID    string            `json:"chat_id"`
}

// Clone returns a deep copy of the subscriber.
func (s *Subscriber) Clone() *Subscriber {
	c := &Subscriber{
		ChatID:    s.ChatID,
		CreatedAt: s.CreatedAt,
		Watches:   make(map[string]*Watch, len(s.Watches)),
	}
	for k, w := range s.Watches {
		c.Watches[k] = w.Clone()
	}
	return c
}

// NormalizeHandle strips whitespace and a leading "@".
func NormalizeHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}

// HandleKey returns the case-insensitive lookup key for a handle.
func HandleKey(handle string) string {
	return strings.ToLower(NormalizeHandle(handle))
}

// Stats is the public summary shown by the bot and the health page.
type Stats struct {
	SubscriberCount int `json:"subscriber_count"`
	WatchCount      int `json:"watch_count"`
}
