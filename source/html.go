package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"xmonitor/pkg/notifier"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// HTML scrapes a Nitter-style profile page at {base}/{handle}.
type HTML struct {
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
	baseURL string
}

// NewHTML creates a profile page scraper.
func NewHTML(client *http.Client, baseURL string, logger *slog.Logger) *HTML {
	return &HTML{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		now:     time.Now,
	}
}

// Name implements Strategy.
func (*HTML) Name() string { return "html" }

// Profile is what a single profile page yields.
type Profile struct {
	Events    []notifier.Event
	Followers int
	Following int
	HasCounts bool
}

// Latest implements Strategy.
func (h *HTML) Latest(ctx context.Context, handle string, limit int) ([]notifier.Event, error) {
	p, err := h.profile(ctx, handle)
	if err != nil {
		return nil, err
	}
	if len(p.Events) > limit {
		p.Events = p.Events[:limit]
	}
	return p.Events, nil
}

// Followers implements FollowerCounter.
func (h *HTML) Followers(ctx context.Context, handle string) (int, error) {
	p, err := h.profile(ctx, handle)
	if err != nil {
		return 0, err
	}
	if !p.HasCounts {
		return 0, &FetchError{Kind: ParseFailure, Err: errors.New("follower count not found on page")}
	}
	return p.Followers, nil
}

func (h *HTML) profile(ctx context.Context, handle string) (*Profile, error) {
	if h.baseURL == "" {
		return nil, &FetchError{Kind: NoData, Err: errors.New("no html base url configured")}
	}
	pageURL := fmt.Sprintf("%s/%s", h.baseURL, url.PathEscape(handle))

	body, err := httpGet(ctx, h.client, h.logger, pageURL, http.Header{
		"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
		"Accept-Language": {"en-US,en;q=0.9"},
		"User-Agent":      {userAgent},
	})
	if err != nil {
		return nil, err
	}

	p, err := parseProfile(body, handle, h.now())
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, &FetchError{Kind: ParseFailure, Err: err}
	}
	h.logger.Debug("Profile page parsed", "handle", handle, "events", len(p.Events), "followers", p.Followers, "has_counts", p.HasCounts)
	return p, nil
}

func parseProfile(body []byte, handle string, now time.Time) (*Profile, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	if doc.Find(".error-panel").Length() > 0 {
		msg := strings.TrimSpace(doc.Find(".error-panel").First().Text())
		return nil, &FetchError{Kind: NotFound, Err: errors.New(msg)}
	}

	p := &Profile{}

	// Pinned items sit above the timeline regardless of age and would break
	// newest-first ordering.
	seen := make(map[string]bool)
	doc.Find(".timeline-item").Each(func(_ int, s *goquery.Selection) {
		if s.Find(".pinned").Length() > 0 {
			return
		}
		href, _ := s.Find("a.tweet-link").First().Attr("href")
		id := statusID(href)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true

		kind := notifier.KindPost
		switch {
		case s.Find(".retweet-header").Length() > 0:
			kind = notifier.KindRepost
		case s.Find(".replying-to").Length() > 0:
			kind = notifier.KindReply
		}

		observed := now
		if title, ok := s.Find(".tweet-date a").First().Attr("title"); ok {
			if t, err := time.Parse("Jan 2, 2006 · 3:04 PM MST", title); err == nil {
				observed = t
			}
		}

		p.Events = append(p.Events, notifier.Event{
			ID:         id,
			Kind:       kind,
			Text:       truncate(strings.Join(strings.Fields(s.Find(".tweet-content").First().Text()), " "), 500),
			Permalink:  Permalink(handle, id),
			ObservedAt: observed,
		})
	})

	// Fallback for unfamiliar markup: any status link for this handle, in
	// document order.
	if len(p.Events) == 0 {
		prefix := "/" + strings.ToLower(handle) + "/status/"
		doc.Find("a[href*='/status/']").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			if !strings.Contains(strings.ToLower(href), prefix) {
				return
			}
			id := statusID(href)
			if id == "" || seen[id] {
				return
			}
			seen[id] = true
			p.Events = append(p.Events, notifier.Event{
				ID:         id,
				Kind:       notifier.KindPost,
				Text:       truncate(strings.TrimSpace(s.Text()), 500),
				Permalink:  Permalink(handle, id),
				ObservedAt: now,
			})
		})
	}

	if n, ok := parseCount(doc.Find(".profile-statlist .followers .profile-stat-num").First().Text()); ok {
		p.Followers = n
		p.HasCounts = true
	}
	if n, ok := parseCount(doc.Find(".profile-statlist .following .profile-stat-num").First().Text()); ok {
		p.Following = n
	}

	return p, nil
}
