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
	"github.com/mmcdole/gofeed"

	"xmonitor/pkg/notifier"
)

// RSS reads a Nitter-style RSS mirror at {mirror}/{handle}/rss. Mirrors are
// tried in order; the first one that answers wins.
type RSS struct {
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
	mirrors []string
}

// NewRSS creates an RSS strategy over one or more mirror base URLs.
func NewRSS(client *http.Client, mirrors []string, logger *slog.Logger) *RSS {
	clean := make([]string, 0, len(mirrors))
	for _, m := range mirrors {
		if m = strings.TrimRight(strings.TrimSpace(m), "/"); m != "" {
			clean = append(clean, m)
		}
	}
	return &RSS{client: client, mirrors: clean, logger: logger, now: time.Now}
}

// Name implements Strategy.
func (*RSS) Name() string { return "rss" }

// Latest implements Strategy.
func (r *RSS) Latest(ctx context.Context, handle string, limit int) ([]notifier.Event, error) {
	if len(r.mirrors) == 0 {
		return nil, &FetchError{Kind: NoData, Err: errors.New("no rss mirrors configured")}
	}

	var errs []error
	for _, mirror := range r.mirrors {
		feedURL := fmt.Sprintf("%s/%s/rss", mirror, url.PathEscape(handle))
		body, err := httpGet(ctx, r.client, r.logger, feedURL, http.Header{
			"Accept":     {"application/rss+xml, application/xml;q=0.9, */*;q=0.8"},
			"User-Agent": {userAgent},
		})
		if err != nil {
			errs = append(errs, err)
			// A missing account is missing on every mirror.
			if k := KindOf(err); k == NotFound {
				return nil, err
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}

		events, err := r.parse(body, handle, limit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return events, nil
	}

	if len(errs) == 1 {
		return nil, errs[0]
	}
	return nil, errors.Join(errs...)
}

func (r *RSS) parse(body []byte, handle string, limit int) ([]notifier.Event, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &FetchError{Kind: ParseFailure, Err: err}
	}

	events := make([]notifier.Event, 0, min(limit, len(feed.Items)))
	for _, item := range feed.Items {
		if len(events) >= limit {
			break
		}
		id := statusID(item.Link)
		if id == "" {
			id = statusID(item.GUID)
		}
		permalink := item.Link
		if id != "" {
			permalink = Permalink(handle, id)
		} else {
			id = item.GUID
			if id == "" {
				id = item.Link
			}
		}
		if id == "" {
			continue
		}

		observed := r.now()
		if item.PublishedParsed != nil {
			observed = *item.PublishedParsed
		}

		text := item.Title
		if text == "" {
			text = plainText(item.Description)
		}

		events = append(events, notifier.Event{
			ID:         id,
			Kind:       classifyTitle(item.Title, handle),
			Text:       truncate(text, 500),
			Permalink:  permalink,
			ObservedAt: observed,
		})
	}

	return events, nil
}

// classifyTitle applies Nitter's title conventions: "RT by @x: ..." for
// reposts and "R to @y: ..." for replies.
func classifyTitle(title, handle string) notifier.Kind {
	switch {
	case strings.HasPrefix(title, "RT by @"), strings.HasPrefix(title, "RT @"):
		return notifier.KindRepost
	case strings.HasPrefix(title, "R to @"):
		// Replying to yourself is a thread continuation, which reads as a post.
		if strings.HasPrefix(strings.ToLower(title), "r to @"+strings.ToLower(handle)+":") {
			return notifier.KindPost
		}
		return notifier.KindReply
	default:
		return notifier.KindPost
	}
}

func plainText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
