package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"xmonitor/pkg/notifier"
)

// DefaultAPIBaseURL is the X API v2 root.
const DefaultAPIBaseURL = "https://api.x.com/2"

// API reads the authenticated X API v2 with an app bearer token.
type API struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string

	mu      sync.Mutex
	userIDs map[string]string // handle key -> user id
}

// NewAPI creates an API strategy. The bearer token is attached by an oauth2
// transport layered over base.
func NewAPI(base *http.Client, baseURL, bearerToken string, logger *slog.Logger) *API {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: bearerToken,
		TokenType:   "Bearer",
	}))
	client.Timeout = base.Timeout

	return &API{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		userIDs: make(map[string]string),
	}
}

// Name implements Strategy.
func (*API) Name() string { return "api" }

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

type apiUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	PublicMetrics struct {
		FollowersCount int `json:"followers_count"`
		FollowingCount int `json:"following_count"`
	} `json:"public_metrics"`
}

type apiUserResponse struct {
	Data   *apiUser   `json:"data"`
	Errors []apiError `json:"errors"`
}

type apiTweet struct {
	CreatedAt        time.Time `json:"created_at"`
	ID               string    `json:"id"`
	Text             string    `json:"text"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
}

type apiTweetsResponse struct {
	Data   []apiTweet `json:"data"`
	Errors []apiError `json:"errors"`
}

func (a *API) get(ctx context.Context, path string, query url.Values, out any) error {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	body, err := httpGet(ctx, a.client, a.logger, u, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &FetchError{Kind: ParseFailure, Err: err}
	}
	return nil
}

func (a *API) user(ctx context.Context, handle string) (*apiUser, error) {
	var resp apiUserResponse
	err := a.get(ctx, "/users/by/username/"+url.PathEscape(handle),
		url.Values{"user.fields": {"public_metrics"}}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Data == nil {
		msg := "user not found"
		if len(resp.Errors) > 0 {
			msg = resp.Errors[0].Detail
		}
		return nil, &FetchError{Kind: NotFound, Err: errors.New(msg)}
	}

	a.mu.Lock()
	a.userIDs[notifier.HandleKey(handle)] = resp.Data.ID
	a.mu.Unlock()
	return resp.Data, nil
}

func (a *API) userID(ctx context.Context, handle string) (string, error) {
	a.mu.Lock()
	id, ok := a.userIDs[notifier.HandleKey(handle)]
	a.mu.Unlock()
	if ok {
		return id, nil
	}
	u, err := a.user(ctx, handle)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// Latest implements Strategy.
func (a *API) Latest(ctx context.Context, handle string, limit int) ([]notifier.Event, error) {
	id, err := a.userID(ctx, handle)
	if err != nil {
		return nil, err
	}

	// The endpoint accepts 5..100 results.
	n := min(max(limit, 5), 100)
	var resp apiTweetsResponse
	err = a.get(ctx, "/users/"+url.PathEscape(id)+"/tweets", url.Values{
		"max_results":  {fmt.Sprint(n)},
		"tweet.fields": {"created_at,referenced_tweets"},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 && len(resp.Errors) > 0 {
		return nil, &FetchError{Kind: NoData, Err: errors.New(resp.Errors[0].Detail)}
	}

	events := make([]notifier.Event, 0, min(limit, len(resp.Data)))
	for _, t := range resp.Data {
		if len(events) >= limit {
			break
		}
		events = append(events, notifier.Event{
			ID:         t.ID,
			Kind:       tweetKind(t),
			Text:       truncate(t.Text, 500),
			Permalink:  Permalink(handle, t.ID),
			ObservedAt: t.CreatedAt,
		})
	}
	return events, nil
}

// Followers implements FollowerCounter.
func (a *API) Followers(ctx context.Context, handle string) (int, error) {
	u, err := a.user(ctx, handle)
	if err != nil {
		return 0, err
	}
	return u.PublicMetrics.FollowersCount, nil
}

func tweetKind(t apiTweet) notifier.Kind {
	for _, ref := range t.ReferencedTweets {
		switch ref.Type {
		case "retweeted":
			return notifier.KindRepost
		case "replied_to":
			return notifier.KindReply
		}
	}
	return notifier.KindPost
}
