// Package api is the authenticated-API backend: bearer-token requests to
// the platform's v2 REST endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chirpwatch/internal/backend"
	"chirpwatch/internal/cache"
	"chirpwatch/internal/item"
	logx "chirpwatch/pkg/logx"
)

const (
	DefaultBaseURL    = "https://api.twitter.com"
	DefaultMaxResults = 20
	defaultReset      = 15 * time.Minute
)

type Config struct {
	BearerToken string
	BaseURL     string
	MaxResults  int
	Timeout     time.Duration
}

type Adapter struct {
	cfg    Config
	client *http.Client
	cache  *cache.Cache
	pacer  backend.Pacer
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, c *cache.Cache, pacer backend.Pacer, log logx.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxResults == 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	cfg.MaxResults = min(max(cfg.MaxResults, 5), 100)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  c,
		pacer:  pacer,
		log:    log.Component("backend.api"),
		now:    time.Now,
	}
}

func (a *Adapter) Name() string                { return backend.API }
func (a *Adapter) Comparator() item.Comparator { return item.Numeric }

// Configured reports whether a bearer token is present.
func (a *Adapter) Configured() bool { return strings.TrimSpace(a.cfg.BearerToken) != "" }

func (a *Adapter) Fetch(ctx context.Context, handle, floor string) (backend.Result, error) {
	if !a.Configured() {
		return backend.Result{}, fmt.Errorf("api: no bearer token: %w", backend.ErrUnavailable)
	}
	handle = backend.NormalizeHandle(handle)

	if floor != "" {
		if cached, ok := a.cache.GetItem(ctx, backend.API, handle, time.Hour); ok && cached.ID == floor {
			return backend.NoChange(floor), nil
		}
	}

	uid, err := a.userID(ctx, handle)
	if err != nil {
		return backend.Result{}, err
	}

	tl, err := a.timeline(ctx, uid, floor)
	if err != nil {
		return backend.Result{UserID: uid}, err
	}
	items := tl.items(handle)
	if len(items) == 0 {
		if floor != "" {
			return backend.Result{ID: floor, UserID: uid}, nil
		}
		return backend.Result{UserID: uid}, fmt.Errorf("api @%s: %w", handle, backend.ErrNoItem)
	}

	refs := make([]item.Ref, len(items))
	for i, it := range items {
		refs[i] = it.Ref()
	}
	newest := items[item.Newest(item.Numeric, refs)]
	if !item.ValidID(newest.ID) {
		return backend.Result{UserID: uid}, fmt.Errorf("api id %q: %w", newest.ID, backend.ErrInvalidIdentifier)
	}
	if floor != "" && !item.Newer(item.Numeric, newest.Ref(), item.Ref{ID: floor}) {
		return backend.Result{ID: floor, UserID: uid}, nil
	}

	if err := a.cache.Put(ctx, cache.Items, cache.ItemKey(backend.API, handle), newest, cache.PutOptions{}); err != nil {
		a.log.Debug("cache put failed", logx.String("handle", handle), logx.Err(err))
	}
	return backend.Result{ID: newest.ID, Item: newest, UserID: uid}, nil
}

type userResponse struct {
	Data *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
	Errors []apiError `json:"errors"`
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

// userID resolves handle to the numeric account id, cached in Identity.
func (a *Adapter) userID(ctx context.Context, handle string) (string, error) {
	key := strings.ToLower(handle)
	if e, ok := a.cache.Get(ctx, cache.Identity, key, 0); ok && e.Value != "" {
		return e.Value, nil
	}
	var resp userResponse
	if err := a.get(ctx, "/2/users/by/username/"+url.PathEscape(key), nil, &resp); err != nil {
		return "", err
	}
	if resp.Data == nil || resp.Data.ID == "" {
		detail := "user not found"
		if len(resp.Errors) > 0 {
			detail = resp.Errors[0].Detail
		}
		return "", fmt.Errorf("api @%s: %s: %w", handle, detail, backend.ErrNoItem)
	}
	if err := a.cache.PutValue(ctx, cache.Identity, key, resp.Data.ID); err != nil {
		a.log.Debug("identity cache put failed", logx.Err(err))
	}
	return resp.Data.ID, nil
}

type timelineResponse struct {
	Data []struct {
		ID            string    `json:"id"`
		Text          string    `json:"text"`
		CreatedAt     time.Time `json:"created_at"`
		PublicMetrics struct {
			Likes    int `json:"like_count"`
			Retweets int `json:"retweet_count"`
		} `json:"public_metrics"`
		Attachments struct {
			MediaKeys []string `json:"media_keys"`
		} `json:"attachments"`
	} `json:"data"`
	Includes struct {
		Media []struct {
			Key        string `json:"media_key"`
			Type       string `json:"type"`
			URL        string `json:"url"`
			PreviewURL string `json:"preview_image_url"`
		} `json:"media"`
	} `json:"includes"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NewestID    string `json:"newest_id"`
	} `json:"meta"`
}

func (t *timelineResponse) items(handle string) []*item.Item {
	media := make(map[string]item.Media, len(t.Includes.Media))
	for _, m := range t.Includes.Media {
		u := m.URL
		if u == "" {
			u = m.PreviewURL
		}
		kind := m.Type
		if kind == "animated_gif" {
			kind = "gif"
		}
		media[m.Key] = item.Media{Type: kind, URL: u}
	}
	out := make([]*item.Item, 0, len(t.Data))
	for _, d := range t.Data {
		it := &item.Item{
			ID:        d.ID,
			Handle:    handle,
			Text:      d.Text,
			URL:       item.PostURL(handle, d.ID),
			CreatedAt: d.CreatedAt,
			Likes:     d.PublicMetrics.Likes,
			Reposts:   d.PublicMetrics.Retweets,
			Source:    backend.API,
		}
		for _, k := range d.Attachments.MediaKeys {
			if m, ok := media[k]; ok && m.URL != "" {
				it.Media = append(it.Media, m)
			}
		}
		out = append(out, it)
	}
	return out
}

func (a *Adapter) timeline(ctx context.Context, uid, floor string) (*timelineResponse, error) {
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(a.cfg.MaxResults))
	q.Set("exclude", "retweets,replies")
	q.Set("tweet.fields", "created_at,text,attachments,public_metrics")
	q.Set("expansions", "attachments.media_keys")
	q.Set("media.fields", "type,url,preview_image_url")
	if item.ValidID(floor) {
		q.Set("since_id", floor)
	}
	var resp timelineResponse
	if err := a.get(ctx, "/2/users/"+url.PathEscape(uid)+"/tweets", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *Adapter) get(ctx context.Context, path string, q url.Values, out any) error {
	if a.pacer != nil {
		if err := a.pacer.Wait(ctx, backend.API); err != nil {
			return err
		}
	}
	target := a.cfg.BaseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.BearerToken)
	req.Header.Set("User-Agent", "chirpwatch")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return backend.Transient(fmt.Errorf("api %s: %w", path, err))
	}
	defer resp.Body.Close()

	if rem := resp.Header.Get("x-rate-limit-remaining"); rem != "" {
		a.log.Debug("api quota", logx.String("path", path), logx.String("remaining", rem), logx.String("limit", resp.Header.Get("x-rate-limit-limit")))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &backend.RateLimitedError{Backend: backend.API, ResetAt: a.resetAt(resp.Header)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("api %s: status %d: %w", path, resp.StatusCode, backend.ErrUnavailable)
	case resp.StatusCode >= 500:
		return backend.Transient(fmt.Errorf("api %s: status %d", path, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("api %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		return backend.Parse("api", err)
	}
	return nil
}

// resetAt reads x-rate-limit-reset (unix seconds), defaulting to 15 minutes.
func (a *Adapter) resetAt(h http.Header) time.Time {
	if v := strings.TrimSpace(h.Get("x-rate-limit-reset")); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
			return time.Unix(secs, 0)
		}
	}
	return a.now().Add(defaultReset)
}
