// Package direct scrapes the platform's public profile page.
package direct

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"chirpwatch/internal/backend"
	"chirpwatch/internal/cache"
	"chirpwatch/internal/item"
	logx "chirpwatch/pkg/logx"
)

const (
	DefaultBaseURL    = "https://twitter.com"
	DefaultMaxRetries = 2
)

var statusRe = regexp.MustCompile(`/status/(\d+)`)

type Config struct {
	BaseURL    string
	MaxRetries int
	UserAgent  string
}

type Adapter struct {
	cfg    Config
	client *http.Client
	cache  *cache.Cache
	pacer  backend.Pacer
	log    logx.Logger
	// pause returns the wait between page attempts.
	pause func() time.Duration
}

func New(cfg Config, client *http.Client, c *cache.Cache, pacer backend.Pacer, log logx.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if client == nil {
		client = backend.NewHTTPClient(0, nil)
	}
	return &Adapter{
		cfg:    cfg,
		client: client,
		cache:  c,
		pacer:  pacer,
		log:    log.Component("backend.direct"),
		pause: func() time.Duration {
			return 1500*time.Millisecond + time.Duration(rand.Int63n(int64(1500*time.Millisecond)))
		},
	}
}

func (a *Adapter) Name() string                { return backend.Direct }
func (a *Adapter) Comparator() item.Comparator { return item.Numeric }

func (a *Adapter) Fetch(ctx context.Context, handle, floor string) (backend.Result, error) {
	handle = backend.NormalizeHandle(handle)
	if floor != "" {
		if cached, ok := a.cache.GetItem(ctx, backend.Direct, handle, time.Hour); ok && cached.ID == floor {
			return backend.NoChange(floor), nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(a.pause())
			select {
			case <-ctx.Done():
				t.Stop()
				return backend.Result{}, ctx.Err()
			case <-t.C:
			}
		}
		res, err := a.fetchOnce(ctx, handle, floor)
		if err == nil {
			return res, nil
		}
		if _, limited := backend.AsRateLimited(err); limited || ctx.Err() != nil ||
			errors.Is(err, backend.ErrNoItem) || errors.Is(err, backend.ErrInvalidIdentifier) {
			return backend.Result{}, err
		}
		a.log.Debug("direct attempt failed", logx.String("handle", handle), logx.Int("attempt", attempt), logx.Err(err))
		lastErr = err
	}
	return backend.Result{}, lastErr
}

func (a *Adapter) fetchOnce(ctx context.Context, handle, floor string) (backend.Result, error) {
	if a.pacer != nil {
		if err := a.pacer.Wait(ctx, backend.Direct); err != nil {
			return backend.Result{}, err
		}
	}
	body, err := backend.GetPage(ctx, a.client, backend.Direct, a.cfg.BaseURL+"/"+url.PathEscape(handle), a.cfg.UserAgent, 0)
	if err != nil {
		return backend.Result{}, err
	}
	items, err := parseProfile(body, handle)
	if err != nil {
		return backend.Result{}, err
	}
	if floor != "" {
		organic := items[:0:0]
		for _, it := range items {
			if !it.Pinned {
				organic = append(organic, it)
			}
		}
		if len(organic) > 0 {
			items = organic
		}
	}

	refs := make([]item.Ref, len(items))
	for i, it := range items {
		refs[i] = it.Ref()
	}
	newest := items[item.Newest(item.Numeric, refs)]
	if floor != "" && !item.Newer(item.Numeric, newest.Ref(), item.Ref{ID: floor}) {
		return backend.NoChange(floor), nil
	}
	if !item.ValidID(newest.ID) {
		return backend.Result{}, fmt.Errorf("direct id %q: %w", newest.ID, backend.ErrInvalidIdentifier)
	}
	if err := a.cache.Put(ctx, cache.Items, cache.ItemKey(backend.Direct, handle), newest, cache.PutOptions{}); err != nil {
		a.log.Debug("cache put failed", logx.String("handle", handle), logx.Err(err))
	}
	return backend.Result{ID: newest.ID, Item: newest}, nil
}

// parseProfile reads post articles from a rendered profile page. A page
// without any article yields ErrNoItem.
func parseProfile(body []byte, handle string) ([]*item.Item, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, backend.Parse("direct", err)
	}
	var out []*item.Item
	doc.Find(`article[data-testid="tweet"]`).Each(func(_ int, s *goquery.Selection) {
		var id string
		s.Find(`a[href*="/status/"]`).EachWithBreak(func(_ int, a *goquery.Selection) bool {
			if m := statusRe.FindStringSubmatch(a.AttrOr("href", "")); m != nil {
				id = m[1]
				return false
			}
			return true
		})
		if id == "" {
			return
		}
		it := &item.Item{
			ID:     id,
			Handle: handle,
			Text:   strings.TrimSpace(s.Find(`[data-testid="tweetText"]`).First().Text()),
			URL:    item.PostURL(handle, id),
			Source: backend.Direct,
			Pinned: isPinned(s),
		}
		if ts, ok := s.Find("time[datetime]").First().Attr("datetime"); ok {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				it.CreatedAt = t.UTC()
			}
		}
		s.Find(`[data-testid="tweetPhoto"] img`).Each(func(_ int, img *goquery.Selection) {
			if src := img.AttrOr("src", ""); src != "" {
				it.Media = append(it.Media, item.Media{Type: "photo", URL: src})
			}
		})
		out = append(out, it)
	})
	if len(out) == 0 {
		return nil, fmt.Errorf("direct @%s: no post articles: %w", handle, backend.ErrNoItem)
	}
	return out, nil
}

func isPinned(s *goquery.Selection) bool {
	if strings.Contains(s.Find(`[data-testid="socialContext"]`).Text(), "Pinned") {
		return true
	}
	pinned := false
	s.Find(`[dir="auto"]`).EachWithBreak(func(_ int, h *goquery.Selection) bool {
		pinned = strings.Contains(h.Text(), "Pinned")
		return !pinned
	})
	return pinned
}
