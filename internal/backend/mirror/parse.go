package mirror

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"chirpwatch/internal/backend"
	"chirpwatch/internal/item"
)

var statusRe = regexp.MustCompile(`/status/(\d+)`)

// Title formats seen on mirror timelines.
var dateLayouts = []string{
	"Jan 2, 2006 · 3:04 PM MST",
	"2 Jan 2006 · 15:04:05 MST",
	"January 2, 2006 · 3:04 PM MST",
	"2006-01-02 15:04:05",
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseCount(s string) int {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1e3, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1e6, strings.TrimSuffix(s, "M")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(f * mult)
}

// parseTimeline extracts posts from a mirror profile page. With
// skipNonOrganic set, pinned and boosted posts are dropped.
func parseTimeline(body []byte, base, handle string, skipNonOrganic bool) ([]*item.Item, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, backend.Parse("mirror", err)
	}
	rows := doc.Find(".timeline-item")
	if rows.Length() == 0 {
		if doc.Find(".timeline-none").Length() > 0 {
			return nil, backend.ErrNoItem
		}
		// Instances serve their own failures ("Instance has been rate
		// limited.") as a 200 page with an error panel.
		if panel := doc.Find(".error-panel"); panel.Length() > 0 {
			return nil, backend.Transient(fmt.Errorf("mirror error panel: %s", strings.TrimSpace(panel.First().Text())))
		}
		return nil, backend.Parse("mirror", errors.New("no .timeline-item on page"))
	}

	var out []*item.Item
	rows.Each(func(_ int, s *goquery.Selection) {
		it := &item.Item{
			Handle:  handle,
			Pinned:  s.Find(".pinned").Length() > 0,
			Boosted: s.Find(".retweet-header").Length() > 0,
			Source:  backend.Mirror,
		}
		if skipNonOrganic && (it.Pinned || it.Boosted) {
			return
		}
		m := statusRe.FindStringSubmatch(s.Find(".tweet-link").AttrOr("href", ""))
		if m == nil {
			return
		}
		it.ID = m[1]
		it.URL = item.PostURL(handle, it.ID)
		it.CreatedAt = parseDate(s.Find(".tweet-date a").AttrOr("title", ""))
		it.Text = strings.TrimSpace(s.Find(".tweet-content").First().Text())

		s.Find(".tweet-stats .icon-container").Each(func(_ int, st *goquery.Selection) {
			n := parseCount(st.Text())
			switch {
			case st.Find(".icon-heart").Length() > 0:
				it.Likes = n
			case st.Find(".icon-retweet").Length() > 0:
				it.Reposts = n
			}
		})
		s.Find(".attachments .attachment-image img").Each(func(_ int, img *goquery.Selection) {
			if src := img.AttrOr("src", ""); src != "" {
				it.Media = append(it.Media, item.Media{Type: "photo", URL: absURL(base, src)})
			}
		})
		s.Find(".attachments .attachment-video source, .attachments video source").Each(func(_ int, v *goquery.Selection) {
			if src := v.AttrOr("src", ""); src != "" {
				it.Media = append(it.Media, item.Media{Type: "video", URL: absURL(base, src)})
			}
		})
		out = append(out, it)
	})
	return out, nil
}

func absURL(base, src string) string {
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return src
	case strings.HasPrefix(src, "//"):
		return "https:" + src
	default:
		return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(src, "/")
	}
}
