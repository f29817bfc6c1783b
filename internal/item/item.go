// Package item defines the resolved post and how two post ids compare.
package item

import (
	"fmt"
	"strings"
	"time"
)

// MinIDLength is the shortest id accepted as a real post id. Shorter
// numbers on scraped pages are counters or fragments.
const MinIDLength = 15

type Media struct {
	Type string `json:"type"` // photo, video, gif
	URL  string `json:"url"`
}

// Item is one post as seen by a backend. Treat it as immutable.
type Item struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle,omitempty"`
	Text      string    `json:"text,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Likes     int       `json:"likes,omitempty"`
	Reposts   int       `json:"reposts,omitempty"`
	Media     []Media   `json:"media,omitempty"`
	Pinned    bool      `json:"pinned,omitempty"`
	Boosted   bool      `json:"boosted,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// HasBody reports whether the item carries anything beyond its id.
func (it *Item) HasBody() bool {
	return it != nil && (it.Text != "" || len(it.Media) > 0 || !it.CreatedAt.IsZero())
}

// Photos returns the photo media urls in order.
func (it *Item) Photos() []string {
	if it == nil {
		return nil
	}
	var out []string
	for _, m := range it.Media {
		if m.Type == "photo" && m.URL != "" {
			out = append(out, m.URL)
		}
	}
	return out
}

// PostURL builds the canonical link for handle/id.
func PostURL(handle, id string) string {
	return fmt.Sprintf("https://twitter.com/%s/status/%s", strings.TrimPrefix(handle, "@"), id)
}

// IsNumeric reports whether id is a non-empty run of ASCII digits.
func IsNumeric(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

// ValidID accepts numeric ids of at least MinIDLength digits.
func ValidID(id string) bool {
	return len(id) >= MinIDLength && IsNumeric(id)
}
