package notifier

import (
	"fmt"
	"strings"

	"chirpwatch/internal/item"
	kit "chirpwatch/internal/transport"
)

const (
	TextLimit    = 280
	CaptionLimit = kit.CaptionLimit
)

// Message is a rendered notification. Photo is empty for text-only sends.
type Message struct {
	Text  string
	Photo string
}

// Render builds the subscriber message for a new item.
func Render(handle string, it *item.Item) Message {
	handle = strings.TrimPrefix(handle, "@")
	var b strings.Builder
	b.WriteString("🐦 @" + handle)
	if !it.CreatedAt.IsZero() {
		b.WriteString(" · " + it.CreatedAt.UTC().Format("Jan 2, 2006 15:04 UTC"))
	}
	if text := strings.TrimSpace(it.Text); text != "" {
		b.WriteString("\n\n" + kit.TrimRunes(text, TextLimit))
	}
	link := it.URL
	if link == "" {
		link = item.PostURL(handle, it.ID)
	}
	b.WriteString("\n\n" + link)
	if it.Likes > 0 || it.Reposts > 0 {
		fmt.Fprintf(&b, "\n\n👍 %d · 🔄 %d", it.Likes, it.Reposts)
	}

	m := Message{Text: b.String()}
	if photos := it.Photos(); len(photos) > 0 {
		m.Photo = photos[0]
	}
	return m
}
