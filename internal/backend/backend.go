// Package backend defines how chirpwatch asks one source for the latest
// post of an account. Implementations live in the api, mirror and direct
// subpackages.
package backend

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"chirpwatch/internal/item"
)

// Backend names, also used as configuration values.
const (
	API    = "api"
	Mirror = "mirror"
	Direct = "direct"
)

// Known lists every backend name in the default order.
var Known = []string{Mirror, Direct, API}

// Result is what one Fetch produced. Item is nil when the backend only
// confirmed the floor ("no change"). UserID is set by backends that learn
// the numeric account id.
type Result struct {
	ID     string
	Item   *item.Item
	UserID string
}

// NoChange is the result for "nothing newer than floor".
func NoChange(floor string) Result { return Result{ID: floor} }

// Adapter fetches the latest post of handle. When floor is non-empty the
// adapter never returns an item its comparator orders at or below floor;
// it returns NoChange(floor) instead.
type Adapter interface {
	Name() string
	Comparator() item.Comparator
	Fetch(ctx context.Context, handle, floor string) (Result, error)
}

// NormalizeNames lowercases, trims, accepts "nitter"/"web" aliases and
// rejects unknown or duplicate names. A nil input stays nil; an empty
// non-nil input stays empty.
func NormalizeNames(in []string) ([]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]string, 0, len(in))
	for _, raw := range in {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "nitter":
			name = Mirror
		case "web", "scrape":
			name = Direct
		case "twitter", "official":
			name = API
		}
		if !slices.Contains(Known, name) {
			return nil, fmt.Errorf("unknown backend %q (known: %s)", raw, strings.Join(Known, ", "))
		}
		if slices.Contains(out, name) {
			return nil, fmt.Errorf("backend %q listed twice", name)
		}
		out = append(out, name)
	}
	return out, nil
}

// NormalizeHandle strips "@" and surrounding space.
func NormalizeHandle(h string) string {
	return strings.TrimPrefix(strings.TrimSpace(h), "@")
}

// ValidHandle accepts 1 to 15 letters, digits or underscores.
func ValidHandle(h string) bool {
	if len(h) == 0 || len(h) > 15 {
		return false
	}
	for _, r := range h {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}
