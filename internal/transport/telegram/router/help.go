package router

import (
	"strings"
)

// helpText lists the commands visible to the caller. Owner-only commands
// are shown only to owners.
func (r *Router) helpText(owner bool) string {
	lines := []string{"Commands:"}
	for _, c := range r.sorted() {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		line := "/" + c.Name
		if u := strings.TrimSpace(c.Usage); u != "" {
			line = u
		}
		if c.Description != "" {
			line += " - " + c.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
