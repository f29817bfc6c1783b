package router

import (
	"strings"

	kit "chirpwatch/internal/transport"
)

// sanitizeCommand maps s to a menu-safe name: [a-z0-9_]{1,32} starting
// with a letter.
func sanitizeCommand(s string) string {
	s = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "/")))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_', r == '-', r == ' ':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		return ""
	}
	return out
}

func (r *Router) menu() []kit.BotCommand {
	var out []kit.BotCommand
	for _, c := range r.sorted() {
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
	}
	return out
}
