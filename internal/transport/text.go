package transport

// CaptionLimit is the longest media caption the chat surface accepts.
const CaptionLimit = 1024

// TrimRunes cuts s to at most n runes, ending in "..." when cut.
func TrimRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	if n <= 3 {
		return string(rs[:n])
	}
	return string(rs[:n-3]) + "..."
}
