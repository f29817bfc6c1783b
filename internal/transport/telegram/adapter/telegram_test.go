package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("x", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")

	chunks := SplitText(text, 70)
	if len(chunks) != 2 {
		t.Fatalf("chunks=%d %q", len(chunks), chunks)
	}
	for _, c := range chunks {
		if utf8.RuneCountInString(c) > 70 {
			t.Fatalf("chunk too long: %d", utf8.RuneCountInString(c))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has edge newline: %q", c)
		}
	}
	if got := SplitText("tiny", 70); len(got) != 1 || got[0] != "tiny" {
		t.Fatalf("SplitText tiny=%q", got)
	}
}
