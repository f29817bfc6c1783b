package transport

import "testing"

func TestTrimRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdefghij", 10, "abcdefghij"},
		{"abcdefghijk", 10, "abcdefg..."},
		{"ééééé", 4, "é..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := TrimRunes(tt.in, tt.n); got != tt.want {
			t.Fatalf("TrimRunes(%q,%d)=%q want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
