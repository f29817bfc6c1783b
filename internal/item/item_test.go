package item

import (
	"testing"
	"time"
)

func TestNumericCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
		ok   bool
	}{
		{"100", "150", -1, true},
		{"987654321098766", "987654321098765", 1, true},
		{"99999999999999999999999", "100000000000000000000000", -1, true},
		{"00150", "150", 0, true},
		{"abc", "150", 0, false},
		{"", "1", 0, false},
	}
	for _, tt := range tests {
		got, ok := Numeric.Compare(Ref{ID: tt.a}, Ref{ID: tt.b})
		if got != tt.want || ok != tt.ok {
			t.Fatalf("Compare(%q,%q)=(%d,%v) want (%d,%v)", tt.a, tt.b, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNumericOrTimeFallsBack(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := Ref{ID: "post-b", CreatedAt: now}
	b := Ref{ID: "post-a", CreatedAt: now.Add(-time.Minute)}
	if c, ok := NumericOrTime.Compare(a, b); !ok || c != 1 {
		t.Fatalf("fallback compare=(%d,%v)", c, ok)
	}
	if _, ok := NumericOrTime.Compare(Ref{ID: "x"}, Ref{ID: "y"}); ok {
		t.Fatalf("no ordering possible without numbers or timestamps")
	}
	if NumericOrTime.Name() != "numeric|timestamp" {
		t.Fatalf("name=%q", NumericOrTime.Name())
	}
}

func TestNewer(t *testing.T) {
	t.Parallel()

	if !Newer(Numeric, Ref{ID: "150"}, Ref{}) {
		t.Fatalf("empty floor should accept any candidate")
	}
	if Newer(Numeric, Ref{ID: "100"}, Ref{ID: "100"}) {
		t.Fatalf("equal id is not newer")
	}
	if Newer(Numeric, Ref{ID: "99"}, Ref{ID: "100"}) {
		t.Fatalf("older id is not newer")
	}
	if Newer(Numeric, Ref{ID: "x"}, Ref{ID: "100"}) {
		t.Fatalf("incomparable id is not newer")
	}
	if !Newer(nil, Ref{ID: "101"}, Ref{ID: "100"}) {
		t.Fatalf("nil comparator defaults to numeric-or-time")
	}
}

func TestNewest(t *testing.T) {
	t.Parallel()

	refs := []Ref{{ID: "100"}, {ID: "150"}, {}, {ID: "120"}}
	if got := Newest(Numeric, refs); got != 1 {
		t.Fatalf("Newest=%d want 1", got)
	}
	if got := Newest(Numeric, nil); got != -1 {
		t.Fatalf("Newest(nil)=%d", got)
	}
}

func TestValidID(t *testing.T) {
	t.Parallel()

	if !ValidID("987654321098765") || ValidID("12345") || ValidID("98765432109876x") {
		t.Fatalf("ValidID mismatch")
	}
}

func TestPhotosAndURL(t *testing.T) {
	t.Parallel()

	it := &Item{Media: []Media{{Type: "photo", URL: "a"}, {Type: "video", URL: "b"}, {Type: "photo", URL: "c"}}}
	if got := it.Photos(); len(got) != 2 || got[1] != "c" {
		t.Fatalf("photos=%v", got)
	}
	if PostURL("@alice", "1") != "https://twitter.com/alice/status/1" {
		t.Fatalf("url=%q", PostURL("@alice", "1"))
	}
}
