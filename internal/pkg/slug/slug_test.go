package slug

import (
	"strings"
	"testing"
)

func TestMake(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "basic", in: "Online Bookshop", want: "online-bookshop"},
		{name: "special characters", in: "Book@#$%Shop!!!", want: "book-shop"},
		{name: "accents folded", in: "Café Naïve", want: "cafe-naive"},
		{name: "fullwidth", in: "ＡＢＣ１２３", want: "abc123"},
		{name: "consecutive separators", in: "a   ---   b", want: "a-b"},
		{name: "non latin only", in: "設計書", want: Fallback},
		{name: "empty", in: "", want: Fallback},
		{name: "windows reserved", in: "CON", want: "con-x"},
		{name: "truncated without trailing hyphen", in: "abcd efgh", max: 5, want: "abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Make(tt.in, tt.max); got != tt.want {
				t.Errorf("Make(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestUnique(t *testing.T) {
	a, b := Unique("a b"), Unique("a-b")
	if a == b {
		t.Errorf("Unique collided: %q", a)
	}
	if !strings.HasPrefix(a, "a-b-") {
		t.Errorf("Unique(%q) = %q, want readable prefix", "a b", a)
	}
	if Unique("a b") != a {
		t.Error("Unique is not deterministic")
	}
}
