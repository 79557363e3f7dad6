package relevance

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Crème Brûlée", "creme brulee"},
		{"Œuvre", "oeuvre"},
		{"straße", "strasse"},
		{"PLAIN", "plain"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Read the файл, s'il vous plaît!")
	want := []string{"read", "the", "файл", "s", "il", "vous", "plait"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokenize() = %v, want %v", got, want)
	}
}

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"same", "same", 0},
		{"", "abc", 3},
		{"screenshot", "screenshoot", 1},
	}
	for _, tt := range tests {
		if got := editDistance(tt.a, tt.b); got != tt.want {
			t.Fatalf("editDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTrigramJaccard(t *testing.T) {
	if got := trigramJaccard("abcdef", "abcdef"); got != 1 {
		t.Fatalf("identical strings similarity = %v, want 1", got)
	}
	if got := trigramJaccard("abcdef", "zyxwvu"); got != 0 {
		t.Fatalf("disjoint strings similarity = %v, want 0", got)
	}
	partial := trigramJaccard("read file", "read the file")
	if partial <= 0 || partial >= 1 {
		t.Fatalf("partial overlap similarity = %v, want in (0, 1)", partial)
	}
}
