package relay

import (
	"strings"
	"testing"
)

func TestNewSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewSessionID()
		if len(id) != sessionIDLength {
			t.Fatalf("id %q has length %d", id, len(id))
		}
		for _, c := range id {
			if !strings.ContainsRune(sessionIDChars, c) {
				t.Fatalf("id %q contains excluded character %q", id, c)
			}
		}
		if _, ok := NormalizeSessionID(id); !ok {
			t.Fatalf("generated id %q fails its own grammar", id)
		}
		seen[id] = true
	}
	// Not a collision proof, just a sanity check on the entropy source.
	if len(seen) < 95 {
		t.Errorf("only %d distinct ids out of 100", len(seen))
	}
}

func TestNormalizeSessionID(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"ab2345", "AB2345", true},
		{"AB2345", "AB2345", true},
		{"Ab2345", "AB2345", true},
		{"ABCDEF", "ABCDEF", true},
		{"AB234", "", false},    // too short
		{"AB23456", "", false},  // too long
		{"AB234O", "", false},   // O excluded
		{"AB234I", "", false},   // I excluded
		{"AB2340", "", false},   // 0 excluded
		{"AB2341", "", false},   // 1 excluded
		{"AB 345", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizeSessionID(tc.in)
		if ok != tc.ok {
			t.Errorf("NormalizeSessionID(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("NormalizeSessionID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
