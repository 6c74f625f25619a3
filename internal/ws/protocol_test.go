package ws

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestReserved(t *testing.T) {
	cases := []struct {
		event string
		want  bool
	}{
		{"$ack", true},
		{"$anything", true},
		{"relay:keepalive", true},
		{"bridge:request", true},
		{"bridge:response", true},
		{"terminal:create", false},
		{"relay", false}, // prefix needs the colon
		{"bridgework", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := Reserved(tc.event); got != tc.want {
			t.Errorf("Reserved(%q) = %v, want %v", tc.event, got, tc.want)
		}
	}
}

func TestHTTPRequestBodyEncoding(t *testing.T) {
	req := HTTPRequest{
		Event:   EventHTTPRequest,
		ID:      "r1",
		Method:  "POST",
		URL:     "/api/upload?x=1",
		Headers: map[string]string{"Content-Type": "application/octet-stream"},
		Body:    []byte{0x00, 0xff, 0x10, 0x80},
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Binary bodies ride as base64 inside the JSON envelope.
	if !strings.Contains(string(data), `"body":"AP8QgA=="`) {
		t.Errorf("body not base64 encoded: %s", data)
	}

	var back HTTPRequest
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(back.Body, req.Body) {
		t.Errorf("body round trip = %v, want %v", back.Body, req.Body)
	}
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second)
	want := []time.Duration{1, 2, 4, 8, 8, 8}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("attempt %d: got %v, want %v", i, got, w*time.Second)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("after reset: got %v, want 1s", got)
	}
}
