package transport

import (
	"net/http/httptest"
	"testing"

	"device-streaming/internal/logging"
)

func TestOriginChecker(t *testing.T) {
	check := OriginChecker([]string{"https://viewer.example.org"}, logging.Discard().NewLogger("test"))

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://viewer.example.org", true},
		{"http://stream.local:8080", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:5173", true},
		{"https://evil.example.com", false},
		{"https://viewer.example.org.evil.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "http://stream.local:8080/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := check(r); got != tc.want {
			t.Errorf("origin %q: got %v, want %v", tc.origin, got, tc.want)
		}
	}
}
