package transport

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/logging"
)

// OriginChecker returns a websocket origin check that accepts requests
// without an Origin header, same-host pages, the allowed origins and
// localhost pages.
func OriginChecker(allowed []string, log logging.LeveledLogger) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if origin == a {
				return true
			}
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		log.Warnf("websocket origin %q rejected", origin)
		return false
	}
}
