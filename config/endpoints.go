package config

import (
	"fmt"
	"net/url"
	"strings"
)

// UserStreamURL derives the user-stream websocket endpoint from the backend
// base URL. Trailing slashes are stripped and exactly one /ws/user suffix is
// appended, tolerating bases that already end in /ws, /user, or the full
// suffix. http(s) schemes are swapped for their websocket equivalents.
func (b BackendConfig) UserStreamURL() (string, error) {
	base := strings.TrimSpace(b.BaseURL)
	if base == "" {
		return "", fmt.Errorf("config: backend.baseUrl is required")
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("config: invalid backend.baseUrl %q: %w", base, err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("config: unsupported backend.baseUrl scheme %q", parsed.Scheme)
	}

	path := strings.TrimRight(parsed.Path, "/")
	switch {
	case strings.HasSuffix(path, "/ws/user"):
	case strings.HasSuffix(path, "/ws"):
		path += "/user"
	case strings.HasSuffix(path, "/user"):
		path = strings.TrimSuffix(path, "/user") + "/ws/user"
	default:
		path += "/ws/user"
	}
	parsed.Path = path

	return parsed.String(), nil
}
