package realtime

import (
	"fmt"
	"net/url"
	"strings"

	apperrors "github.com/pilonas/console/internal/errors"
)

// EndpointFromOrigin derives the push channel URL from the console's origin:
// http becomes ws, https becomes wss, and path replaces the origin's path.
func EndpointFromOrigin(origin, path string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", apperrors.BadEndpoint(origin, err)
	}
	if u.Host == "" {
		return "", apperrors.BadEndpoint(origin, fmt.Errorf("missing host"))
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", apperrors.BadEndpoint(origin, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	if path == "" {
		path = "/ws"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
