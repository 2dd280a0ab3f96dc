package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// OriginPolicy decides which browser origins may open overlay connections.
type OriginPolicy struct {
	// BaseURL is the service's public URL; its origin is always allowed.
	BaseURL string
	// Extra lists further origins, e.g. a hosted overlay editor.
	Extra []string
	// AllowLocal admits localhost and 127.0.0.1 origins.
	AllowLocal bool
}

// CheckOrigin returns a centrifuge CheckOrigin function. Requests without an
// Origin header (non-browser clients) and obs:// origins (OBS browser
// sources) are always allowed.
func (p OriginPolicy) CheckOrigin() func(r *http.Request) bool {
	allowed := make([]string, 0, len(p.Extra)+1)
	if o := extractOrigin(p.BaseURL); o != "" {
		allowed = append(allowed, o)
	}
	for _, extra := range p.Extra {
		if o := extractOrigin(strings.TrimSpace(extra)); o != "" {
			allowed = append(allowed, o)
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		switch {
		case origin == "", strings.HasPrefix(origin, "obs://"):
			return true
		case slices.Contains(allowed, origin):
			return true
		case p.AllowLocal && isLocalhostOrigin(origin):
			return true
		}

		slog.Warn("Overlay origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
