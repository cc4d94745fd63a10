package analytics

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const maxSessionIDLen = 100

// SessionID returns the client-supplied X-Session-Id, or a fresh UUID.
func SessionID(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get("X-Session-Id")); s != "" {
		return truncate(s, maxSessionIDLen)
	}
	return uuid.NewString()
}

// ClientIP returns the first X-Forwarded-For hop, else the remote host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// FromRequest fills the request-derived fields of an event.
func FromRequest(r *http.Request, action Action, language string, data map[string]any) Event {
	return Event{
		SessionID: SessionID(r),
		Action:    action,
		Language:  language,
		Data:      data,
		UserAgent: r.UserAgent(),
		ClientIP:  ClientIP(r),
	}
}
