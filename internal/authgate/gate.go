// Package authgate checks bearer credentials on inbound requests. Issuing and
// refreshing credentials happen elsewhere.
package authgate

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"changedesk/internal/taskerr"
)

type Gate interface {
	Authenticate(r *http.Request) error
}

// Static accepts exactly one configured token. An empty token disables the check.
type Static struct {
	Token string
}

func (s Static) Enabled() bool {
	return strings.TrimSpace(s.Token) != ""
}

func (s Static) Authenticate(r *http.Request) error {
	want := strings.TrimSpace(s.Token)
	if want == "" {
		return nil
	}
	got := BearerToken(r)
	if got == "" {
		return taskerr.New(taskerr.KindAuthFailed, "authenticate", "missing bearer token")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return taskerr.New(taskerr.KindAuthFailed, "authenticate", "invalid token")
	}
	return nil
}

// BearerToken reads the Authorization header, falling back to a token query
// parameter for websocket upgrades from browsers.
func BearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// SetBearer attaches token to an outgoing request.
func SetBearer(h http.Header, token string) {
	if token = strings.TrimSpace(token); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}
