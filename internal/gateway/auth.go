package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/iron-claw/internal/audit"
)

type authResult int

const (
	authOK authResult = iota
	authMissing
	authInvalid
)

// authenticate checks the Authorization header against the configured hook
// token. Missing and invalid credentials are distinguished so the handlers
// can map them to 401 vs 403.
func (s *Server) authenticate(r *http.Request) authResult {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return authMissing
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return authInvalid
	}
	if s.cfg.HookToken == "" {
		return authInvalid
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.HookToken)) != 1 {
		return authInvalid
	}
	return authOK
}

// requireAuth writes the rejection response and audit record on failure. The
// return value reports whether the request may proceed.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request, capability string) bool {
	switch s.authenticate(r) {
	case authOK:
		return true
	case authMissing:
		audit.Record("deny", capability, "missing authorization header", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"ok":    false,
			"error": "missing authorization",
		})
		return false
	default:
		audit.Record("deny", capability, "invalid token", r.RemoteAddr)
		writeJSON(w, http.StatusForbidden, map[string]any{
			"ok":    false,
			"error": "invalid token",
		})
		return false
	}
}
