package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/deskpilot/internal/sessions"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// extractToken reads the device token from the query string (WebSocket and
// <img>/<video> clients cannot set headers), a bearer header or
// X-Device-Token.
func extractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.Header.Get("X-Device-Token")
}

// clientIP is the remote IP without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(r *http.Request) bool {
	ip := net.ParseIP(clientIP(r))
	return ip != nil && ip.IsLoopback()
}

// authenticate resolves the request's token to its session.
func (s *Server) authenticate(r *http.Request) (sessions.Session, error) {
	token := extractToken(r)
	if token == "" {
		return sessions.Session{}, protocol.Errorf(protocol.CodeAuth, "missing device token")
	}
	sess, err := s.opts.Registry.Get(token)
	if err != nil {
		slog.Warn("security.unknown_token", "remote", clientIP(r), "path", r.URL.Path)
		return sessions.Session{}, protocol.Errorf(protocol.CodeAuth, "unknown or revoked token")
	}
	return sess, nil
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess sessions.Session)

// withSession authenticates the request and checks that the session holds
// need (0 for any paired device).
func (s *Server) withSession(need sessions.Rights, next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if need != 0 && !sess.Rights.Has(need) {
			slog.Info("gateway: forbidden", "session", sess.ID, "path", r.URL.Path, "right", sessions.RightName(need))
			writeError(w, &protocol.Error{
				Code:    protocol.CodeForbidden,
				Message: "missing right " + sessions.RightName(need),
			})
			return
		}
		next(w, r, sess)
	}
}

// localOnly restricts an admin endpoint to callers on the loopback interface.
func localOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r) {
			slog.Warn("security.local_api_denied", "remote", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, protocol.Errorf(protocol.CodeForbidden, "local API is only available from this machine"))
			return
		}
		next(w, r)
	}
}
