package gateway

import (
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/deskpilot/internal/sessions"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

const defaultDeviceName = "device"

// handleHandshake exchanges the pairing PIN for a device token.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req protocol.HandshakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = defaultDeviceName
	}

	issued, err := s.opts.Authority.IssueToken(r.Context(), string(req.PIN), clientIP(r), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.HandshakeResponse{
		Token:     issued.Token,
		SessionID: issued.Session.ID,
		Rights:    issued.Session.Rights.Names(),
		State:     string(issued.Session.State),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, sess sessions.Session) {
	writeJSON(w, http.StatusOK, sess.Info(s.opts.Registry.Controller() == sess.ID))
}

// handleRestrict lets a device give up rights. It can never widen them.
func (s *Server) handleRestrict(w http.ResponseWriter, r *http.Request, sess sessions.Session) {
	var req struct {
		Rights []string `json:"rights"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rights, err := sessions.ParseRights(req.Rights)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.opts.Registry.Restrict(sess.ID, rights)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Info(s.opts.Registry.Controller() == sess.ID))
}
