package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/skip2/go-qrcode"

	"github.com/nextlevelbuilder/deskpilot/internal/bus"
	"github.com/nextlevelbuilder/deskpilot/internal/discovery"
	"github.com/nextlevelbuilder/deskpilot/internal/sessions"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// Admin API for the host's own tray app and CLI. Every handler here is
// wrapped in localOnly.

func (s *Server) handleLocalInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.LocalInfo{
		InstanceID:    s.opts.InstanceID,
		Name:          s.cfg.Name,
		Version:       s.opts.Version,
		Port:          s.Port(),
		Scheme:        s.Scheme(),
		DiscoveryPort: s.opts.DiscoveryPort,
		PIN:           s.opts.Authority.PIN(),
		Pinned:        s.opts.Authority.Pinned(),
		PairingOpen:   s.opts.Authority.Open(),
		Platform:      string(s.opts.Negotiator.Platform(r.Context())),
		ControlPolicy: s.opts.Registry.Policy(),
		PairingURL:    s.PairingURL(),
	})
}

// PairingURL is the deep link encoded in the pairing QR code.
func (s *Server) PairingURL() string {
	host := discovery.PrimaryIPv4()
	if host == "" {
		host = "127.0.0.1"
	}
	q := url.Values{}
	q.Set("pin", s.opts.Authority.PIN())
	q.Set("scheme", s.Scheme())
	q.Set("id", s.opts.InstanceID)
	u := url.URL{
		Scheme:   "deskpilot",
		Host:     net.JoinHostPort(host, strconv.Itoa(s.Port())),
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	controller := s.opts.Registry.Controller()
	list := s.opts.Registry.List()
	out := make([]protocol.SessionInfo, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Info(sess.ID == controller))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": out})
}

// handleDeviceSettings is the only path that can raise a device's rights.
func (s *Server) handleDeviceSettings(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeviceSettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, protocol.Errorf(protocol.CodeInvalidRequest, "session_id is required"))
		return
	}
	sess, err := s.opts.Registry.GetByID(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Rights != nil {
		rights, err := sessions.ParseRights(*req.Rights)
		if err != nil {
			writeError(w, err)
			return
		}
		if sess, err = s.opts.Registry.SetRights(req.SessionID, rights); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Name != nil {
		if sess, err = s.opts.Registry.Rename(req.SessionID, *req.Name); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, sess.Info(s.opts.Registry.Controller() == sess.ID))
}

func (s *Server) handleDeviceDisconnect(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.opts.Registry.Disconnect(req.SessionID, "disconnected by host"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.opts.Registry.Delete(req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	pin, err := s.opts.Authority.Regenerate()
	if err != nil {
		writeError(w, protocol.Wrap(protocol.CodeInternal, err, "regenerate pin"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pin": pin})
}

// handleSetPIN pins a PIN, or unpins when the body carries an empty one.
func (s *Server) handleSetPIN(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PIN protocol.PIN `json:"pin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.opts.Authority.Pin(string(req.PIN)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pin":    s.opts.Authority.PIN(),
		"pinned": s.opts.Authority.Pinned(),
	})
}

// handleFilePush offers a host file to one device, or to every connected
// device that may receive files.
func (s *Server) handleFilePush(w http.ResponseWriter, r *http.Request) {
	var req protocol.FilePushRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" {
		writeError(w, protocol.Errorf(protocol.CodeInvalidRequest, "path is required"))
		return
	}

	var targets []string
	if req.SessionID != "" {
		sess, err := s.opts.Registry.GetByID(req.SessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !sess.Rights.Has(sessions.RightFileTransfer) {
			writeError(w, protocol.Errorf(protocol.CodeForbidden, "session %s lacks file_transfer", sess.ID))
			return
		}
		targets = []string{sess.ID}
	} else {
		for _, id := range s.Connected() {
			sess, err := s.opts.Registry.GetByID(id)
			if err == nil && sess.Rights.Has(sessions.RightFileTransfer) {
				targets = append(targets, id)
			}
		}
	}

	offer, err := s.files.Add(req.Path, targets)
	if err != nil {
		writeError(w, err)
		return
	}
	payload := offer.Payload()
	for _, id := range targets {
		if s.opts.Bus != nil {
			s.opts.Bus.Broadcast(bus.Event{Name: bus.EventFilePush, SessionID: id, Payload: payload})
		}
	}
	slog.Info("file offered", "file", offer.Name, "size", offer.Size, "targets", len(targets))

	delivered := targets
	if delivered == nil {
		delivered = []string{}
	}
	writeJSON(w, http.StatusOK, protocol.FilePushResponse{FileID: offer.ID, Delivered: delivered})
}

func (s *Server) handlePairingQR(w http.ResponseWriter, r *http.Request) {
	size := 256
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 64 || n > 1024 {
			writeError(w, protocol.Errorf(protocol.CodeInvalidRequest, "size must be between 64 and 1024"))
			return
		}
		size = n
	}
	png, err := qrcode.Encode(s.PairingURL(), qrcode.Medium, size)
	if err != nil {
		writeError(w, protocol.Wrap(protocol.CodeInternal, err, "encode qr code"))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}
