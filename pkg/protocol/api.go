package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// PIN accepts both "3071" and 3071 on the wire. Leading zeros only survive
// in the string form.
type PIN string

func (p *PIN) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PIN(s)
		return nil
	}
	n, err := strconv.ParseUint(string(data), 10, 32)
	if err != nil {
		return Errorf(CodeInvalidRequest, "pin must be a string of digits")
	}
	*p = PIN(strconv.FormatUint(n, 10))
	return nil
}

// HandshakeRequest is the body of POST /api/handshake.
type HandshakeRequest struct {
	PIN  PIN    `json:"pin"`
	Name string `json:"name,omitempty"`
}

// HandshakeResponse is returned on successful pairing.
type HandshakeResponse struct {
	Token     string   `json:"token"`
	SessionID string   `json:"session_id"`
	Rights    []string `json:"rights"`
	State     string   `json:"state"`
}

// SessionInfo is the JSON view of a device session.
type SessionInfo struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Rights     []string `json:"rights"`
	State      string   `json:"state"`
	RemoteAddr string   `json:"remote_addr,omitempty"`
	CreatedAt  int64    `json:"created_at"`   // unix millis
	LastSeenAt int64    `json:"last_seen_at"` // unix millis
	Controller bool     `json:"controller,omitempty"`
}

// HelloPayload is sent once the control channel is active.
type HelloPayload struct {
	Version   int      `json:"version"`
	SessionID string   `json:"session_id"`
	Rights    []string `json:"rights"`
	Policy    string   `json:"control_policy"`
}

// FilePushPayload announces a file the device may download.
type FilePushPayload struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Mime   string `json:"mime,omitempty"`
	URL    string `json:"url"`
}

// LocalInfo is returned by GET /api/local/info.
type LocalInfo struct {
	InstanceID    string `json:"instance_id"`
	Name          string `json:"name"`
	Version       string `json:"version"`
	Port          int    `json:"port"`
	Scheme        string `json:"scheme"`
	DiscoveryPort int    `json:"discovery_port,omitempty"`
	PIN           string `json:"pin"`
	Pinned        bool   `json:"pinned"`
	PairingOpen   bool   `json:"pairing_open"`
	Platform      string `json:"platform"`
	ControlPolicy string `json:"control_policy"`
	PairingURL    string `json:"pairing_url"`
}

// DeviceSettingsRequest is the body of POST /api/local/device_settings.
// Nil fields are left unchanged.
type DeviceSettingsRequest struct {
	SessionID string    `json:"session_id"`
	Rights    *[]string `json:"rights,omitempty"`
	Name      *string   `json:"name,omitempty"`
}

// DeviceRequest is the body of device_disconnect and device_delete.
type DeviceRequest struct {
	SessionID string `json:"session_id"`
}

// FilePushRequest is the body of POST /api/local/file_push. An empty
// SessionID targets every connected device holding the file-transfer right.
type FilePushRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Path      string `json:"path"`
}

// FilePushResponse lists the sessions the push was delivered to.
type FilePushResponse struct {
	FileID    string   `json:"file_id"`
	Delivered []string `json:"delivered"`
}

// ErrorBody is the JSON body of every failed HTTP call.
type ErrorBody struct {
	Error *ErrorShape `json:"error"`
}
