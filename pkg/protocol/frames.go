// Package protocol defines the wire format for the deskpilot control channel
// and the JSON bodies of the HTTP API. Mobile clients import it to speak to
// the host.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is announced in the hello signal and in discovery beacons.
const ProtocolVersion = 1

// EventFrame is sent by a device over /ws/mouse. Exactly one event per frame;
// the type tag selects which of the optional fields are meaningful.
type EventFrame struct {
	Type   string   `json:"type"`
	ID     string   `json:"id,omitempty"` // optional, echoed in ack/forbidden/error
	DX     int      `json:"dx,omitempty"`
	DY     int      `json:"dy,omitempty"`
	Button string   `json:"button,omitempty"`
	Down   *bool    `json:"down,omitempty"`
	Key    string   `json:"key,omitempty"`
	Keys   []string `json:"keys,omitempty"`
	Text   string   `json:"text,omitempty"`
	Action string   `json:"action,omitempty"`
}

// Pressed reports the down flag. A missing flag means a full click/tap.
func (f *EventFrame) Pressed() (down bool, set bool) {
	if f.Down == nil {
		return false, false
	}
	return *f.Down, true
}

// SignalFrame is pushed from the host to a device.
type SignalFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id,omitempty"`
	Event   string      `json:"event,omitempty"` // event type the signal refers to
	Right   string      `json:"right,omitempty"` // right that was missing (forbidden)
	Reason  string      `json:"reason,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// ErrorShape describes a protocol error.
type ErrorShape struct {
	Code         string      `json:"code"`
	Message      string      `json:"message"`
	Details      interface{} `json:"details,omitempty"`
	Retryable    bool        `json:"retryable,omitempty"`
	RetryAfterMs int         `json:"retryAfterMs,omitempty"`
}

// NewAck acknowledges an applied event.
func NewAck(id string) *SignalFrame {
	return &SignalFrame{Type: SignalAck, ID: id}
}

// NewForbidden reports an event rejected for missing rights.
func NewForbidden(id, event, right, reason string) *SignalFrame {
	return &SignalFrame{
		Type:   SignalForbidden,
		ID:     id,
		Event:  event,
		Right:  right,
		Reason: reason,
		Error:  &ErrorShape{Code: CodeForbidden, Message: "event not permitted for this device"},
	}
}

// NewErrorSignal wraps a protocol error for delivery on the channel.
func NewErrorSignal(id, code, message string) *SignalFrame {
	return &SignalFrame{
		Type:  SignalError,
		ID:    id,
		Error: &ErrorShape{Code: code, Message: message},
	}
}

// NewSignal creates a signal frame with a payload.
func NewSignal(signal string, payload interface{}) *SignalFrame {
	return &SignalFrame{Type: signal, Payload: payload}
}

// ParseEvent decodes and validates one inbound frame. Any failure is a
// MALFORMED_EVENT error that only affects this frame.
func ParseEvent(data []byte) (*EventFrame, error) {
	var f EventFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, Errorf(CodeMalformedEvent, "invalid json: %v", err)
	}
	if err := f.Validate(); err != nil {
		return &f, err
	}
	return &f, nil
}

// Validate checks the fields required by the frame's type.
func (f *EventFrame) Validate() error {
	switch f.Type {
	case "":
		return Errorf(CodeMalformedEvent, "missing event type")
	case EventMove, EventScroll:
		if f.DX == 0 && f.DY == 0 {
			return Errorf(CodeMalformedEvent, "%s requires dx or dy", f.Type)
		}
	case EventButton:
		if !validButtons[f.Button] {
			return Errorf(CodeMalformedEvent, "unknown button %q", f.Button)
		}
	case EventKey:
		if f.Key == "" {
			return Errorf(CodeMalformedEvent, "key requires key")
		}
	case EventText:
		if f.Text == "" {
			return Errorf(CodeMalformedEvent, "text requires text")
		}
		if len(f.Text) > MaxTextLength {
			return Errorf(CodeMalformedEvent, "text longer than %d bytes", MaxTextLength)
		}
	case EventHotkey:
		if len(f.Keys) == 0 {
			return Errorf(CodeMalformedEvent, "hotkey requires keys")
		}
		for _, k := range f.Keys {
			if k == "" {
				return Errorf(CodeMalformedEvent, "hotkey contains empty key")
			}
		}
	case EventMedia:
		if !validMediaKeys[f.Key] {
			return Errorf(CodeMalformedEvent, "unknown media key %q", f.Key)
		}
	case EventPower:
		if !validPowerActions[f.Action] {
			return Errorf(CodeMalformedEvent, "unknown power action %q", f.Action)
		}
	case EventPing:
	default:
		return Errorf(CodeMalformedEvent, "unknown event type %q", f.Type)
	}
	return nil
}

func (f *EventFrame) String() string {
	return fmt.Sprintf("%s(id=%s)", f.Type, f.ID)
}
