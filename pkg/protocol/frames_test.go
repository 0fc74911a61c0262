package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseEvent_Valid(t *testing.T) {
	cases := []string{
		`{"type":"move","dx":3,"dy":-2}`,
		`{"type":"button","button":"left","down":true}`,
		`{"type":"button","button":"right"}`,
		`{"type":"scroll","dy":-3}`,
		`{"type":"key","key":"enter","down":false}`,
		`{"type":"text","text":"hello"}`,
		`{"type":"hotkey","keys":["ctrl","c"]}`,
		`{"type":"media","key":"play_pause"}`,
		`{"type":"power","action":"lock"}`,
		`{"type":"ping","id":"7"}`,
	}
	for _, c := range cases {
		if _, err := ParseEvent([]byte(c)); err != nil {
			t.Errorf("ParseEvent(%s) error: %v", c, err)
		}
	}
}

func TestParseEvent_Malformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{}`,
		`{"type":"teleport"}`,
		`{"type":"move"}`,
		`{"type":"button","button":"thumb"}`,
		`{"type":"key"}`,
		`{"type":"hotkey","keys":[]}`,
		`{"type":"hotkey","keys":["ctrl",""]}`,
		`{"type":"media","key":"louder"}`,
		`{"type":"power","action":"explode"}`,
	}
	for _, c := range cases {
		_, err := ParseEvent([]byte(c))
		if !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("ParseEvent(%s) = %v, want MALFORMED_EVENT", c, err)
		}
	}
}

func TestParseEvent_KeepsIDOnValidationFailure(t *testing.T) {
	f, err := ParseEvent([]byte(`{"type":"key","id":"42"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if f == nil || f.ID != "42" {
		t.Errorf("frame id not preserved: %+v", f)
	}
}

func TestErrorIsByCode(t *testing.T) {
	err := fmt.Errorf("handshake: %w", Errorf(CodeAuth, "invalid pin"))
	if !errors.Is(err, ErrAuth) {
		t.Error("wrapped auth error should match ErrAuth")
	}
	if errors.Is(err, ErrForbidden) {
		t.Error("auth error must not match ErrForbidden")
	}
	if got := CodeOf(err); got != CodeAuth {
		t.Errorf("CodeOf = %q, want %q", got, CodeAuth)
	}
	if got := CodeOf(errors.New("boom")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %q, want %q", got, CodeInternal)
	}
}

func TestShapeOf_RateLimited(t *testing.T) {
	shape := ShapeOf(RateLimited(1500 * time.Millisecond))
	if shape.Code != CodeRateLimited || !shape.Retryable || shape.RetryAfterMs != 1500 {
		t.Errorf("unexpected shape: %+v", shape)
	}
}

func TestPIN_UnmarshalStringAndNumber(t *testing.T) {
	var req HandshakeRequest
	if err := json.Unmarshal([]byte(`{"pin":"0071"}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.PIN != "0071" {
		t.Errorf("pin = %q, want 0071", req.PIN)
	}
	if err := json.Unmarshal([]byte(`{"pin":3071}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.PIN != "3071" {
		t.Errorf("pin = %q, want 3071", req.PIN)
	}
	if err := json.Unmarshal([]byte(`{"pin":true}`), &req); err == nil {
		t.Error("expected error for boolean pin")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[string]int{
		CodeAuth:               401,
		CodeRateLimited:        429,
		CodeForbidden:          403,
		CodeMalformedEvent:     400,
		CodeCaptureUnavailable: 503,
		CodeInternal:           500,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}
