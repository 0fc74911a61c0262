//go:build robotgo

// Package robotgo injects input through github.com/go-vgo/robotgo. It needs
// cgo and the platform's input libraries, so it is only built with
// `-tags robotgo`.
package robotgo

import (
	"fmt"

	"github.com/go-vgo/robotgo"

	"github.com/nextlevelbuilder/deskpilot/internal/input"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

var mediaKeys = map[string]string{
	protocol.MediaPlayPause:  "audio_play",
	protocol.MediaNext:       "audio_next",
	protocol.MediaPrev:       "audio_prev",
	protocol.MediaStop:       "audio_stop",
	protocol.MediaVolumeUp:   "audio_vol_up",
	protocol.MediaVolumeDown: "audio_vol_down",
	protocol.MediaMute:       "audio_mute",
}

// Backend drives the real keyboard and pointer.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (Backend) MoveRelative(dx, dy int) error {
	robotgo.MoveRelative(dx, dy)
	return nil
}

func (Backend) Button(button string, down bool) error {
	state := "up"
	if down {
		state = "down"
	}
	return robotgo.Toggle(button, state)
}

func (Backend) Click(button string) error {
	robotgo.Click(button)
	return nil
}

func (Backend) Scroll(dx, dy int) error {
	robotgo.Scroll(dx, dy)
	return nil
}

func (Backend) Key(key string, down bool) error {
	state := "up"
	if down {
		state = "down"
	}
	return robotgo.KeyToggle(key, state)
}

func (Backend) Tap(key string, modifiers ...string) error {
	if len(modifiers) == 0 {
		return robotgo.KeyTap(key)
	}
	return robotgo.KeyTap(key, modifiers)
}

func (Backend) Type(text string) error {
	robotgo.TypeStr(text)
	return nil
}

func (Backend) Media(key string) error {
	name, ok := mediaKeys[key]
	if !ok {
		return fmt.Errorf("robotgo: unsupported media key %q", key)
	}
	return robotgo.KeyTap(name)
}

var _ input.Backend = Backend{}
