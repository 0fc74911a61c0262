// Package input applies device control events to the host's keyboard and
// pointer through a pluggable Backend.
package input

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// Backend injects OS-level input. Implementations need not be goroutine
// safe; Device serializes all calls.
type Backend interface {
	MoveRelative(dx, dy int) error
	Button(button string, down bool) error
	Click(button string) error
	Scroll(dx, dy int) error
	Key(key string, down bool) error
	Tap(key string, modifiers ...string) error
	Type(text string) error
	Media(key string) error
}

// Device is the single shared input sink. It remembers which keys and
// buttons each owner is holding so they can be released when the owner
// goes away.
type Device struct {
	mu      sync.Mutex
	backend Backend
	held    map[string]map[string]struct{} // owner -> "button:left" / "key:shift"
}

// NewDevice wraps backend.
func NewDevice(backend Backend) *Device {
	return &Device{backend: backend, held: make(map[string]map[string]struct{})}
}

// Apply injects one event on behalf of owner. Non-input events (ping,
// power) are rejected.
func (d *Device) Apply(owner string, ev *protocol.EventFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch ev.Type {
	case protocol.EventMove:
		return d.backend.MoveRelative(ev.DX, ev.DY)
	case protocol.EventScroll:
		return d.backend.Scroll(ev.DX, ev.DY)
	case protocol.EventButton:
		down, set := ev.Pressed()
		if !set {
			return d.backend.Click(ev.Button)
		}
		if err := d.backend.Button(ev.Button, down); err != nil {
			return err
		}
		d.track(owner, "button:"+ev.Button, down)
		return nil
	case protocol.EventKey:
		down, set := ev.Pressed()
		if !set {
			return d.backend.Tap(ev.Key)
		}
		if err := d.backend.Key(ev.Key, down); err != nil {
			return err
		}
		d.track(owner, "key:"+ev.Key, down)
		return nil
	case protocol.EventText:
		return d.backend.Type(ev.Text)
	case protocol.EventHotkey:
		main := ev.Keys[len(ev.Keys)-1]
		return d.backend.Tap(main, ev.Keys[:len(ev.Keys)-1]...)
	case protocol.EventMedia:
		return d.backend.Media(ev.Key)
	default:
		return fmt.Errorf("input: %s is not an input event", ev.Type)
	}
}

// Release lifts every key and button owner still holds. Safe to call more
// than once.
func (d *Device) Release(owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	held := d.held[owner]
	delete(d.held, owner)
	if len(held) == 0 {
		return
	}

	names := make([]string, 0, len(held))
	for h := range held {
		names = append(names, h)
	}
	sort.Strings(names)
	for _, h := range names {
		kind, name, _ := strings.Cut(h, ":")
		var err error
		if kind == "button" {
			err = d.backend.Button(name, false)
		} else {
			err = d.backend.Key(name, false)
		}
		if err != nil {
			slog.Warn("input release failed", "owner", owner, "input", h, "error", err)
		}
	}
	slog.Debug("input released", "owner", owner, "count", len(names))
}

// Held returns what owner is currently holding, sorted.
func (d *Device) Held(owner string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.held[owner]))
	for h := range d.held[owner] {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (d *Device) track(owner, input string, down bool) {
	set := d.held[owner]
	if down {
		if set == nil {
			set = make(map[string]struct{})
			d.held[owner] = set
		}
		set[input] = struct{}{}
		return
	}
	delete(set, input)
	if len(set) == 0 {
		delete(d.held, owner)
	}
}
