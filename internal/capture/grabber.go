package capture

import (
	"fmt"
	"image"
	"sync"

	"github.com/kbinani/screenshot"

	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// Monitor describes one display.
type Monitor struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Primary bool   `json:"primary"`
}

// Target is what a pipeline captures: one monitor under the negotiated
// constraints.
type Target struct {
	Monitor    int
	MaxWidth   int
	LowLatency bool
}

func (t Target) String() string {
	return fmt.Sprintf("monitor=%d max_w=%d low_latency=%t", t.Monitor, t.MaxWidth, t.LowLatency)
}

// Grabber enumerates monitors and grabs single frames.
type Grabber interface {
	Monitors() ([]Monitor, error)
	Grab(monitor int) (image.Image, error)
}

// ScreenGrabber grabs frames with kbinani/screenshot (GDI on Windows, X11
// elsewhere, CoreGraphics on macOS).
type ScreenGrabber struct{}

func (ScreenGrabber) Monitors() ([]Monitor, error) {
	n := screenshot.NumActiveDisplays()
	if n <= 0 {
		return nil, protocol.Errorf(protocol.CodeCaptureUnavailable, "no active displays")
	}
	out := make([]Monitor, 0, n)
	for i := 0; i < n; i++ {
		b := screenshot.GetDisplayBounds(i)
		out = append(out, Monitor{
			Index:   i,
			Name:    fmt.Sprintf("Display %d", i+1),
			X:       b.Min.X,
			Y:       b.Min.Y,
			Width:   b.Dx(),
			Height:  b.Dy(),
			Primary: b.Min.X == 0 && b.Min.Y == 0,
		})
	}
	return out, nil
}

func (ScreenGrabber) Grab(monitor int) (image.Image, error) {
	n := screenshot.NumActiveDisplays()
	if monitor < 0 || monitor >= n {
		return nil, protocol.Errorf(protocol.CodeCaptureUnavailable, "invalid monitor %d, have %d displays", monitor, n)
	}
	img, err := screenshot.CaptureRect(screenshot.GetDisplayBounds(monitor))
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeCaptureUnavailable, err, "screen grab failed")
	}
	return img, nil
}

// Leases makes capture handles exclusive per monitor for backends that
// cannot be opened twice (a PipeWire portal node).
type Leases struct {
	mu   sync.Mutex
	held map[int]string // monitor -> owner
}

func NewLeases() *Leases {
	return &Leases{held: make(map[int]string)}
}

// Acquire takes monitor for owner. Re-acquiring by the same owner succeeds.
func (l *Leases) Acquire(monitor int, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[monitor]; ok && cur != owner {
		return protocol.Errorf(protocol.CodeCaptureUnavailable, "capture_busy: monitor %d is in use by %s", monitor, cur)
	}
	l.held[monitor] = owner
	return nil
}

// Release frees monitor if owner holds it.
func (l *Leases) Release(monitor int, owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[monitor] == owner {
		delete(l.held, monitor)
	}
}

// Holder returns the current owner of monitor.
func (l *Leases) Holder(monitor int) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.held[monitor]
	return owner, ok
}
