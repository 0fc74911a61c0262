// Package capture classifies the host's display stack and grabs frames
// from it where that is possible without an external bridge.
package capture

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform is the capture class of the current desktop session.
type Platform string

const (
	PlatformWindows          Platform = "windows"
	PlatformX11              Platform = "x11"
	PlatformWaylandPipeWire  Platform = "wayland-pipewire"
	PlatformWaylandNoCapture Platform = "wayland-no-capture"
)

// Valid reports whether p is one of the known classes.
func (p Platform) Valid() bool {
	switch p {
	case PlatformWindows, PlatformX11, PlatformWaylandPipeWire, PlatformWaylandNoCapture:
		return true
	}
	return false
}

// Wayland reports whether p is a Wayland session.
func (p Platform) Wayland() bool {
	return p == PlatformWaylandPipeWire || p == PlatformWaylandNoCapture
}

// Env is everything Probe looks at. Collected once by ReadEnv so the
// classification itself stays a pure function.
type Env struct {
	GOOS           string
	SessionType    string // XDG_SESSION_TYPE
	WaylandDisplay string
	Display        string
	PipeWireNode   string // explicitly configured node id
	PipeWireSocket bool   // $XDG_RUNTIME_DIR/pipewire-0 exists
	BridgePath     string // resolved gst-launch binary, empty when missing
	Override       string // forced platform class
}

// ReadEnv inspects the process environment. bridge is the bridge binary
// name or path to resolve.
func ReadEnv(bridge, pipewireNode, override string) Env {
	env := Env{
		GOOS:           runtime.GOOS,
		SessionType:    strings.ToLower(os.Getenv("XDG_SESSION_TYPE")),
		WaylandDisplay: os.Getenv("WAYLAND_DISPLAY"),
		Display:        os.Getenv("DISPLAY"),
		PipeWireNode:   pipewireNode,
		Override:       override,
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		remote := os.Getenv("PIPEWIRE_REMOTE")
		if remote == "" {
			remote = "pipewire-0"
		}
		if _, err := os.Stat(filepath.Join(dir, remote)); err == nil {
			env.PipeWireSocket = true
		}
	}
	if bridge != "" {
		if p, err := exec.LookPath(bridge); err == nil {
			env.BridgePath = p
		}
	}
	return env
}

// Probe classifies env. macOS is grouped with X11: both allow direct frame
// grabs of the whole desktop.
func Probe(env Env) Platform {
	if p := Platform(env.Override); p.Valid() {
		return p
	}
	if env.GOOS == "windows" {
		return PlatformWindows
	}
	if env.SessionType == "wayland" || env.WaylandDisplay != "" {
		if env.BridgePath != "" && (env.PipeWireSocket || env.PipeWireNode != "") {
			return PlatformWaylandPipeWire
		}
		return PlatformWaylandNoCapture
	}
	return PlatformX11
}

// DisplayAvailable reports whether there is a desktop session to capture.
func (e Env) DisplayAvailable() bool {
	switch {
	case e.GOOS == "windows", e.GOOS == "darwin":
		return true
	case e.WaylandDisplay != "", e.SessionType == "wayland":
		return true
	default:
		return e.Display != ""
	}
}
