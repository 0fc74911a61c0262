//go:build !robotgo

package cmd

import (
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/deskpilot/internal/input"
)

const (
	defaultInputMode = "log"
	inputModes       = "log (build with -tags robotgo for real input)"
)

// newInputBackend only offers the logging backend in builds without cgo
// input support.
func newInputBackend(mode string) (input.Backend, error) {
	switch mode {
	case "log", "":
		slog.Warn("input events are logged, not injected; build with -tags robotgo to control this machine")
		return input.NewRecorder(true), nil
	default:
		return nil, fmt.Errorf("unknown input backend %q (want %s)", mode, inputModes)
	}
}
