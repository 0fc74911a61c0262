//go:build robotgo

package cmd

import (
	"fmt"

	"github.com/nextlevelbuilder/deskpilot/internal/input"
	"github.com/nextlevelbuilder/deskpilot/internal/input/robotgo"
)

const (
	defaultInputMode = "robotgo"
	inputModes       = "robotgo, log"
)

func newInputBackend(mode string) (input.Backend, error) {
	switch mode {
	case "robotgo", "":
		return robotgo.New(), nil
	case "log":
		return input.NewRecorder(true), nil
	default:
		return nil, fmt.Errorf("unknown input backend %q (want %s)", mode, inputModes)
	}
}
