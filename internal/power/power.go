// Package power runs the host's lock/sleep/shutdown actions by invoking the
// platform's own commands.
package power

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/nextlevelbuilder/deskpilot/internal/config"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// Actions performs a power action.
type Actions interface {
	Do(ctx context.Context, action string) error
}

// Runner executes argv. Replaced in tests.
type Runner func(ctx context.Context, argv []string) error

// Commands maps actions to command lines.
type Commands struct {
	commands map[string]string
	run      Runner
}

func defaultCommands(goos string) map[string]string {
	switch goos {
	case "windows":
		return map[string]string{
			protocol.PowerLock:     "rundll32.exe user32.dll,LockWorkStation",
			protocol.PowerSleep:    "rundll32.exe powrprof.dll,SetSuspendState 0,1,0",
			protocol.PowerShutdown: "shutdown /s /t 0",
			protocol.PowerRestart:  "shutdown /r /t 0",
		}
	case "darwin":
		return map[string]string{
			protocol.PowerLock:     "pmset displaysleepnow",
			protocol.PowerSleep:    "pmset sleepnow",
			protocol.PowerShutdown: "shutdown -h now",
			protocol.PowerRestart:  "shutdown -r now",
		}
	default:
		return map[string]string{
			protocol.PowerLock:     "loginctl lock-session",
			protocol.PowerSleep:    "systemctl suspend",
			protocol.PowerShutdown: "systemctl poweroff",
			protocol.PowerRestart:  "systemctl reboot",
		}
	}
}

// NewCommands builds the command table for this OS, with any overrides from
// cfg taking precedence.
func NewCommands(cfg config.PowerConfig) *Commands {
	cmds := defaultCommands(runtime.GOOS)
	for action, override := range map[string]string{
		protocol.PowerLock:     cfg.LockCommand,
		protocol.PowerSleep:    cfg.SleepCommand,
		protocol.PowerShutdown: cfg.ShutdownCommand,
		protocol.PowerRestart:  cfg.RestartCommand,
	} {
		if override != "" {
			cmds[action] = override
		}
	}
	return &Commands{commands: cmds, run: execRunner}
}

// WithRunner swaps the command runner.
func (c *Commands) WithRunner(r Runner) *Commands {
	c.run = r
	return c
}

// Do runs the command for action.
func (c *Commands) Do(ctx context.Context, action string) error {
	line, ok := c.commands[action]
	if !ok {
		return protocol.Errorf(protocol.CodeInvalidRequest, "unknown power action %q", action)
	}
	argv, err := shellwords.Parse(line)
	if err != nil || len(argv) == 0 {
		return fmt.Errorf("power %s: bad command %q: %v", action, line, err)
	}
	slog.Info("power action", "action", action, "command", argv[0])
	if err := c.run(ctx, argv); err != nil {
		return fmt.Errorf("power %s: %w", action, err)
	}
	return nil
}

func execRunner(ctx context.Context, argv []string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, out)
	}
	return nil
}
