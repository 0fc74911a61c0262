package power

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/nextlevelbuilder/deskpilot/internal/config"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

func TestOverrideIsSplitLikeAShell(t *testing.T) {
	var got []string
	c := NewCommands(config.PowerConfig{LockCommand: `xdg-screensaver lock --note "bye now"`}).
		WithRunner(func(_ context.Context, argv []string) error {
			got = argv
			return nil
		})

	if err := c.Do(context.Background(), protocol.PowerLock); err != nil {
		t.Fatal(err)
	}
	want := []string{"xdg-screensaver", "lock", "--note", "bye now"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %q, want %q", got, want)
	}
}

func TestUnknownAction(t *testing.T) {
	c := NewCommands(config.PowerConfig{}).WithRunner(func(context.Context, []string) error { return nil })
	if err := c.Do(context.Background(), "hibernate-forever"); !errors.Is(err, protocol.ErrInvalidRequest) {
		t.Errorf("err = %v, want INVALID_REQUEST", err)
	}
}

func TestRunnerErrorWrapped(t *testing.T) {
	boom := errors.New("exit 1")
	c := NewCommands(config.PowerConfig{}).WithRunner(func(context.Context, []string) error { return boom })
	if err := c.Do(context.Background(), protocol.PowerSleep); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestEveryPlatformCoversEveryAction(t *testing.T) {
	for _, goos := range []string{"linux", "windows", "darwin"} {
		cmds := defaultCommands(goos)
		for _, a := range []string{protocol.PowerLock, protocol.PowerSleep, protocol.PowerShutdown, protocol.PowerRestart} {
			if cmds[a] == "" {
				t.Errorf("%s has no %s command", goos, a)
			}
		}
	}
}
