package config

import (
	"log/slog"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change describes what differs between two loads of the config file.
type Change struct {
	Policy        bool
	PairingClosed bool
	DefaultRights bool
	FixedPIN      bool
	Stream        bool // probe inputs; the cached capability probe is stale

	// Restart lists changed sections the running host cannot apply.
	Restart []string
}

// Live reports whether any hot-reloadable setting changed.
func (c Change) Live() bool {
	return c.Policy || c.PairingClosed || c.DefaultRights || c.FixedPIN || c.Stream
}

// Diff compares two configs.
func Diff(prev, next *Config) Change {
	var c Change
	c.Policy = prev.Sessions.ControlPolicy != next.Sessions.ControlPolicy
	c.PairingClosed = prev.Pairing.Disabled != next.Pairing.Disabled
	c.DefaultRights = !slices.Equal(prev.Sessions.DefaultRights, next.Sessions.DefaultRights)
	c.FixedPIN = prev.Pairing.FixedPIN != next.Pairing.FixedPIN
	c.Stream = prev.Stream.Platform != next.Stream.Platform ||
		prev.Stream.Encoder != next.Stream.Encoder ||
		prev.Stream.Bridge != next.Stream.Bridge ||
		prev.Stream.PipeWireNode != next.Stream.PipeWireNode ||
		prev.Stream.DisableCapture != next.Stream.DisableCapture

	for _, sec := range []struct {
		name       string
		prev, next any
	}{
		{"gateway", prev.Gateway, next.Gateway},
		{"discovery", prev.Discovery, next.Discovery},
		{"control", prev.Control, next.Control},
		{"telemetry", prev.Telemetry, next.Telemetry},
		{"tailscale", prev.Tailscale, next.Tailscale},
		{"data_dir", prev.DataDir, next.DataDir},
	} {
		if !reflect.DeepEqual(sec.prev, sec.next) {
			c.Restart = append(c.Restart, sec.name)
		}
	}
	return c
}

// ChangeHandler receives the reloaded config and what changed in it.
type ChangeHandler func(cfg *Config, change Change)

// Watcher reloads the config file when it changes on disk. Bursts of writes
// are debounced into one reload, and handlers only run when a setting the
// host can apply live actually changed.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	stop     chan struct{}

	mu       sync.Mutex
	handlers []ChangeHandler
	current  *Config // last successful load, before CLI flag overrides
}

// NewWatcher creates a watcher for path, using its current content as the
// baseline for later diffs.
func NewWatcher(path string) (*Watcher, error) {
	base, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		watcher:  fw,
		debounce: 300 * time.Millisecond,
		current:  base,
	}, nil
}

func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start watches the directory holding the file so editors that replace the
// file atomically are still observed.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.stop = make(chan struct{})
	go w.loop()
	slog.Info("config watcher started", "path", w.path)
	return nil
}

func (w *Watcher) Stop() {
	if w.stop != nil {
		close(w.stop)
	}
	w.watcher.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	change := Diff(w.current, next)
	w.current = next
	handlers := slices.Clone(w.handlers)
	w.mu.Unlock()

	if len(change.Restart) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", change.Restart)
	}
	if !change.Live() {
		return
	}
	slog.Info("config reloaded", "policy", change.Policy, "pairing", change.PairingClosed,
		"default_rights", change.DefaultRights, "fixed_pin", change.FixedPIN, "stream", change.Stream)
	for _, h := range handlers {
		h(next, change)
	}
}
