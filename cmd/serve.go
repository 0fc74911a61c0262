package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/deskpilot/internal/bus"
	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/internal/config"
	"github.com/nextlevelbuilder/deskpilot/internal/discovery"
	"github.com/nextlevelbuilder/deskpilot/internal/gateway"
	"github.com/nextlevelbuilder/deskpilot/internal/input"
	"github.com/nextlevelbuilder/deskpilot/internal/pairing"
	"github.com/nextlevelbuilder/deskpilot/internal/power"
	"github.com/nextlevelbuilder/deskpilot/internal/sessions"
	"github.com/nextlevelbuilder/deskpilot/internal/store"
	"github.com/nextlevelbuilder/deskpilot/internal/store/file"
	"github.com/nextlevelbuilder/deskpilot/internal/store/sqlite"
	"github.com/nextlevelbuilder/deskpilot/internal/stream"
)

type serveFlags struct {
	port        int
	pin         string
	inputMode   string
	noDiscovery bool
}

func serveCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host: pairing, control channel, video and discovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(f)
		},
	}
	cmd.Flags().IntVar(&f.port, "port", 0, "listen port (overrides config)")
	cmd.Flags().StringVar(&f.pin, "pin", "", "fixed 4-digit pairing PIN (overrides config)")
	cmd.Flags().StringVar(&f.inputMode, "input", defaultInputMode, "input backend: "+inputModes)
	cmd.Flags().BoolVar(&f.noDiscovery, "no-discovery", false, "disable LAN discovery")
	return cmd
}

func runServe(f serveFlags) error {
	cfgPath := resolveConfigPath()
	cfg := loadConfig()
	if f.port > 0 {
		cfg.Gateway.Port = f.port
	}
	if f.pin != "" {
		if !config.ValidPIN(f.pin) {
			return fmt.Errorf("--pin must be exactly 4 digits")
		}
		cfg.Pairing.FixedPIN = f.pin
	}
	if f.noDiscovery {
		cfg.Discovery.Enabled = false
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instanceID := uuid.NewString()
	shutdownTracing := initOTelExporter(ctx, cfg, instanceID)
	defer shutdownTracing()

	msgBus := bus.New()

	var sessionStore store.SessionStore
	if cfg.Sessions.Persist {
		st, err := openSessionStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		sessionStore = st
	}
	reg, err := sessions.NewRegistry(sessions.Options{
		Store:            sessionStore,
		Bus:              msgBus,
		HeartbeatTimeout: cfg.Sessions.HeartbeatTimeout.Std(),
		Policy:           cfg.Sessions.ControlPolicy,
	})
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	defaultRights, err := sessions.ParseRights(cfg.Sessions.DefaultRights)
	if err != nil {
		return fmt.Errorf("sessions.default_rights: %w", err)
	}
	pin, err := pairing.ResolvePIN(cfg.Pairing, pairing.KeyringStore{})
	if err != nil {
		slog.Warn("could not read pinned PIN from keyring, using a random one", "error", err)
		pin = ""
	}
	auth, err := pairing.NewAuthority(reg, pairing.Options{
		FixedPIN:      pin,
		Disabled:      cfg.Pairing.Disabled,
		DefaultRights: defaultRights,
		MaxAttempts:   cfg.Pairing.MaxAttempts,
		Window:        cfg.Pairing.Window.Std(),
		Bus:           msgBus,
	})
	if err != nil {
		return err
	}
	defer auth.Close()

	var rot *pairing.Rotator
	if cfg.Pairing.RotateCron != "" {
		if rot, err = pairing.NewRotator(cfg.Pairing.RotateCron, auth); err != nil {
			return err
		}
	}

	neg := stream.NewNegotiator(cfg.Stream)
	if cfg.Stream.AutoSetup {
		reportCaptureSetup(neg.Capabilities(ctx))
	}
	grabber := capture.ScreenGrabber{}
	streams := stream.NewManager(stream.ManagerOptions{
		Factory:      stream.NewSourceFactory(neg, grabber, capture.NewLeases()),
		Bus:          msgBus,
		ViewerQueue:  cfg.Stream.ViewerQueue,
		StallTimeout: cfg.Stream.StallTimeout.Std(),
	})

	backend, err := newInputBackend(f.inputMode)
	if err != nil {
		return err
	}

	discoveryPort := 0
	if cfg.Discovery.Enabled {
		discoveryPort = cfg.Discovery.Port
	}
	srv := gateway.NewServer(gateway.Options{
		Config:        cfg,
		Version:       Version,
		InstanceID:    instanceID,
		Registry:      reg,
		Authority:     auth,
		Negotiator:    neg,
		Streams:       streams,
		Grabber:       grabber,
		Input:         input.NewDevice(backend),
		Power:         power.NewCommands(cfg.Power),
		Bus:           msgBus,
		DiscoveryPort: discoveryPort,
	})
	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	if stopTS := initTailscale(ctx, cfg, srv.Handler()); stopTS != nil {
		defer stopTS()
	}

	rt := runtimeInfo{Port: srv.Port(), Scheme: srv.Scheme(), PID: os.Getpid(), InstanceID: instanceID}
	if err := writeRuntimeInfo(cfg, rt); err != nil {
		slog.Warn("could not write runtime file", "error", err)
	}
	defer removeRuntimeInfo(cfg)

	if watcher, err := config.NewWatcher(cfgPath); err != nil {
		slog.Warn("config hot reload unavailable", "error", err)
	} else {
		watcher.OnChange(func(next *config.Config, change config.Change) {
			applyReload(next, change, reg, auth, neg)
		})
		if err := watcher.Start(); err != nil {
			slog.Warn("config hot reload unavailable", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	fmt.Printf("deskpilot %s listening on %s://0.0.0.0:%d  PIN %s\n", Version, srv.Scheme(), srv.Port(), auth.PIN())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })
	g.Go(func() error { return reg.Run(gctx) })

	if rot != nil {
		g.Go(func() error { return rot.Run(gctx) })
	}

	if cfg.Discovery.Enabled {
		advert := func() discovery.Advert {
			return discovery.Advert{
				InstanceID: instanceID,
				Name:       cfg.Name,
				Port:       srv.Port(),
				Scheme:     srv.Scheme(),
				HasPIN:     auth.Open(),
			}
		}
		ann := discovery.NewAnnouncer(cfg.Discovery, advert)
		g.Go(func() error { return ann.Run(gctx) })
		if cfg.Discovery.MDNS {
			refresh := make(chan struct{}, 1)
			msgBus.Subscribe("discovery.mdns", func(e bus.Event) {
				if e.Name != bus.EventPairingToggled && e.Name != bus.EventPINRegenerated {
					return
				}
				select {
				case refresh <- struct{}{}:
				default:
				}
			})
			defer msgBus.Unsubscribe("discovery.mdns")
			g.Go(func() error { return discovery.RunMDNS(gctx, cfg.Discovery, advert, refresh) })
		}
	}

	err = g.Wait()
	slog.Info("deskpilot stopped")
	return err
}

func openSessionStore(cfg *config.Config) (store.SessionStore, error) {
	path := cfg.SessionsDBPath()
	switch cfg.Sessions.Store {
	case "file":
		st, err := file.NewSessionStore(path)
		if err != nil {
			return nil, fmt.Errorf("open session file %s: %w", path, err)
		}
		return st, nil
	default:
		st, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open session db %s: %w", path, err)
		}
		return st, nil
	}
}

// applyReload pushes the settings that can change at runtime.
func applyReload(next *config.Config, change config.Change, reg *sessions.Registry, auth *pairing.Authority, neg *stream.Negotiator) {
	if change.Policy {
		reg.SetPolicy(next.Sessions.ControlPolicy)
	}
	if change.PairingClosed {
		auth.SetDisabled(next.Pairing.Disabled)
	}
	if change.DefaultRights {
		if rights, err := sessions.ParseRights(next.Sessions.DefaultRights); err == nil {
			auth.SetDefaultRights(rights)
		} else {
			slog.Warn("config reload: ignoring default_rights", "error", err)
		}
	}
	if change.FixedPIN {
		// an empty fixed_pin unpins and draws a random PIN
		if err := auth.Pin(next.Pairing.FixedPIN); err != nil {
			slog.Warn("config reload: ignoring fixed_pin", "error", err)
		}
	}
	if change.Stream {
		neg.SetConfig(next.Stream)
	}
}

// reportCaptureSetup logs what is missing for each codec, with a hint on
// how to install it.
func reportCaptureSetup(caps stream.Capabilities) {
	slog.Info("capture environment", "platform", caps.Platform, "display", caps.Display,
		"encoder", caps.Encoder, "bridge", caps.Bridge)
	if caps.Encoder == "" {
		slog.Warn("encoder not found: install ffmpeg for h264/h265 streams",
			"hint", installHint("ffmpeg"))
	}
	switch caps.Platform {
	case capture.PlatformWaylandNoCapture:
		slog.Warn("wayland session without a capture bridge: install gstreamer with the pipewire plugin",
			"hint", installHint("gstreamer1.0-pipewire"))
	case capture.PlatformWaylandPipeWire:
		slog.Info("wayland capture through pipewire; only one stream per monitor at a time")
	}
}

func installHint(pkg string) string {
	for _, pm := range []struct{ bin, cmd string }{
		{"apt-get", "sudo apt-get install -y "},
		{"dnf", "sudo dnf install -y "},
		{"pacman", "sudo pacman -S "},
		{"brew", "brew install "},
		{"winget", "winget install "},
	} {
		if hasBinary(pm.bin) {
			return pm.cmd + pkg
		}
	}
	return "install " + pkg + " with your package manager"
}
