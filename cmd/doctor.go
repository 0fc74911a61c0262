package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/internal/config"
	"github.com/nextlevelbuilder/deskpilot/internal/pairing"
	"github.com/nextlevelbuilder/deskpilot/internal/stream"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the capture environment and configuration",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("deskpilot doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	neg := stream.NewNegotiator(cfg.Stream)
	env := neg.Env()
	caps := neg.Capabilities(ctx)

	fmt.Println()
	fmt.Println("  Capture:")
	fmt.Printf("    %-12s %s\n", "Platform:", caps.Platform)
	fmt.Printf("    %-12s %v\n", "Display:", caps.Display)
	if env.SessionType != "" {
		fmt.Printf("    %-12s %s\n", "Session:", env.SessionType)
	}
	if caps.Platform.Wayland() {
		fmt.Printf("    %-12s %v\n", "PipeWire:", env.PipeWireSocket || env.PipeWireNode != "")
	}
	if caps.CaptureDisabled {
		fmt.Printf("    %-12s %s\n", "Capture:", warnStyle.Render("disabled in config"))
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("Encoder", cfg.Stream.Encoder, "ffmpeg")
	if runtime.GOOS == "linux" {
		checkBinary("Bridge", cfg.Stream.Bridge, "gstreamer1.0-pipewire")
	}
	if caps.Encoder != "" {
		var codecs []string
		for _, c := range stream.Codecs {
			if name := caps.EncoderCodecs[c]; name != "" {
				codecs = append(codecs, string(c)+" ("+name+")")
			}
		}
		fmt.Printf("    %-12s %v\n", "Codecs:", codecs)
	}

	fmt.Println()
	fmt.Println("  Pairing:")
	switch {
	case cfg.Pairing.FixedPIN != "":
		fmt.Printf("    %-12s fixed in config\n", "PIN:")
	case cfg.Pairing.UseKeyring:
		pin, err := (pairing.KeyringStore{}).Load()
		switch {
		case err != nil:
			fmt.Printf("    %-12s %s\n", "Keyring:", warnStyle.Render(err.Error()))
		case pin == "":
			fmt.Printf("    %-12s empty, a random PIN is used\n", "Keyring:")
		default:
			fmt.Printf("    %-12s %s\n", "Keyring:", okStyle.Render("PIN stored"))
		}
	default:
		fmt.Printf("    %-12s random each start\n", "PIN:")
	}
	if cfg.Pairing.RotateCron != "" {
		fmt.Printf("    %-12s %s\n", "Rotation:", cfg.Pairing.RotateCron)
	}

	fmt.Println()
	fmt.Printf("  Data dir: %s", cfg.DataDir)
	if _, err := os.Stat(cfg.DataDir); err != nil {
		fmt.Println(" (not created yet)")
	} else {
		fmt.Println(" (OK)")
	}
	if cfg.Sessions.Persist {
		fmt.Printf("  Sessions: %s (%s)\n", cfg.SessionsDBPath(), cfg.Sessions.Store)
	}

	if caps.Platform == capture.PlatformWaylandNoCapture || caps.Encoder == "" {
		fmt.Println()
		reportCaptureSetup(caps)
	}
	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkBinary(label, name, pkg string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s %s (%s)\n", label+":", warnStyle.Render(name+" not found"), installHint(pkg))
		return
	}
	fmt.Printf("    %-12s %s\n", label+":", path)
}
