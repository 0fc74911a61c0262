package stream

import (
	"context"

	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// NewSourceFactory picks a capture backend for each new pipeline from the
// negotiator's current capabilities and settings: direct frame grabs for
// MJPEG where the display allows it, the external encoder for everything
// else. Settings are read per pipeline so reloads apply to the next one.
func NewSourceFactory(neg *Negotiator, grabber capture.Grabber, leases *capture.Leases) SourceFactory {
	return func(ctx context.Context, codec Codec, target capture.Target) (Source, error) {
		cfg := neg.Config()
		caps := neg.Capabilities(ctx)
		if reason, detail := availability(caps, codec); reason != "" {
			code := protocol.CodeCaptureUnavailable
			if reason == ReasonMissingEncoder || reason == ReasonUnsupportedCodec {
				code = protocol.CodeEncoderUnavailable
			}
			return nil, protocol.Errorf(code, "%s unavailable: %s (%s)", codec, reason, detail)
		}

		var monitor *capture.Monitor
		if grabber != nil && !caps.Platform.Wayland() {
			m, err := lookupMonitor(grabber, target.Monitor)
			if err != nil {
				return nil, err
			}
			monitor = m
		}

		if codec == CodecMJPEG && !caps.Platform.Wayland() && grabber != nil {
			return NewGrabSource(grabber, target, cfg.FPS, cfg.JPEGQuality), nil
		}

		env := neg.Env()
		in := CommandInput{
			Platform:     caps.Platform,
			GOOS:         env.GOOS,
			Display:      env.Display,
			Codec:        codec,
			Target:       target,
			Monitor:      monitor,
			EncoderPath:  caps.Encoder,
			VideoEncoder: caps.EncoderCodecs[codec],
			BridgePath:   env.BridgePath,
			Node:         env.PipeWireNode,
		}
		cmd, err := BuildCommand(cfg, in)
		if err != nil {
			return nil, protocol.Wrap(protocol.CodeEncoderUnavailable, err, "build encoder command")
		}

		var release func()
		if caps.Platform == capture.PlatformWaylandPipeWire && leases != nil {
			owner := Key{Codec: codec, Target: target}.String()
			if err := leases.Acquire(target.Monitor, owner); err != nil {
				return nil, err
			}
			release = func() { leases.Release(target.Monitor, owner) }
		}

		src, err := StartProcess(ctx, cmd, release)
		if err != nil {
			if release != nil {
				release()
			}
			return nil, protocol.Wrap(protocol.CodeEncoderUnavailable, err, "start encoder")
		}
		return src, nil
	}
}

// lookupMonitor returns the geometry of monitor index i. A failed listing
// yields nil so the encoder falls back to the whole desktop.
func lookupMonitor(g capture.Grabber, i int) (*capture.Monitor, error) {
	mons, err := g.Monitors()
	if err != nil {
		return nil, nil
	}
	if i >= len(mons) {
		return nil, protocol.Errorf(protocol.CodeCaptureUnavailable, "invalid monitor %d, have %d displays", i, len(mons))
	}
	m := mons[i]
	return &m, nil
}
