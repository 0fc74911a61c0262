package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/internal/config"
)

// Framing tells ProcessSource how to cut the encoder's stdout into units.
type Framing int

const (
	// FramingChunks forwards reads as they arrive (MPEG-TS).
	FramingChunks Framing = iota
	// FramingJPEG splits a concatenated JPEG stream at image boundaries.
	FramingJPEG
)

// Command is the process line for a pipeline. Bridge, when set, feeds the
// encoder's stdin.
type Command struct {
	Bridge  []string
	Encoder []string
	Framing Framing
}

// CommandInput describes what to build a command for.
type CommandInput struct {
	Platform    capture.Platform
	GOOS        string
	Display     string // X11 display name
	Codec       Codec
	Target      capture.Target
	Monitor     *capture.Monitor // geometry of Target.Monitor when known
	EncoderPath string
	// VideoEncoder is the ffmpeg encoder for Codec (libx264, h264_nvenc, ...).
	// Empty selects the software encoder.
	VideoEncoder string
	BridgePath   string
	Node         string // PipeWire node
}

// BuildCommand assembles the bridge and encoder argv for in.
func BuildCommand(cfg config.StreamConfig, in CommandInput) (Command, error) {
	fps := cfg.FPS
	if fps <= 0 {
		fps = 30
	}
	cmd := Command{Framing: FramingChunks}
	if in.Codec == CodecMJPEG {
		cmd.Framing = FramingJPEG
	}

	enc := []string{in.EncoderPath, "-hide_banner", "-loglevel", "error", "-nostdin"}
	if in.Target.LowLatency {
		enc = append(enc, "-fflags", "nobuffer", "-flags", "low_delay")
	}

	if in.Platform == capture.PlatformWaylandPipeWire {
		bridge, err := bridgeArgs(cfg, in)
		if err != nil {
			return Command{}, err
		}
		cmd.Bridge = bridge
		enc = append(enc, "-f", "yuv4mpegpipe", "-i", "pipe:0")
	} else {
		enc = append(enc, grabInput(in, fps)...)
	}

	if in.Target.MaxWidth > 0 {
		// Even heights keep yuv420p encoders happy.
		enc = append(enc, "-vf", fmt.Sprintf("scale='min(%d,iw)':-2", in.Target.MaxWidth))
	}

	switch in.Codec {
	case CodecH264, CodecH265:
		enc = append(enc, videoEncoderArgs(in, fps)...)
	case CodecMJPEG:
		enc = append(enc, "-c:v", "mjpeg", "-q:v", strconv.Itoa(mjpegQScale(cfg.JPEGQuality)), "-r", strconv.Itoa(fps))
	default:
		return Command{}, fmt.Errorf("unknown codec %q", in.Codec)
	}

	if cfg.EncoderArgs != "" {
		extra, err := shellwords.Parse(cfg.EncoderArgs)
		if err != nil {
			return Command{}, fmt.Errorf("parse encoder_args: %w", err)
		}
		enc = append(enc, extra...)
	}

	if in.Codec == CodecMJPEG {
		enc = append(enc, "-f", "image2pipe", "pipe:1")
	} else {
		enc = append(enc, "-f", "mpegts", "pipe:1")
	}
	cmd.Encoder = enc
	return cmd, nil
}

func grabInput(in CommandInput, fps int) []string {
	rate := strconv.Itoa(fps)
	switch in.GOOS {
	case "windows":
		args := []string{"-f", "gdigrab", "-framerate", rate}
		if m := in.Monitor; m != nil {
			args = append(args,
				"-offset_x", strconv.Itoa(m.X), "-offset_y", strconv.Itoa(m.Y),
				"-video_size", fmt.Sprintf("%dx%d", m.Width, m.Height))
		}
		return append(args, "-i", "desktop")
	case "darwin":
		return []string{"-f", "avfoundation", "-framerate", rate, "-capture_cursor", "1",
			"-i", fmt.Sprintf("Capture screen %d:none", in.Target.Monitor)}
	default:
		display := in.Display
		if display == "" {
			display = ":0"
		}
		args := []string{"-f", "x11grab", "-framerate", rate}
		if m := in.Monitor; m != nil {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", m.Width, m.Height))
			display = fmt.Sprintf("%s+%d,%d", display, m.X, m.Y)
		}
		return append(args, "-i", display)
	}
}

func bridgeArgs(cfg config.StreamConfig, in CommandInput) ([]string, error) {
	if in.BridgePath == "" {
		return nil, fmt.Errorf("bridge not found")
	}
	if cfg.BridgeArgs != "" {
		extra, err := shellwords.Parse(cfg.BridgeArgs)
		if err != nil {
			return nil, fmt.Errorf("parse bridge_args: %w", err)
		}
		return append([]string{in.BridgePath}, extra...), nil
	}
	args := []string{in.BridgePath, "-q", "pipewiresrc", "do-timestamp=true"}
	if in.Node != "" {
		args = append(args, "path="+in.Node)
	}
	return append(args,
		"!", "videoconvert",
		"!", "video/x-raw,format=I420",
		"!", "y4menc",
		"!", "fdsink", "fd=1",
	), nil
}

// videoEncoderArgs selects the encoder and its latency knobs. Hardware
// encoders take their own option names.
func videoEncoderArgs(in CommandInput, fps int) []string {
	name := in.VideoEncoder
	if name == "" {
		name = "libx264"
		if in.Codec == CodecH265 {
			name = "libx265"
		}
	}
	low := in.Target.LowLatency
	args := []string{"-c:v", name}
	switch {
	case name == "libx264" || name == "libx265":
		args = append(args, "-preset", preset(in.Target))
		if low {
			args = append(args, "-tune", "zerolatency")
		}
	case strings.HasSuffix(name, "_nvenc"):
		if low {
			args = append(args, "-preset", "p1", "-tune", "ll", "-zerolatency", "1")
		} else {
			args = append(args, "-preset", "p4")
		}
	case strings.HasSuffix(name, "_videotoolbox"):
		if low {
			args = append(args, "-realtime", "1")
		}
	case strings.HasSuffix(name, "_qsv"):
		args = append(args, "-preset", preset(in.Target))
		if low {
			args = append(args, "-low_power", "1")
		}
	case strings.HasSuffix(name, "_amf"):
		if low {
			args = append(args, "-usage", "ultralowlatency")
		}
	}
	pix := "yuv420p"
	if strings.HasSuffix(name, "_qsv") {
		pix = "nv12"
	}
	return append(args, "-pix_fmt", pix, "-g", strconv.Itoa(fps*2))
}

func preset(t capture.Target) string {
	if t.LowLatency {
		return "ultrafast"
	}
	return "veryfast"
}

// mjpegQScale maps a 1-100 JPEG quality to ffmpeg's 2-31 qscale.
func mjpegQScale(quality int) int {
	if quality <= 0 || quality > 100 {
		quality = 70
	}
	return 2 + (100-quality)*29/100
}
