package stream

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/internal/config"
	"github.com/nextlevelbuilder/deskpilot/internal/tracing"
)

const capsKey = "caps"

// EncoderProbe resolves the encoder binary and names the encoder it will use
// for each codec. A missing binary returns an empty path and no error.
type EncoderProbe func(ctx context.Context, encoder string) (path string, codecs map[Codec]string, err error)

// Negotiator answers offer requests from a cached capability probe.
type Negotiator struct {
	readEnv  func() capture.Env
	encoders EncoderProbe
	cache    *expirable.LRU[string, Capabilities]

	mu       sync.Mutex
	cfg      config.StreamConfig
	lastDiag map[Codec]string // reason logged per codec, to log changes once
}

// NegotiatorOption customizes a Negotiator.
type NegotiatorOption func(*Negotiator)

// WithEnv replaces the environment reader.
func WithEnv(fn func() capture.Env) NegotiatorOption {
	return func(n *Negotiator) { n.readEnv = fn }
}

// WithEncoderProbe replaces the encoder probe.
func WithEncoderProbe(p EncoderProbe) NegotiatorOption {
	return func(n *Negotiator) { n.encoders = p }
}

func NewNegotiator(cfg config.StreamConfig, opts ...NegotiatorOption) *Negotiator {
	ttl := cfg.ProbeTTL.Std()
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	n := &Negotiator{
		cfg:      cfg,
		encoders: ProbeEncoder,
		cache:    expirable.NewLRU[string, Capabilities](1, nil, ttl),
		lastDiag: make(map[Codec]string),
	}
	n.readEnv = func() capture.Env {
		cfg := n.Config()
		return capture.ReadEnv(cfg.Bridge, cfg.PipeWireNode, cfg.Platform)
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Config returns the stream settings currently in effect.
func (n *Negotiator) Config() config.StreamConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

// SetConfig swaps in reloaded stream settings and drops the cached probe so
// the next offer sees them.
func (n *Negotiator) SetConfig(cfg config.StreamConfig) {
	n.mu.Lock()
	n.cfg = cfg
	n.mu.Unlock()
	n.Invalidate()
}

// Env returns the current capture environment.
func (n *Negotiator) Env() capture.Env { return n.readEnv() }

// Platform returns the current platform class.
func (n *Negotiator) Platform(ctx context.Context) capture.Platform {
	return n.Capabilities(ctx).Platform
}

// Capabilities probes the host, reusing a recent probe when there is one.
func (n *Negotiator) Capabilities(ctx context.Context) Capabilities {
	if caps, ok := n.cache.Get(capsKey); ok {
		return caps
	}
	cfg := n.Config()
	env := n.readEnv()
	caps := Capabilities{
		Platform:        capture.Probe(env),
		Display:         env.DisplayAvailable(),
		Bridge:          env.BridgePath != "" && (env.PipeWireSocket || env.PipeWireNode != ""),
		CaptureDisabled: cfg.DisableCapture,
	}
	path, codecs, err := n.encoders(ctx, cfg.Encoder)
	if err != nil {
		slog.Warn("stream: encoder probe failed", "encoder", cfg.Encoder, "error", err)
	}
	caps.Encoder = path
	caps.EncoderCodecs = codecs
	n.cache.Add(capsKey, caps)
	return caps
}

// Invalidate drops the cached probe.
func (n *Negotiator) Invalidate() { n.cache.Purge() }

// Offer builds the ranked offer for c.
func (n *Negotiator) Offer(ctx context.Context, c Constraints) Offer {
	ctx, span := tracing.Start(ctx, "stream.offer")
	defer span.End()

	if maxW := n.Config().DefaultMaxW; c.MaxWidth == 0 && maxW > 0 {
		c.MaxWidth = maxW
	}
	offer := BuildOffer(n.Capabilities(ctx), c)
	span.SetAttributes(
		tracing.String("platform", string(offer.Platform)),
		tracing.Int("candidates", len(offer.Candidates)),
	)
	n.logDiag(offer)
	return offer
}

func (n *Negotiator) logDiag(offer Offer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, codec := range Codecs {
		d := offer.Diag[codec]
		if n.lastDiag[codec] == d.DisabledReason {
			continue
		}
		n.lastDiag[codec] = d.DisabledReason
		if d.DisabledReason != "" {
			slog.Info("stream: codec unavailable", "codec", codec, "reason", d.DisabledReason, "detail", d.Detail, "platform", offer.Platform)
		}
	}
}

// ProbeEncoder runs `<encoder> -hide_banner -encoders` and picks an encoder
// per codec from the listing.
func ProbeEncoder(ctx context.Context, encoder string) (string, map[Codec]string, error) {
	if encoder == "" {
		return "", nil, nil
	}
	path, err := exec.LookPath(encoder)
	if err != nil {
		return "", nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output()
	if err != nil {
		return path, nil, err
	}
	return path, parseEncoderList(out), nil
}

// encoderPreference ranks the encoders BuildCommand can drive from raw
// system-memory frames. VAAPI, V4L2 and Vulkan encoders need a hardware
// upload filter chain and are not used.
var encoderPreference = map[Codec][]string{
	CodecH264:  {"libx264", "h264_nvenc", "h264_videotoolbox", "h264_qsv", "h264_amf", "h264_mf", "libopenh264"},
	CodecH265:  {"libx265", "hevc_nvenc", "hevc_videotoolbox", "hevc_qsv", "hevc_amf", "hevc_mf"},
	CodecMJPEG: {"mjpeg"},
}

func parseEncoderList(out []byte) map[Codec]string {
	listed := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		// " V..... libx264   libx264 H.264 / AVC ..."
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "V") {
			continue
		}
		listed[fields[1]] = true
	}
	codecs := make(map[Codec]string)
	for codec, names := range encoderPreference {
		for _, name := range names {
			if listed[name] {
				codecs[codec] = name
				break
			}
		}
	}
	return codecs
}
