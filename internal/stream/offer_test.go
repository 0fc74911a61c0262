package stream

import (
	"bufio"
	"bytes"
	"context"
	"net/url"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/internal/config"
)

func fullCaps(p capture.Platform) Capabilities {
	return Capabilities{
		Platform:      p,
		Display:       true,
		Encoder:       "/usr/bin/ffmpeg",
		EncoderCodecs: map[Codec]string{CodecH264: "libx264", CodecH265: "libx265"},
		Bridge:        p == capture.PlatformWaylandPipeWire,
	}
}

func codecsOf(o Offer) []Codec {
	var out []Codec
	for _, c := range o.Candidates {
		out = append(out, c.Codec)
	}
	return out
}

func TestOfferPriorityOrder(t *testing.T) {
	for _, p := range []capture.Platform{capture.PlatformWindows, capture.PlatformX11, capture.PlatformWaylandPipeWire} {
		got := codecsOf(BuildOffer(fullCaps(p), Constraints{}))
		want := []Codec{CodecH264, CodecH265, CodecMJPEG}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s: order = %v, want %v", p, got, want)
		}
	}

	caps := fullCaps(capture.PlatformX11)
	caps.EncoderCodecs = map[Codec]string{CodecH264: "libx264"}
	offer := BuildOffer(caps, Constraints{})
	if got := codecsOf(offer); !reflect.DeepEqual(got, []Codec{CodecH264, CodecMJPEG}) {
		t.Errorf("without h265: %v", got)
	}
	if d := offer.Diag[CodecH265]; d.DisabledReason != ReasonUnsupportedCodec {
		t.Errorf("h265 reason = %q", d.DisabledReason)
	}
}

func TestOfferIsDeterministic(t *testing.T) {
	c := Constraints{LowLatency: true, MaxWidth: 1280, Monitor: 1}
	a := BuildOffer(fullCaps(capture.PlatformX11), c)
	b := BuildOffer(fullCaps(capture.PlatformX11), c)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("identical inputs produced different offers")
	}
	for _, cand := range a.Candidates {
		if !strings.HasSuffix(cand.URL, "?low_latency=1&max_w=1280&monitor=1") {
			t.Errorf("%s url = %q", cand.Codec, cand.URL)
		}
	}
	if a.Candidates[0].URL != "/video_h264?low_latency=1&max_w=1280&monitor=1" {
		t.Errorf("h264 url = %q", a.Candidates[0].URL)
	}
}

func TestOfferWaylandWithoutBridge(t *testing.T) {
	caps := Capabilities{
		Platform: capture.PlatformWaylandNoCapture,
		Display:  true,
		Encoder:  "/usr/bin/ffmpeg",
		EncoderCodecs: map[Codec]string{
			CodecH264: "libx264",
			CodecH265: "libx265",
		},
	}
	offer := BuildOffer(caps, Constraints{})
	if len(offer.Candidates) != 0 {
		t.Errorf("candidates = %v, want none", codecsOf(offer))
	}
	if got := offer.Diag[CodecMJPEG].DisabledReason; got != "wayland_session" {
		t.Errorf("mjpeg reason = %q, want wayland_session", got)
	}
	if got := offer.Diag[CodecH264].DisabledReason; got != ReasonMissingBridge {
		t.Errorf("h264 reason = %q, want missing_bridge", got)
	}
	if offer.Support[CodecMJPEG] {
		t.Error("mjpeg reported as supported")
	}
}

func TestOfferWithoutEncoderKeepsMJPEG(t *testing.T) {
	caps := Capabilities{Platform: capture.PlatformWindows, Display: true}
	offer := BuildOffer(caps, Constraints{})
	if got := codecsOf(offer); !reflect.DeepEqual(got, []Codec{CodecMJPEG}) {
		t.Errorf("candidates = %v", got)
	}
	if offer.Diag[CodecH264].DisabledReason != ReasonMissingEncoder {
		t.Errorf("h264 diag = %+v", offer.Diag[CodecH264])
	}
}

func TestOfferNoDisplay(t *testing.T) {
	caps := fullCaps(capture.PlatformX11)
	caps.Display = false
	offer := BuildOffer(caps, Constraints{})
	if len(offer.Candidates) != 0 {
		t.Fatalf("candidates = %v", codecsOf(offer))
	}
	for _, c := range Codecs {
		if offer.Diag[c].DisabledReason != ReasonNoDisplay {
			t.Errorf("%s reason = %q", c, offer.Diag[c].DisabledReason)
		}
	}
}

func TestParseConstraints(t *testing.T) {
	c, err := ParseConstraints(url.Values{"low_latency": {"1"}, "max_w": {"1280"}, "monitor": {"2"}})
	if err != nil {
		t.Fatal(err)
	}
	if c != (Constraints{LowLatency: true, MaxWidth: 1280, Monitor: 2}) {
		t.Errorf("parsed %+v", c)
	}
	for _, bad := range []url.Values{
		{"max_w": {"0"}},
		{"max_w": {"wide"}},
		{"low_latency": {"maybe"}},
		{"monitor": {"-1"}},
	} {
		if _, err := ParseConstraints(bad); err == nil {
			t.Errorf("%v: expected error", bad)
		}
	}
}

func TestNegotiatorCachesProbe(t *testing.T) {
	var probes atomic.Int32
	n := NewNegotiator(config.StreamConfig{Encoder: "ffmpeg", ProbeTTL: config.Duration(time.Minute)},
		WithEnv(func() capture.Env {
			return capture.Env{GOOS: "linux", Display: ":0"}
		}),
		WithEncoderProbe(func(context.Context, string) (string, map[Codec]string, error) {
			probes.Add(1)
			return "/usr/bin/ffmpeg", map[Codec]string{CodecH264: "libx264"}, nil
		}),
	)
	ctx := context.Background()
	first := n.Offer(ctx, Constraints{})
	second := n.Offer(ctx, Constraints{})
	if probes.Load() != 1 {
		t.Errorf("probed %d times, want 1", probes.Load())
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("cached offer differs")
	}
	if got := codecsOf(first); !reflect.DeepEqual(got, []Codec{CodecH264, CodecMJPEG}) {
		t.Errorf("candidates = %v", got)
	}
	n.Invalidate()
	n.Offer(ctx, Constraints{})
	if probes.Load() != 2 {
		t.Errorf("probe after invalidate count = %d", probes.Load())
	}
}

func TestNegotiatorDefaultMaxWidth(t *testing.T) {
	n := NewNegotiator(config.StreamConfig{DefaultMaxW: 960},
		WithEnv(func() capture.Env { return capture.Env{GOOS: "windows"} }),
		WithEncoderProbe(func(context.Context, string) (string, map[Codec]string, error) { return "", nil, nil }),
	)
	offer := n.Offer(context.Background(), Constraints{})
	if len(offer.Candidates) != 1 || offer.Candidates[0].URL != "/video_feed?max_w=960" {
		t.Errorf("candidates = %+v", offer.Candidates)
	}
}

func TestParseEncoderList(t *testing.T) {
	out := []byte(`Encoders:
 V..... = Video
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 V....D hevc_vaapi           H.265/HEVC (VAAPI) (codec hevc)
 V.S... mjpeg                MJPEG (Motion JPEG)
 A....D aac                  AAC (Advanced Audio Coding)
`)
	got := parseEncoderList(out)
	want := map[Codec]string{CodecH264: "libx264", CodecMJPEG: "mjpeg"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("codecs = %v, want %v", got, want)
	}
}

func TestParseEncoderListHardwareOnly(t *testing.T) {
	out := []byte(`
 V....D h264_vaapi           H.264/AVC (VAAPI) (codec h264)
 V....D hevc_nvenc           NVIDIA NVENC hevc encoder (codec hevc)
`)
	got := parseEncoderList(out)
	if _, ok := got[CodecH264]; ok {
		t.Errorf("vaapi-only build advertised h264: %v", got)
	}
	if got[CodecH265] != "hevc_nvenc" {
		t.Errorf("h265 encoder = %q, want hevc_nvenc", got[CodecH265])
	}

	caps := Capabilities{Platform: capture.PlatformX11, Display: true, Encoder: "/usr/bin/ffmpeg", EncoderCodecs: got}
	offer := BuildOffer(caps, Constraints{})
	if codecs := codecsOf(offer); !reflect.DeepEqual(codecs, []Codec{CodecH265, CodecMJPEG}) {
		t.Errorf("candidates = %v", codecs)
	}
	if offer.Diag[CodecH264].DisabledReason != ReasonUnsupportedCodec {
		t.Errorf("h264 diag = %+v", offer.Diag[CodecH264])
	}
}

func TestNegotiatorSetConfigReprobes(t *testing.T) {
	n := NewNegotiator(config.StreamConfig{Encoder: "ffmpeg"},
		WithEnv(func() capture.Env { return capture.Env{GOOS: "linux", Display: ":0"} }),
		WithEncoderProbe(func(context.Context, string) (string, map[Codec]string, error) {
			return "", nil, nil
		}),
	)
	ctx := context.Background()
	if got := codecsOf(n.Offer(ctx, Constraints{})); !reflect.DeepEqual(got, []Codec{CodecMJPEG}) {
		t.Fatalf("candidates = %v", got)
	}

	cfg := n.Config()
	cfg.DisableCapture = true
	n.SetConfig(cfg)
	offer := n.Offer(ctx, Constraints{})
	if len(offer.Candidates) != 0 {
		t.Errorf("candidates after disabling capture = %v", codecsOf(offer))
	}
	if offer.Diag[CodecMJPEG].DisabledReason != ReasonNoDisplay {
		t.Errorf("mjpeg diag = %+v", offer.Diag[CodecMJPEG])
	}
}

func TestSplitJPEG(t *testing.T) {
	frame := func(b byte) []byte { return []byte{0xFF, 0xD8, b, b, 0xFF, 0xD9} }
	var stream []byte
	stream = append(stream, 0x00, 0x01)
	stream = append(stream, frame(1)...)
	stream = append(stream, frame(2)...)
	stream = append(stream, 0xFF, 0xD8, 3) // truncated

	sc := bufio.NewScanner(bytes.NewReader(stream))
	sc.Split(SplitJPEG)
	var frames [][]byte
	for sc.Scan() {
		frames = append(frames, append([]byte(nil), sc.Bytes()...))
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || !bytes.Equal(frames[0], frame(1)) || !bytes.Equal(frames[1], frame(2)) {
		t.Errorf("frames = %x", frames)
	}
}
