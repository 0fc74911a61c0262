// Package stream builds ranked stream offers for the host's capabilities and
// runs the shared capture→encode→fan-out pipelines behind them.
package stream

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// Codec names a stream encoding.
type Codec string

const (
	CodecH264  Codec = "h264"
	CodecH265  Codec = "h265"
	CodecMJPEG Codec = "mjpeg"
)

// Codecs lists every codec in offer priority order.
var Codecs = []Codec{CodecH264, CodecH265, CodecMJPEG}

// ParseCodec maps a name (accepting "hevc") to a Codec.
func ParseCodec(s string) (Codec, bool) {
	switch strings.ToLower(s) {
	case "h264", "avc":
		return CodecH264, true
	case "h265", "hevc":
		return CodecH265, true
	case "mjpeg", "jpeg":
		return CodecMJPEG, true
	}
	return "", false
}

// Priority is the fixed rank of c; lower is tried first.
func (c Codec) Priority() int {
	switch c {
	case CodecH264:
		return 1
	case CodecH265:
		return 2
	case CodecMJPEG:
		return 3
	}
	return 99
}

// Path is the HTTP endpoint serving c.
func (c Codec) Path() string {
	switch c {
	case CodecH264:
		return "/video_h264"
	case CodecH265:
		return "/video_h265"
	default:
		return "/video_feed"
	}
}

// ContentType is the response type of c's endpoint.
func (c Codec) ContentType() string {
	if c == CodecMJPEG {
		return "multipart/x-mixed-replace; boundary=" + MJPEGBoundary
	}
	return "video/mp2t"
}

// MJPEGBoundary separates parts of the MJPEG multipart response.
const MJPEGBoundary = "frame"

// Reasons a codec is left out of an offer.
const (
	ReasonNoDisplay        = "no_display"
	ReasonWaylandSession   = "wayland_session"
	ReasonMissingEncoder   = "missing_encoder"
	ReasonMissingBridge    = "missing_bridge"
	ReasonUnsupportedCodec = "unsupported_codec"
)

// Capabilities is the probed tooling of the host. Two equal Capabilities
// always produce the same offer.
type Capabilities struct {
	Platform        capture.Platform `json:"platform"`
	Display         bool             `json:"display"`
	Encoder         string           `json:"encoder,omitempty"` // resolved path, empty when missing
	EncoderCodecs   map[Codec]string `json:"encoder_codecs,omitempty"` // codec -> ffmpeg encoder name
	Bridge          bool             `json:"bridge"`
	CaptureDisabled bool             `json:"capture_disabled,omitempty"`
}

// Constraints are the client's requested stream parameters.
type Constraints struct {
	LowLatency bool `json:"low_latency"`
	MaxWidth   int  `json:"max_w,omitempty"`
	Monitor    int  `json:"monitor"`
}

// ParseConstraints reads low_latency, max_w and monitor from q.
func ParseConstraints(q url.Values) (Constraints, error) {
	var c Constraints
	if v := q.Get("low_latency"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, protocol.Errorf(protocol.CodeInvalidRequest, "low_latency must be a boolean")
		}
		c.LowLatency = b
	}
	if v := q.Get("max_w"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c, protocol.Errorf(protocol.CodeInvalidRequest, "max_w must be a positive integer")
		}
		c.MaxWidth = n
	}
	if v := q.Get("monitor"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c, protocol.Errorf(protocol.CodeInvalidRequest, "monitor must be a non-negative integer")
		}
		c.Monitor = n
	}
	return c, nil
}

// Query renders c with keys in a fixed order. Unset values are omitted.
func (c Constraints) Query() string {
	var parts []string
	if c.LowLatency {
		parts = append(parts, "low_latency=1")
	}
	if c.MaxWidth > 0 {
		parts = append(parts, "max_w="+strconv.Itoa(c.MaxWidth))
	}
	if c.Monitor > 0 {
		parts = append(parts, "monitor="+strconv.Itoa(c.Monitor))
	}
	return strings.Join(parts, "&")
}

// Target converts c to the capture target it selects.
func (c Constraints) Target() capture.Target {
	return capture.Target{Monitor: c.Monitor, MaxWidth: c.MaxWidth, LowLatency: c.LowLatency}
}

// Candidate is one playable endpoint of an offer.
type Candidate struct {
	Codec    Codec  `json:"codec"`
	Mime     string `json:"mime"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

// CodecDiag explains a codec's availability.
type CodecDiag struct {
	Available      bool   `json:"available"`
	DisabledReason string `json:"disabled_reason,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// Offer is the ranked answer to a stream_offer request.
type Offer struct {
	Platform    capture.Platform    `json:"platform"`
	Candidates  []Candidate         `json:"candidates"`
	Support     map[Codec]bool      `json:"support"`
	Diag        map[Codec]CodecDiag `json:"diag"`
	Constraints Constraints         `json:"constraints"`
}

// BuildOffer ranks the codecs caps can serve and renders c into every URL.
// It is a pure function of its arguments.
func BuildOffer(caps Capabilities, c Constraints) Offer {
	offer := Offer{
		Platform:    caps.Platform,
		Candidates:  []Candidate{},
		Support:     make(map[Codec]bool, len(Codecs)),
		Diag:        make(map[Codec]CodecDiag, len(Codecs)),
		Constraints: c,
	}
	query := c.Query()
	for _, codec := range Codecs {
		reason, detail := availability(caps, codec)
		if reason != "" {
			offer.Support[codec] = false
			offer.Diag[codec] = CodecDiag{DisabledReason: reason, Detail: detail}
			continue
		}
		u := codec.Path()
		if query != "" {
			u += "?" + query
		}
		offer.Support[codec] = true
		offer.Diag[codec] = CodecDiag{Available: true}
		offer.Candidates = append(offer.Candidates, Candidate{
			Codec:    codec,
			Mime:     codec.ContentType(),
			URL:      u,
			Priority: codec.Priority(),
		})
	}
	return offer
}

// availability returns an empty reason when caps can serve codec.
func availability(caps Capabilities, codec Codec) (reason, detail string) {
	if caps.CaptureDisabled {
		return ReasonNoDisplay, "capture disabled by configuration"
	}
	if !caps.Display {
		return ReasonNoDisplay, "no desktop session detected"
	}

	switch codec {
	case CodecMJPEG:
		switch caps.Platform {
		case capture.PlatformWaylandNoCapture:
			return ReasonWaylandSession, "frame grab is not possible on Wayland without a PipeWire bridge"
		case capture.PlatformWaylandPipeWire:
			if caps.Encoder == "" {
				return ReasonMissingEncoder, "encoder not found"
			}
			if !caps.Bridge {
				return ReasonMissingBridge, "PipeWire bridge unavailable"
			}
		}
		return "", ""
	default:
		if caps.Encoder == "" {
			return ReasonMissingEncoder, "encoder not found"
		}
		if caps.EncoderCodecs[codec] == "" {
			return ReasonUnsupportedCodec, "encoder lacks a " + string(codec) + " encoder"
		}
		if caps.Platform.Wayland() && !caps.Bridge {
			return ReasonMissingBridge, "PipeWire bridge unavailable"
		}
		return "", ""
	}
}
