package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/internal/sessions"
	"github.com/nextlevelbuilder/deskpilot/internal/stream"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// videoWriteTimeout bounds one write to a video client. A client that stops
// reading for longer is dropped instead of holding its goroutine forever.
const videoWriteTimeout = 10 * time.Second

func (s *Server) handleStreamOffer(w http.ResponseWriter, r *http.Request, _ sessions.Session) {
	c, err := stream.ParseConstraints(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Negotiator.Offer(r.Context(), c))
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request, _ sessions.Session) {
	stats := []stream.Stats{}
	if s.opts.Streams != nil {
		stats = s.opts.Streams.Stats()
	}
	offer := stream.BuildOffer(s.opts.Negotiator.Capabilities(r.Context()), stream.Constraints{})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"platform":  offer.Platform,
		"support":   offer.Support,
		"diag":      offer.Diag,
		"pipelines": stats,
	})
}

// handleMonitors lists capturable displays. Under PipeWire the portal picks
// the screen, so a single logical monitor is reported.
func (s *Server) handleMonitors(w http.ResponseWriter, r *http.Request, _ sessions.Session) {
	switch s.opts.Negotiator.Platform(r.Context()) {
	case capture.PlatformWaylandNoCapture:
		writeError(w, protocol.Errorf(protocol.CodeCaptureUnavailable,
			"screen capture is unavailable in this wayland session"))
		return
	case capture.PlatformWaylandPipeWire:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"monitors": []capture.Monitor{{Index: 0, Name: "pipewire", Primary: true}},
		})
		return
	}
	if s.opts.Grabber == nil {
		writeError(w, protocol.Errorf(protocol.CodeCaptureUnavailable, "no capture backend"))
		return
	}
	mons, err := s.opts.Grabber.Monitors()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"monitors": mons})
}

// videoHandler streams one codec to the caller. Viewers of the same codec
// and constraints share a pipeline. The response ends when the client goes
// away, the session is disconnected or the pipeline fails.
func (s *Server) videoHandler(codec stream.Codec) sessionHandler {
	return func(w http.ResponseWriter, r *http.Request, sess sessions.Session) {
		if s.opts.Streams == nil {
			writeError(w, protocol.Errorf(protocol.CodeCaptureUnavailable, "streaming is not configured"))
			return
		}
		c, err := stream.ParseConstraints(r.URL.Query())
		if err != nil {
			writeError(w, err)
			return
		}
		if c.MaxWidth == 0 {
			c.MaxWidth = s.defaultMaxW()
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		viewer, err := s.opts.Streams.Attach(ctx, codec, c.Target(), sess.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		defer s.opts.Streams.Detach(viewer)

		detach, err := s.opts.Registry.Attach(sess.ID, func(string) { cancel() })
		if err != nil {
			writeError(w, err)
			return
		}
		defer detach()

		h := w.Header()
		h.Set("Content-Type", codec.ContentType())
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		rc := http.NewResponseController(w)
		if err := rc.Flush(); err != nil {
			slog.Debug("video: flush unsupported", "error", err)
		}
		slog.Info("video viewer attached", "session", sess.ID, "viewer", viewer.ID, "codec", codec, "target", c.Target().String())

		for {
			select {
			case <-ctx.Done():
				slog.Info("video viewer left", "session", sess.ID, "viewer", viewer.ID)
				return
			case <-viewer.Done():
				if err := viewer.Err(); err != nil {
					slog.Warn("video stream ended", "session", sess.ID, "codec", codec, "error", err)
				}
				return
			case u := <-viewer.Units():
				_ = rc.SetWriteDeadline(time.Now().Add(videoWriteTimeout))
				if err := writeUnit(w, codec, u); err != nil {
					if !errors.Is(err, context.Canceled) {
						slog.Debug("video write failed", "session", sess.ID, "error", err)
					}
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
			}
		}
	}
}

// writeUnit writes one MJPEG part or a run of MPEG-TS packets.
func writeUnit(w http.ResponseWriter, codec stream.Codec, u stream.Unit) error {
	if codec != stream.CodecMJPEG {
		_, err := w.Write(u.Data)
		return err
	}
	header := "--" + stream.MJPEGBoundary + "\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(len(u.Data)) + "\r\n\r\n"
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := w.Write(u.Data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		return fmt.Errorf("write part trailer: %w", err)
	}
	return nil
}

// defaultMaxW follows reloaded stream settings so video URLs keep matching
// the offer that produced them.
func (s *Server) defaultMaxW() int {
	if s.opts.Negotiator != nil {
		return s.opts.Negotiator.Config().DefaultMaxW
	}
	return s.cfg.Stream.DefaultMaxW
}
