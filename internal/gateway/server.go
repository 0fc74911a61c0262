// Package gateway is the host's network surface: the pairing handshake, the
// /ws/mouse control channel, the video endpoints and the loopback-only admin
// API.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/deskpilot/internal/bus"
	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/internal/config"
	"github.com/nextlevelbuilder/deskpilot/internal/input"
	"github.com/nextlevelbuilder/deskpilot/internal/pairing"
	"github.com/nextlevelbuilder/deskpilot/internal/power"
	"github.com/nextlevelbuilder/deskpilot/internal/sessions"
	"github.com/nextlevelbuilder/deskpilot/internal/stream"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// Options wires the server to the rest of the host.
type Options struct {
	Config     *config.Config
	Version    string
	InstanceID string

	Registry   *sessions.Registry
	Authority  *pairing.Authority
	Negotiator *stream.Negotiator
	Streams    *stream.Manager
	Grabber    capture.Grabber
	Input      *input.Device
	Power      power.Actions
	Bus        *bus.Bus

	// DiscoveryPort is reported by /api/local/info; 0 when discovery is off.
	DiscoveryPort int
}

// Server serves the HTTP and WebSocket API.
type Server struct {
	opts     Options
	cfg      *config.Config
	upgrader websocket.Upgrader
	router   *EventRouter
	limiter  *RateLimiter
	files    *FileOffers
	started  time.Time

	mu       sync.RWMutex
	channels map[string]*Channel // session id → live control channel
	port     int
	http     *http.Server
}

// NewServer creates a server and subscribes it to host events.
func NewServer(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	s := &Server{
		opts: opts,
		cfg:  opts.Config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Mobile clients are native apps, not browsers; tokens carry auth.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter:  NewRateLimiter(opts.Config.Gateway.RateLimitRPM, 0),
		files:    NewFileOffers(fileOfferTTL),
		started:  time.Now(),
		channels: make(map[string]*Channel),
		port:     opts.Config.Gateway.Port,
	}
	s.router = NewEventRouter(s)
	if opts.Bus != nil {
		opts.Bus.Subscribe("gateway", s.onEvent)
	}
	return s
}

// Router exposes the control-channel event router for extension.
func (s *Server) Router() *EventRouter { return s.router }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public.
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/handshake", s.limiter.Middleware(s.handleHandshake))
	mux.HandleFunc("GET /ws/mouse", s.handleControl)
	mux.HandleFunc("GET /api/session", s.limiter.Middleware(s.withSession(0, s.handleSession)))
	mux.HandleFunc("POST /api/session/restrict", s.limiter.Middleware(s.withSession(0, s.handleRestrict)))
	mux.HandleFunc("GET /api/stream_offer", s.limiter.Middleware(s.withSession(0, s.handleStreamOffer)))
	mux.HandleFunc("GET /api/stream_stats", s.limiter.Middleware(s.withSession(0, s.handleStreamStats)))
	mux.HandleFunc("GET /api/monitors", s.limiter.Middleware(s.withSession(0, s.handleMonitors)))
	mux.HandleFunc("GET /video_feed", s.withSession(sessions.RightStreamView, s.videoHandler(stream.CodecMJPEG)))
	mux.HandleFunc("GET /video_h264", s.withSession(sessions.RightStreamView, s.videoHandler(stream.CodecH264)))
	mux.HandleFunc("GET /video_h265", s.withSession(sessions.RightStreamView, s.videoHandler(stream.CodecH265)))
	mux.HandleFunc("GET /api/files/{id}", s.withSession(sessions.RightFileTransfer, s.handleFileDownload))

	// Loopback only.
	mux.HandleFunc("GET /api/local/info", localOnly(s.handleLocalInfo))
	mux.HandleFunc("GET /api/local/devices", localOnly(s.handleDevices))
	mux.HandleFunc("POST /api/local/device_settings", localOnly(s.handleDeviceSettings))
	mux.HandleFunc("POST /api/local/device_disconnect", localOnly(s.handleDeviceDisconnect))
	mux.HandleFunc("POST /api/local/device_delete", localOnly(s.handleDeviceDelete))
	mux.HandleFunc("POST /api/local/regenerate_code", localOnly(s.handleRegenerate))
	mux.HandleFunc("POST /api/local/pin", localOnly(s.handleSetPIN))
	mux.HandleFunc("POST /api/local/file_push", localOnly(s.handleFilePush))
	mux.HandleFunc("GET /api/local/pairing_qr.png", localOnly(s.handlePairingQR))

	return mux
}

// Serve serves on ln until ctx is done, then shuts down: streams are ended,
// control channels closed and in-flight requests drained.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	if s.cfg.Gateway.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(s.cfg.Gateway.TLSCert, s.cfg.Gateway.TLSKey)
		if err != nil {
			return err
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		ln = tls.NewListener(ln, srv.TLSConfig)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	slog.Info("gateway listening", "addr", ln.Addr().String(), "scheme", s.Scheme())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	if s.opts.Streams != nil {
		s.opts.Streams.Close()
	}
	s.closeChannels("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.limiter.Close()
	return err
}

// Port is the TCP port the main listener bound.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// Scheme is "https" when TLS is configured.
func (s *Server) Scheme() string {
	if s.cfg.Gateway.TLSEnabled() {
		return "https"
	}
	return "http"
}

// Connected lists session ids with a live control channel.
func (s *Server) Connected() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	return out
}

// onEvent forwards host events to the affected control channels. It runs on
// the publisher's goroutine and must not block.
func (s *Server) onEvent(e bus.Event) {
	var sig *protocol.SignalFrame
	switch e.Name {
	case bus.EventRightsChanged:
		sig = protocol.NewSignal(protocol.SignalRightsChanged, map[string]interface{}{"rights": e.Payload})
	case bus.EventFilePush:
		sig = protocol.NewSignal(protocol.SignalFilePush, e.Payload)
	case bus.EventStreamTerminated:
		sig = protocol.NewSignal(protocol.SignalStreamTerminated, e.Payload)
	default:
		return
	}
	if ch := s.channel(e.SessionID); ch != nil {
		ch.SendSignal(sig)
	}
}

func (s *Server) channel(sessionID string) *Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[sessionID]
}

// register installs ch as the session's channel and returns the one it
// replaced, if any.
func (s *Server) register(ch *Channel) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.channels[ch.sessionID]
	s.channels[ch.sessionID] = ch
	return old
}

// unregister removes ch if it is still the session's current channel.
func (s *Server) unregister(ch *Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[ch.sessionID] != ch {
		return false
	}
	delete(s.channels, ch.sessionID)
	return true
}

func (s *Server) closeChannels(reason string) {
	s.mu.RLock()
	chans := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.RUnlock()
	for _, ch := range chans {
		ch.Close(reason)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"version":  s.opts.Version,
		"uptime_s": int(time.Since(s.started).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: write response", "error", err)
	}
}

// writeError answers with the status mapped from err's code and the
// standard error body.
func writeError(w http.ResponseWriter, err error) {
	var pe *protocol.Error
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		secs := int(math.Ceil(pe.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	code := protocol.CodeOf(err)
	if code == protocol.CodeInternal {
		slog.Error("gateway: internal error", "error", err)
	}
	writeJSON(w, protocol.HTTPStatus(code), protocol.ErrorBody{Error: protocol.ShapeOf(err)})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	if err := dec.Decode(v); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}
