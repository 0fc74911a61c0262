package gateway

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/deskpilot/internal/sessions"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// EventHandler applies one validated control event.
type EventHandler func(ctx context.Context, ch *Channel, ev *protocol.EventFrame) error

type route struct {
	right   sessions.Rights
	handler EventHandler
	async   bool // runs off the applier so slow actions don't hold up input
}

// EventRouter maps event types to the right they need and their handler.
type EventRouter struct {
	routes map[string]route
	server *Server
}

func NewEventRouter(server *Server) *EventRouter {
	r := &EventRouter{
		routes: make(map[string]route),
		server: server,
	}
	r.registerDefaults()
	return r
}

// Register adds or replaces a handler.
func (r *EventRouter) Register(event string, right sessions.Rights, handler EventHandler) {
	r.routes[event] = route{right: right, handler: handler}
}

// RegisterAsync is Register for handlers that may block for seconds.
func (r *EventRouter) RegisterAsync(event string, right sessions.Rights, handler EventHandler) {
	r.routes[event] = route{right: right, handler: handler, async: true}
}

func (r *EventRouter) lookup(event string) (route, bool) {
	rt, ok := r.routes[event]
	return rt, ok
}

func (r *EventRouter) registerDefaults() {
	for _, ev := range []string{
		protocol.EventMove,
		protocol.EventButton,
		protocol.EventScroll,
		protocol.EventKey,
		protocol.EventText,
		protocol.EventHotkey,
		protocol.EventMedia,
	} {
		r.Register(ev, sessions.RightInput, r.handleInput)
	}
	r.RegisterAsync(protocol.EventPower, sessions.RightPowerControl, r.handlePower)
}

// --- Built-in handlers ---

func (r *EventRouter) handleInput(_ context.Context, ch *Channel, ev *protocol.EventFrame) error {
	if r.server.opts.Input == nil {
		return protocol.Errorf(protocol.CodeInternal, "no input backend")
	}
	return r.server.opts.Input.Apply(ch.sessionID, ev)
}

func (r *EventRouter) handlePower(ctx context.Context, ch *Channel, ev *protocol.EventFrame) error {
	if r.server.opts.Power == nil {
		return protocol.Errorf(protocol.CodeInternal, "power actions unavailable")
	}
	slog.Info("gateway: power action requested", "session", ch.sessionID, "action", ev.Action)
	return r.server.opts.Power.Do(ctx, ev.Action)
}
