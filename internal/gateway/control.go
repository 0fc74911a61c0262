package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/deskpilot/internal/sessions"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

const (
	writeWait       = 10 * time.Second
	closeGrace      = time.Second
	defaultIdle     = 2 * time.Minute
	defaultMaxBytes = 64 * 1024
)

// Channel is one device's /ws/mouse connection. A reader decodes and
// authorizes frames, a single applier injects them in arrival order, and a
// writer owns all data writes to the socket.
type Channel struct {
	id        string
	sessionID string
	remote    string
	conn      *websocket.Conn
	server    *Server

	send   chan []byte
	events chan *protocol.EventFrame

	ctx     context.Context
	cancel  context.CancelFunc
	applied chan struct{} // closed when the applier exits
	once    sync.Once
	detach  func()
}

// handleControl authenticates before upgrading so an unknown token gets a
// plain 401 AUTH_ERROR response.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket upgrade failed", "session", sess.ID, "error", err)
		return
	}

	cc := s.cfg.Control
	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		id:        uuid.NewString(),
		sessionID: sess.ID,
		remote:    clientIP(r),
		conn:      conn,
		server:    s,
		send:      make(chan []byte, max(cc.SendBuffer, 8)),
		events:    make(chan *protocol.EventFrame, max(cc.EventQueue, 1)),
		ctx:       ctx,
		cancel:    cancel,
		applied:   make(chan struct{}),
	}
	go ch.writePump()
	go ch.applyLoop()

	if old := s.register(ch); old != nil {
		old.Close("replaced by a newer connection")
	}
	detach, err := s.opts.Registry.Attach(sess.ID, ch.Close)
	if err != nil {
		ch.Close("session removed")
		return
	}
	ch.detach = detach

	active, err := s.opts.Registry.Activate(sess.ID, ch.remote)
	if err != nil {
		ch.Close("session removed")
		return
	}
	slog.Info("control channel open", "session", sess.ID, "channel", ch.id, "remote", ch.remote)

	ch.SendSignal(protocol.NewSignal(protocol.SignalHello, protocol.HelloPayload{
		Version:   protocol.ProtocolVersion,
		SessionID: active.ID,
		Rights:    active.Rights.Names(),
		Policy:    s.opts.Registry.Policy(),
	}))

	ch.readPump()
	ch.Close("connection closed")
}

// readPump reads frames until the socket fails or the channel closes.
func (ch *Channel) readPump() {
	idle := ch.server.cfg.Control.IdleTimeout.Std()
	if idle <= 0 {
		idle = defaultIdle
	}
	limit := ch.server.cfg.Control.MaxMessageBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	ch.conn.SetReadLimit(limit)
	ch.conn.SetReadDeadline(time.Now().Add(idle))
	ch.conn.SetPongHandler(func(string) error {
		ch.conn.SetReadDeadline(time.Now().Add(idle))
		ch.server.opts.Registry.Touch(ch.sessionID)
		return nil
	})

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("control channel read ended", "session", ch.sessionID, "error", err)
			}
			return
		}
		ch.conn.SetReadDeadline(time.Now().Add(idle))
		if !ch.handleFrame(data) {
			return
		}
	}
}

// handleFrame validates and authorizes one frame. Returns false when the
// channel should stop reading.
func (ch *Channel) handleFrame(data []byte) bool {
	ev, err := protocol.ParseEvent(data)
	if err != nil {
		id := ""
		if ev != nil {
			id = ev.ID
		}
		slog.Debug("control: malformed event", "session", ch.sessionID, "error", err)
		ch.SendSignal(protocol.NewErrorSignal(id, protocol.CodeMalformedEvent, protocol.ShapeOf(err).Message))
		return true
	}

	reg := ch.server.opts.Registry
	if ev.Type == protocol.EventPing {
		reg.Touch(ch.sessionID)
		ch.SendSignal(&protocol.SignalFrame{Type: protocol.SignalPong, ID: ev.ID})
		return true
	}

	rt, ok := ch.server.router.lookup(ev.Type)
	if !ok {
		ch.SendSignal(protocol.NewErrorSignal(ev.ID, protocol.CodeMalformedEvent, "unsupported event "+ev.Type))
		return true
	}

	sess, err := reg.GetByID(ch.sessionID)
	if err != nil {
		return false
	}
	if !sess.Rights.Has(rt.right) {
		slog.Info("control: forbidden", "session", ch.sessionID, "event", ev.Type, "right", sessions.RightName(rt.right))
		ch.SendSignal(protocol.NewForbidden(ev.ID, ev.Type, sessions.RightName(rt.right), "missing_right"))
		return true
	}
	if rt.right == sessions.RightInput && !reg.MayControl(ch.sessionID) {
		ch.SendSignal(protocol.NewForbidden(ev.ID, ev.Type, sessions.RightName(rt.right), "not_controller"))
		return true
	}
	reg.Touch(ch.sessionID)

	if rt.async {
		go ch.apply(rt, ev)
		return true
	}
	select {
	case ch.events <- ev:
		return true
	case <-ch.ctx.Done():
		return false
	}
}

// applyLoop injects queued events one at a time. Runs of moves already
// waiting in the queue are merged into one relative move when coalescing is
// on; nothing is reordered.
func (ch *Channel) applyLoop() {
	defer close(ch.applied)
	coalesce := ch.server.cfg.Control.Coalesce
	for {
		var ev *protocol.EventFrame
		select {
		case <-ch.ctx.Done():
			return
		case ev = <-ch.events:
		}

		if ev.Type != protocol.EventMove || !coalesce {
			ch.apply(route{}, ev)
			continue
		}

		merged := *ev
		ids := []string{ev.ID}
		var next *protocol.EventFrame
	drain:
		for {
			select {
			case e := <-ch.events:
				if e.Type != protocol.EventMove {
					next = e
					break drain
				}
				merged.DX += e.DX
				merged.DY += e.DY
				ids = append(ids, e.ID)
			default:
				break drain
			}
		}
		ch.applyMerged(&merged, ids)
		if next != nil {
			ch.apply(route{}, next)
		}
	}
}

func (ch *Channel) applyMerged(ev *protocol.EventFrame, ids []string) {
	if ev.DX == 0 && ev.DY == 0 {
		ch.ackAll(ids)
		return
	}
	rt, _ := ch.server.router.lookup(ev.Type)
	if err := rt.handler(ch.ctx, ch, ev); err != nil {
		for _, id := range ids {
			ch.SendSignal(protocol.NewErrorSignal(id, protocol.CodeOf(err), err.Error()))
		}
		return
	}
	ch.ackAll(ids)
}

func (ch *Channel) ackAll(ids []string) {
	for _, id := range ids {
		if id != "" {
			ch.SendSignal(protocol.NewAck(id))
		}
	}
}

// apply runs ev's handler and reports the outcome. A zero rt means look it
// up again.
func (ch *Channel) apply(rt route, ev *protocol.EventFrame) {
	if rt.handler == nil {
		rt, _ = ch.server.router.lookup(ev.Type)
	}
	if rt.handler == nil {
		return
	}
	if err := rt.handler(ch.ctx, ch, ev); err != nil {
		slog.Warn("control: event failed", "session", ch.sessionID, "event", ev.Type, "error", err)
		ch.SendSignal(protocol.NewErrorSignal(ev.ID, protocol.CodeOf(err), err.Error()))
		return
	}
	if ev.ID != "" {
		ch.SendSignal(protocol.NewAck(ev.ID))
	}
}

// writePump writes queued signals and keepalive pings.
func (ch *Channel) writePump() {
	idle := ch.server.cfg.Control.IdleTimeout.Std()
	if idle <= 0 {
		idle = defaultIdle
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ch.ctx.Done():
			return
		case msg := <-ch.send:
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				go ch.Close("write failed")
				return
			}
		case <-ticker.C:
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ch.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				go ch.Close("ping failed")
				return
			}
		}
	}
}

// SendSignal queues sig for delivery. A full buffer drops the signal rather
// than stalling the caller.
func (ch *Channel) SendSignal(sig *protocol.SignalFrame) {
	data, err := json.Marshal(sig)
	if err != nil {
		slog.Error("marshal signal failed", "error", err)
		return
	}
	select {
	case <-ch.ctx.Done():
	case ch.send <- data:
	default:
		slog.Warn("control send buffer full, dropping signal", "session", ch.sessionID, "signal", sig.Type)
	}
}

// Close shuts the channel down: the socket is closed, held keys and buttons
// are released and the session leaves the active state. Safe to call from
// any goroutine and more than once; returns after cleanup is done.
func (ch *Channel) Close(reason string) {
	ch.once.Do(func() {
		ch.cancel()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = ch.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		ch.conn.Close()

		select {
		case <-ch.applied:
		case <-time.After(writeWait):
			slog.Warn("control: applier did not stop", "session", ch.sessionID)
		}
		if ch.server.opts.Input != nil {
			ch.server.opts.Input.Release(ch.sessionID)
		}

		if ch.detach != nil {
			ch.detach()
		}
		if ch.server.unregister(ch) {
			ch.server.opts.Registry.Deactivate(ch.sessionID)
		}
		slog.Info("control channel closed", "session", ch.sessionID, "channel", ch.id, "reason", reason)
	})
}
