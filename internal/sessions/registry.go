// Package sessions tracks paired devices: their tokens, rights and
// connection state, and the resources to release when they go away.
package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/deskpilot/internal/bus"
	"github.com/nextlevelbuilder/deskpilot/internal/config"
	"github.com/nextlevelbuilder/deskpilot/internal/store"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// State is the connection state of a session.
type State string

const (
	StatePending      State = "pending"
	StateActive       State = "active"
	StateDisconnected State = "disconnected"
)

// Session is a point-in-time copy of a device session.
type Session struct {
	ID         string
	Name       string
	Rights     Rights
	Ceiling    Rights // highest rights the device may hold without an admin change
	State      State
	RemoteAddr string
	CreatedAt  time.Time
	LastSeen   time.Time

	tokenHash string
}

// Info renders the session for the HTTP API and control channel.
func (s Session) Info(controller bool) protocol.SessionInfo {
	return protocol.SessionInfo{
		ID:         s.ID,
		Name:       s.Name,
		Rights:     s.Rights.Names(),
		State:      string(s.State),
		RemoteAddr: s.RemoteAddr,
		CreatedAt:  s.CreatedAt.UnixMilli(),
		LastSeenAt: s.LastSeen.UnixMilli(),
		Controller: controller,
	}
}

func (s Session) data() store.SessionData {
	return store.SessionData{
		ID:         s.ID,
		TokenHash:  s.tokenHash,
		Name:       s.Name,
		Rights:     uint8(s.Rights),
		Ceiling:    uint8(s.Ceiling),
		RemoteAddr: s.RemoteAddr,
		CreatedAt:  s.CreatedAt.UnixMilli(),
		LastSeenAt: s.LastSeen.UnixMilli(),
	}
}

// Closer releases one resource held on behalf of a session.
type Closer func(reason string)

type entry struct {
	s          Session
	closers    map[uint64]Closer
	nextCloser uint64
}

// Options configures a Registry.
type Options struct {
	Store            store.SessionStore // nil keeps sessions in memory only
	Bus              *bus.Bus
	HeartbeatTimeout time.Duration
	Policy           string // config.PolicyConcurrent or config.PolicySingle
	Now              func() time.Time
}

// Registry is the authoritative set of device sessions. All methods are safe
// for concurrent use and return copies.
type Registry struct {
	mu         sync.Mutex
	byID       map[string]*entry
	byHash     map[string]string // token hash -> session id
	retired    map[string]struct{}
	controller string
	policy     string

	store     store.SessionStore
	bus       *bus.Bus
	heartbeat time.Duration
	now       func() time.Time
}

// NewRegistry creates a registry and loads persisted sessions, all of which
// start out disconnected.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 45 * time.Second
	}
	if opts.Policy == "" {
		opts.Policy = config.PolicyConcurrent
	}
	r := &Registry{
		byID:      make(map[string]*entry),
		byHash:    make(map[string]string),
		retired:   make(map[string]struct{}),
		policy:    opts.Policy,
		store:     opts.Store,
		bus:       opts.Bus,
		heartbeat: opts.HeartbeatTimeout,
		now:       opts.Now,
	}
	if r.store == nil {
		return r, nil
	}

	rows, err := r.store.ListSessions()
	if err != nil {
		return nil, err
	}
	for _, d := range rows {
		s := Session{
			ID:         d.ID,
			Name:       d.Name,
			Rights:     Rights(d.Rights),
			Ceiling:    Rights(d.Ceiling),
			State:      StateDisconnected,
			RemoteAddr: d.RemoteAddr,
			CreatedAt:  time.UnixMilli(d.CreatedAt),
			LastSeen:   time.UnixMilli(d.LastSeenAt),
			tokenHash:  d.TokenHash,
		}
		r.byID[s.ID] = &entry{s: s, closers: map[uint64]Closer{}}
		r.byHash[s.tokenHash] = s.ID
	}
	if len(rows) > 0 {
		slog.Info("sessions restored", "count", len(rows))
	}
	return r, nil
}

// Create registers a new pending session for token.
func (r *Registry) Create(token, name, remoteAddr string, rights Rights) (Session, error) {
	if err := store.ValidateName(name); err != nil {
		return Session{}, protocol.Errorf(protocol.CodeInvalidRequest, "%s", err)
	}
	hash := store.HashToken(token)
	if r.isRetired(hash) {
		slog.Warn("security.retired_token_reuse", "remote", remoteAddr)
		return Session{}, protocol.Errorf(protocol.CodeAuth, "token was revoked")
	}

	r.mu.Lock()
	if _, dup := r.byHash[hash]; dup {
		r.mu.Unlock()
		return Session{}, protocol.Errorf(protocol.CodeAlreadyExists, "token already registered")
	}
	now := r.now()
	s := Session{
		ID:         uuid.NewString(),
		Name:       name,
		Rights:     rights,
		Ceiling:    rights,
		State:      StatePending,
		RemoteAddr: remoteAddr,
		CreatedAt:  now,
		LastSeen:   now,
		tokenHash:  hash,
	}
	r.byID[s.ID] = &entry{s: s, closers: map[uint64]Closer{}}
	r.byHash[hash] = s.ID
	r.mu.Unlock()

	r.persist(s)
	slog.Info("session created", "session", s.ID, "name", name, "rights", rights.String(), "remote", remoteAddr)
	r.bus.Broadcast(bus.Event{Name: bus.EventSessionCreated, SessionID: s.ID})
	return s, nil
}

// Get looks a session up by bearer token.
func (r *Registry) Get(token string) (Session, error) {
	hash := store.HashToken(token)
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byHash[hash]
	if !ok {
		return Session{}, protocol.Errorf(protocol.CodeNotFound, "unknown token")
	}
	return r.byID[id].s, nil
}

// GetByID looks a session up by id.
func (r *Registry) GetByID(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return Session{}, protocol.Errorf(protocol.CodeNotFound, "session %s not found", id)
	}
	return e.s, nil
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetRights replaces a session's rights and its ceiling. This is the local
// admin path and the only way to raise rights after pairing.
func (r *Registry) SetRights(id string, rights Rights) (Session, error) {
	s, err := r.update(id, func(s *Session) {
		s.Rights = rights
		s.Ceiling = rights
	})
	if err != nil {
		return Session{}, err
	}
	r.persist(s)
	slog.Info("session rights changed", "session", id, "rights", rights.String())
	r.bus.Broadcast(bus.Event{Name: bus.EventRightsChanged, SessionID: id, Payload: rights.Names()})
	return s, nil
}

// Restrict narrows a session's rights. Rights outside the ceiling are
// ignored, so this can never grant anything new.
func (r *Registry) Restrict(id string, rights Rights) (Session, error) {
	s, err := r.update(id, func(s *Session) {
		s.Rights = rights & s.Ceiling
	})
	if err != nil {
		return Session{}, err
	}
	r.persist(s)
	r.bus.Broadcast(bus.Event{Name: bus.EventRightsChanged, SessionID: id, Payload: s.Rights.Names()})
	return s, nil
}

// Rename changes the display name.
func (r *Registry) Rename(id, name string) (Session, error) {
	if err := store.ValidateName(name); err != nil {
		return Session{}, protocol.Errorf(protocol.CodeInvalidRequest, "%s", err)
	}
	s, err := r.update(id, func(s *Session) { s.Name = name })
	if err != nil {
		return Session{}, err
	}
	r.persist(s)
	return s, nil
}

// Touch records a heartbeat.
func (r *Registry) Touch(id string) error {
	_, err := r.update(id, func(s *Session) { s.LastSeen = r.now() })
	return err
}

// Activate marks the session active and makes it the controller candidate.
func (r *Registry) Activate(id, remoteAddr string) (Session, error) {
	s, err := r.update(id, func(s *Session) {
		s.State = StateActive
		s.LastSeen = r.now()
		if remoteAddr != "" {
			s.RemoteAddr = remoteAddr
		}
	})
	if err != nil {
		return Session{}, err
	}
	r.mu.Lock()
	r.controller = id
	r.mu.Unlock()

	slog.Info("session active", "session", id, "remote", s.RemoteAddr)
	r.bus.Broadcast(bus.Event{Name: bus.EventSessionActivated, SessionID: id})
	return s, nil
}

// Deactivate moves an active session to disconnected without running its
// closers. Used by a control channel that has already shut itself down.
func (r *Registry) Deactivate(id string) {
	var changed bool
	s, err := r.update(id, func(s *Session) {
		if s.State == StateActive {
			s.State = StateDisconnected
			changed = true
		}
	})
	if err != nil || !changed {
		return
	}
	r.clearController(id)
	r.persist(s)
	r.bus.Broadcast(bus.Event{Name: bus.EventSessionDisconnected, SessionID: id, Payload: "channel closed"})
}

// Attach registers a resource to release when the session is disconnected
// or deleted. The returned detach func removes it again.
func (r *Registry) Attach(id string, c Closer) (detach func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "session %s not found", id)
	}
	e.nextCloser++
	key := e.nextCloser
	e.closers[key] = c
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if e, ok := r.byID[id]; ok {
			delete(e.closers, key)
		}
	}, nil
}

// Disconnect closes every resource attached to the session and marks it
// disconnected. The record is kept. Closers have run when it returns.
func (r *Registry) Disconnect(id, reason string) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return protocol.Errorf(protocol.CodeNotFound, "session %s not found", id)
	}
	e.s.State = StateDisconnected
	closers := e.closers
	e.closers = map[uint64]Closer{}
	if r.controller == id {
		r.controller = ""
	}
	s := e.s
	r.mu.Unlock()

	for _, c := range closers {
		c(reason)
	}

	r.persist(s)
	slog.Info("session disconnected", "session", id, "reason", reason, "released", len(closers))
	r.bus.Broadcast(bus.Event{Name: bus.EventSessionDisconnected, SessionID: id, Payload: reason})
	return nil
}

// Delete disconnects the session, removes it and retires its token.
func (r *Registry) Delete(id string) error {
	if err := r.Disconnect(id, "deleted"); err != nil {
		return err
	}

	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return protocol.Errorf(protocol.CodeNotFound, "session %s not found", id)
	}
	hash := e.s.tokenHash
	delete(r.byID, id)
	delete(r.byHash, hash)
	r.retired[hash] = struct{}{}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.RetireToken(hash); err != nil {
			slog.Error("session store: retire token failed", "session", id, "error", err)
		}
		if err := r.store.DeleteSession(id); err != nil {
			slog.Error("session store: delete failed", "session", id, "error", err)
		}
	}

	slog.Info("session deleted", "session", id)
	r.bus.Broadcast(bus.Event{Name: bus.EventSessionDeleted, SessionID: id})
	return nil
}

// Sweep disconnects active sessions whose last heartbeat is older than the
// heartbeat timeout. Returns the ids it disconnected.
func (r *Registry) Sweep(now time.Time) []string {
	cutoff := now.Add(-r.heartbeat)
	var stale []string
	r.mu.Lock()
	for id, e := range r.byID {
		if e.s.State == StateActive && e.s.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(stale)
	for _, id := range stale {
		slog.Warn("session heartbeat timeout", "session", id, "timeout", r.heartbeat)
		r.Disconnect(id, "heartbeat timeout")
	}
	return stale
}

// Run sweeps until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	interval := r.heartbeat / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// MayControl reports whether session id may inject input under the current
// control policy.
func (r *Registry) MayControl(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy != config.PolicySingle {
		return true
	}
	return r.controller == id
}

// Controller returns the id of the current controller in single mode.
func (r *Registry) Controller() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy != config.PolicySingle {
		return ""
	}
	return r.controller
}

// Policy returns the active control policy.
func (r *Registry) Policy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// SetPolicy switches the control policy at runtime.
func (r *Registry) SetPolicy(policy string) {
	r.mu.Lock()
	old := r.policy
	r.policy = policy
	r.mu.Unlock()
	if old != policy {
		slog.Info("control policy changed", "from", old, "to", policy)
	}
}

func (r *Registry) update(id string, fn func(*Session)) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return Session{}, protocol.Errorf(protocol.CodeNotFound, "session %s not found", id)
	}
	fn(&e.s)
	return e.s, nil
}

func (r *Registry) clearController(id string) {
	r.mu.Lock()
	if r.controller == id {
		r.controller = ""
	}
	r.mu.Unlock()
}

func (r *Registry) isRetired(hash string) bool {
	r.mu.Lock()
	_, ok := r.retired[hash]
	r.mu.Unlock()
	if ok || r.store == nil {
		return ok
	}
	retired, err := r.store.IsRetired(hash)
	if err != nil {
		slog.Error("session store: retired lookup failed", "error", err)
		return false
	}
	return retired
}

func (r *Registry) persist(s Session) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveSession(s.data()); err != nil {
		slog.Error("session store: save failed", "session", s.ID, "error", err)
	}
}
