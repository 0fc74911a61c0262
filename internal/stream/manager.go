package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/deskpilot/internal/bus"
	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/internal/tracing"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// SourceFactory opens the source for a new pipeline.
type SourceFactory func(ctx context.Context, codec Codec, target capture.Target) (Source, error)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Factory      SourceFactory
	Bus          *bus.Bus
	ViewerQueue  int
	StallTimeout time.Duration
}

// Manager owns every running pipeline. Viewers of the same Key share one
// pipeline; the last detach tears it down.
type Manager struct {
	opts ManagerOptions
	base context.Context
	stop context.CancelFunc

	mu        sync.Mutex
	pipelines map[Key]*Pipeline
	opening   map[Key]chan struct{} // factory running outside mu
	closing   map[Key]chan struct{}
}

func NewManager(opts ManagerOptions) *Manager {
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		opts:      opts,
		base:      base,
		stop:      stop,
		pipelines: make(map[Key]*Pipeline),
		opening:   make(map[Key]chan struct{}),
		closing:   make(map[Key]chan struct{}),
	}
}

// Attach joins (or starts) the pipeline for codec and target. The source is
// opened without holding the manager lock; concurrent viewers of the same
// key wait for that open instead of starting a second source.
func (m *Manager) Attach(ctx context.Context, codec Codec, target capture.Target, sessionID string) (*Viewer, error) {
	key := Key{Codec: codec, Target: target}
	for {
		if m.base.Err() != nil {
			return nil, protocol.Errorf(protocol.CodeStreamTerminated, "stream manager closed")
		}
		m.mu.Lock()
		wait, busy := m.closing[key]
		if !busy {
			wait, busy = m.opening[key]
		}
		if busy {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if p := m.pipelines[key]; p != nil {
			if v, ok := p.add(sessionID, m.opts.ViewerQueue); ok {
				m.mu.Unlock()
				return v, nil
			}
			delete(m.pipelines, key)
		}
		done := make(chan struct{})
		m.opening[key] = done
		m.mu.Unlock()

		p, err := m.open(ctx, key)

		m.mu.Lock()
		delete(m.opening, key)
		close(done)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if m.base.Err() != nil {
			m.mu.Unlock()
			p.src.Close()
			return nil, protocol.Errorf(protocol.CodeStreamTerminated, "stream manager closed")
		}
		v, _ := p.add(sessionID, m.opts.ViewerQueue)
		m.pipelines[key] = p
		p.start(m.base)
		m.mu.Unlock()
		return v, nil
	}
}

func (m *Manager) open(ctx context.Context, key Key) (*Pipeline, error) {
	ctx, span := tracing.Start(ctx, "stream.open",
		tracing.String("codec", string(key.Codec)),
		tracing.Int("monitor", key.Target.Monitor),
	)
	defer span.End()

	if m.opts.Factory == nil {
		return nil, protocol.Errorf(protocol.CodeCaptureUnavailable, "no capture backend")
	}
	src, err := m.opts.Factory(ctx, key.Codec, key.Target)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	p := newPipeline(key, src, m.opts.StallTimeout)
	p.onTerminate = m.terminated
	slog.Info("stream: pipeline started", "pipeline", key.String())
	return p, nil
}

// Detach removes v. When v was the last viewer the pipeline is stopped and
// its source closed before Detach returns.
func (m *Manager) Detach(v *Viewer) {
	if v == nil || v.pipeline == nil {
		return
	}
	p := v.pipeline

	m.mu.Lock()
	if p.remove(v) > 0 || m.pipelines[p.key] != p {
		m.mu.Unlock()
		return
	}
	delete(m.pipelines, p.key)
	ch := make(chan struct{})
	m.closing[p.key] = ch
	m.mu.Unlock()

	p.stop()
	slog.Info("stream: pipeline stopped", "pipeline", p.key.String())

	m.mu.Lock()
	delete(m.closing, p.key)
	m.mu.Unlock()
	close(ch)
}

func (m *Manager) terminated(p *Pipeline, err error, viewers []*Viewer) {
	m.mu.Lock()
	if m.pipelines[p.key] == p {
		delete(m.pipelines, p.key)
	}
	m.mu.Unlock()

	shape := protocol.ShapeOf(err)
	seen := make(map[string]bool)
	for _, v := range viewers {
		if v.SessionID == "" || seen[v.SessionID] {
			continue
		}
		seen[v.SessionID] = true
		m.opts.Bus.Broadcast(bus.Event{
			Name:      bus.EventStreamTerminated,
			SessionID: v.SessionID,
			Payload: map[string]interface{}{
				"codec":   p.key.Codec,
				"monitor": p.key.Target.Monitor,
				"error":   shape,
			},
		})
	}
}

// Stats lists running pipelines ordered by codec priority then monitor.
func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	ps := make([]*Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		ps = append(ps, p)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.stats())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Codec.Priority() != out[j].Codec.Priority() {
			return out[i].Codec.Priority() < out[j].Codec.Priority()
		}
		if out[i].Monitor != out[j].Monitor {
			return out[i].Monitor < out[j].Monitor
		}
		return out[i].MaxWidth < out[j].MaxWidth
	})
	return out
}

// Close stops every pipeline and ends every viewer.
func (m *Manager) Close() {
	m.mu.Lock()
	m.stop()
	ps := make([]*Pipeline, 0, len(m.pipelines))
	for k, p := range m.pipelines {
		ps = append(ps, p)
		delete(m.pipelines, k)
	}
	m.mu.Unlock()

	for _, p := range ps {
		<-p.closed
		p.mu.Lock()
		for id, v := range p.viewers {
			v.finish(nil)
			delete(p.viewers, id)
		}
		p.mu.Unlock()
	}
}
