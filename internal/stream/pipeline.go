package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// Unit is one encoded chunk: a JPEG frame for mjpeg, a run of MPEG-TS
// packets otherwise.
type Unit struct {
	Seq  uint64
	Data []byte
	At   time.Time
}

// Source produces encoded units. Next honors ctx cancellation; Close releases
// the capture handle and any helper processes.
type Source interface {
	Next(ctx context.Context) (Unit, error)
	Close() error
}

// Key identifies a shared pipeline.
type Key struct {
	Codec  Codec
	Target capture.Target
}

func (k Key) String() string { return string(k.Codec) + " " + k.Target.String() }

// Viewer is one consumer of a pipeline. Units are delivered through a
// bounded queue that drops its oldest entry when full.
type Viewer struct {
	ID        string
	SessionID string

	pipeline *Pipeline
	queue    chan Unit
	done     chan struct{}
	once     sync.Once
	err      error

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newViewer(sessionID string, depth int) *Viewer {
	if depth <= 0 {
		depth = 8
	}
	return &Viewer{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		queue:     make(chan Unit, depth),
		done:      make(chan struct{}),
	}
}

// Units is the viewer's queue.
func (v *Viewer) Units() <-chan Unit { return v.queue }

// Done closes when the viewer is detached or its pipeline terminates.
func (v *Viewer) Done() <-chan struct{} { return v.done }

// Err is nil after a detach and wraps protocol.ErrStreamTerminated after a
// pipeline failure. Valid once Done is closed.
func (v *Viewer) Err() error {
	select {
	case <-v.done:
		return v.err
	default:
		return nil
	}
}

// Dropped counts units discarded because the viewer fell behind.
func (v *Viewer) Dropped() uint64 { return v.dropped.Load() }

// push never blocks. Only the pipeline loop calls it.
func (v *Viewer) push(u Unit) {
	select {
	case <-v.done:
		return
	default:
	}
	select {
	case v.queue <- u:
		v.delivered.Add(1)
		return
	default:
	}
	select {
	case <-v.queue:
		v.dropped.Add(1)
	default:
	}
	select {
	case v.queue <- u:
		v.delivered.Add(1)
	default:
		v.dropped.Add(1)
	}
}

func (v *Viewer) finish(err error) {
	v.once.Do(func() {
		v.err = err
		close(v.done)
	})
}

// Pipeline runs one source and fans its units out to every attached viewer.
type Pipeline struct {
	key     Key
	src     Source
	stall   time.Duration
	cancel  context.CancelFunc
	closed  chan struct{}
	started time.Time

	mu      sync.Mutex
	viewers map[string]*Viewer
	dead    bool

	units    atomic.Uint64
	bytes    atomic.Uint64
	lastUnit atomic.Int64

	onTerminate func(*Pipeline, error, []*Viewer)
}

func newPipeline(key Key, src Source, stall time.Duration) *Pipeline {
	if stall <= 0 {
		stall = 5 * time.Second
	}
	return &Pipeline{
		key:     key,
		src:     src,
		stall:   stall,
		closed:  make(chan struct{}),
		started: time.Now(),
		viewers: make(map[string]*Viewer),
	}
}

func (p *Pipeline) start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.closed)
	defer func() {
		if err := p.src.Close(); err != nil {
			slog.Debug("stream: source close", "pipeline", p.key.String(), "error", err)
		}
	}()

	for {
		nctx, cancel := context.WithTimeout(ctx, p.stall)
		u, err := p.src.Next(nctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("no output for %s", p.stall)
			}
			p.terminate(err)
			return
		}
		p.units.Add(1)
		p.bytes.Add(uint64(len(u.Data)))
		p.lastUnit.Store(time.Now().UnixNano())

		p.mu.Lock()
		for _, v := range p.viewers {
			v.push(u)
		}
		p.mu.Unlock()
	}
}

func (p *Pipeline) terminate(cause error) {
	p.mu.Lock()
	p.dead = true
	viewers := make([]*Viewer, 0, len(p.viewers))
	for _, v := range p.viewers {
		viewers = append(viewers, v)
	}
	p.viewers = map[string]*Viewer{}
	p.mu.Unlock()

	err := protocol.Wrap(protocol.CodeStreamTerminated, cause, fmt.Sprintf("%s stream terminated", p.key.Codec))
	slog.Warn("stream: pipeline terminated", "pipeline", p.key.String(), "viewers", len(viewers), "error", cause)
	for _, v := range viewers {
		v.finish(err)
	}
	if p.onTerminate != nil {
		p.onTerminate(p, err, viewers)
	}
}

// add attaches a new viewer; false when the pipeline already failed.
func (p *Pipeline) add(sessionID string, depth int) (*Viewer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return nil, false
	}
	v := newViewer(sessionID, depth)
	v.pipeline = p
	p.viewers[v.ID] = v
	return v, true
}

// remove detaches v and reports how many viewers remain.
func (p *Pipeline) remove(v *Viewer) int {
	p.mu.Lock()
	delete(p.viewers, v.ID)
	n := len(p.viewers)
	p.mu.Unlock()
	v.finish(nil)
	return n
}

// stop cancels the loop and waits until the source is closed.
func (p *Pipeline) stop() {
	p.cancel()
	<-p.closed
}

// Stats is a point-in-time view of a pipeline.
type Stats struct {
	Codec      Codec     `json:"codec"`
	Monitor    int       `json:"monitor"`
	MaxWidth   int       `json:"max_w,omitempty"`
	LowLatency bool      `json:"low_latency"`
	Viewers    int       `json:"viewers"`
	Units      uint64    `json:"units"`
	Bytes      uint64    `json:"bytes"`
	Dropped    uint64    `json:"dropped"`
	StartedAt  time.Time `json:"started_at"`
	LastUnitAt time.Time `json:"last_unit_at,omitzero"`
}

func (p *Pipeline) stats() Stats {
	s := Stats{
		Codec:      p.key.Codec,
		Monitor:    p.key.Target.Monitor,
		MaxWidth:   p.key.Target.MaxWidth,
		LowLatency: p.key.Target.LowLatency,
		Units:      p.units.Load(),
		Bytes:      p.bytes.Load(),
		StartedAt:  p.started,
	}
	if ns := p.lastUnit.Load(); ns > 0 {
		s.LastUnitAt = time.Unix(0, ns)
	}
	p.mu.Lock()
	s.Viewers = len(p.viewers)
	for _, v := range p.viewers {
		s.Dropped += v.Dropped()
	}
	p.mu.Unlock()
	return s
}
