package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/deskpilot/internal/bus"
	"github.com/nextlevelbuilder/deskpilot/internal/capture"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

type fakeSource struct {
	units  chan Unit
	errc   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		units:  make(chan Unit),
		errc:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeSource) Next(ctx context.Context) (Unit, error) {
	select {
	case u := <-s.units:
		return u, nil
	case err := <-s.errc:
		return Unit{}, err
	case <-ctx.Done():
		return Unit{}, ctx.Err()
	}
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeFactory struct {
	mu      sync.Mutex
	sources []*fakeSource
}

func (f *fakeFactory) open(context.Context, Codec, capture.Target) (Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeSource()
	f.sources = append(f.sources, s)
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

func (f *fakeFactory) last() *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[len(f.sources)-1]
}

func newTestManager(f *fakeFactory, b *bus.Bus, queue int, stall time.Duration) *Manager {
	return NewManager(ManagerOptions{
		Factory:      f.open,
		Bus:          b,
		ViewerQueue:  queue,
		StallTimeout: stall,
	})
}

func recv(t *testing.T, v *Viewer) Unit {
	t.Helper()
	select {
	case u := <-v.Units():
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unit")
		return Unit{}
	}
}

func TestViewersShareOnePipeline(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(f, nil, 4, time.Minute)
	defer m.Close()
	ctx := context.Background()

	a, err := m.Attach(ctx, CodecMJPEG, capture.Target{}, "s1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Attach(ctx, CodecMJPEG, capture.Target{}, "s2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Attach(ctx, CodecMJPEG, capture.Target{Monitor: 1}, "s3"); err != nil {
		t.Fatal(err)
	}
	if f.count() != 2 {
		t.Fatalf("sources opened = %d, want 2", f.count())
	}

	f.sources[0].units <- Unit{Seq: 1, Data: []byte("x")}
	if u := recv(t, a); u.Seq != 1 {
		t.Errorf("a got seq %d", u.Seq)
	}
	if u := recv(t, b); u.Seq != 1 {
		t.Errorf("b got seq %d", u.Seq)
	}
}

func TestSlowViewerDoesNotBlockOthers(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(f, nil, 4, time.Minute)
	defer m.Close()
	ctx := context.Background()

	slow, _ := m.Attach(ctx, CodecH264, capture.Target{}, "slow")
	fast, _ := m.Attach(ctx, CodecH264, capture.Target{}, "fast")
	src := f.last()

	for i := uint64(1); i <= 10; i++ {
		select {
		case src.units <- Unit{Seq: i}:
		case <-time.After(2 * time.Second):
			t.Fatalf("pipeline loop blocked at unit %d", i)
		}
		if u := recv(t, fast); u.Seq != i {
			t.Fatalf("fast viewer got seq %d, want %d", u.Seq, i)
		}
	}

	// The last fan-out may still be reaching the slow viewer.
	deadline := time.Now().Add(2 * time.Second)
	for slow.Dropped() < 6 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := slow.Dropped(); got != 6 {
		t.Errorf("slow viewer dropped %d, want 6", got)
	}
	for want := uint64(7); want <= 10; want++ {
		if u := recv(t, slow); u.Seq != want {
			t.Errorf("slow viewer kept seq %d, want %d", u.Seq, want)
		}
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast viewer dropped %d", fast.Dropped())
	}
}

func TestLastDetachClosesSource(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(f, nil, 4, time.Minute)
	defer m.Close()
	ctx := context.Background()

	a, _ := m.Attach(ctx, CodecH265, capture.Target{MaxWidth: 1280}, "s1")
	b, _ := m.Attach(ctx, CodecH265, capture.Target{MaxWidth: 1280}, "s2")
	src := f.last()

	m.Detach(a)
	if src.isClosed() {
		t.Fatal("source closed while a viewer remains")
	}
	if a.Err() != nil {
		t.Errorf("detached viewer err = %v, want nil", a.Err())
	}
	m.Detach(b)
	if !src.isClosed() {
		t.Fatal("source still open after last detach returned")
	}
	if len(m.Stats()) != 0 {
		t.Error("stopped pipeline still listed")
	}

	if _, err := m.Attach(ctx, CodecH265, capture.Target{MaxWidth: 1280}, "s1"); err != nil {
		t.Fatal(err)
	}
	if f.count() != 2 {
		t.Errorf("reattach should open a fresh source, opened %d", f.count())
	}
}

func TestBackendFailureTerminatesViewers(t *testing.T) {
	b := bus.New()
	events := make(chan bus.Event, 8)
	b.Subscribe("test", func(e bus.Event) {
		if e.Name == bus.EventStreamTerminated {
			events <- e
		}
	})

	f := &fakeFactory{}
	m := newTestManager(f, b, 4, time.Minute)
	defer m.Close()
	ctx := context.Background()

	v1, _ := m.Attach(ctx, CodecH264, capture.Target{}, "s1")
	v2, _ := m.Attach(ctx, CodecH264, capture.Target{}, "s2")
	src := f.last()
	src.errc <- errors.New("device lost")

	for _, v := range []*Viewer{v1, v2} {
		select {
		case <-v.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("viewer not notified")
		}
		if !errors.Is(v.Err(), protocol.ErrStreamTerminated) {
			t.Errorf("viewer err = %v, want STREAM_TERMINATED", v.Err())
		}
	}

	sessions := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			sessions[e.SessionID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("missing stream_terminated event")
		}
	}
	if !sessions["s1"] || !sessions["s2"] {
		t.Errorf("events for %v, want s1 and s2", sessions)
	}

	select {
	case <-src.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("failed source not closed")
	}

	// Detaching a terminated viewer is harmless and a new attach starts over.
	m.Detach(v1)
	if _, err := m.Attach(ctx, CodecH264, capture.Target{}, "s1"); err != nil {
		t.Fatal(err)
	}
	if f.count() != 2 {
		t.Errorf("opened %d sources, want 2", f.count())
	}
}

func TestStallTerminatesPipeline(t *testing.T) {
	f := &fakeFactory{}
	m := newTestManager(f, nil, 4, 50*time.Millisecond)
	defer m.Close()

	v, err := m.Attach(context.Background(), CodecMJPEG, capture.Target{}, "s1")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-v.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stalled pipeline not terminated")
	}
	if !errors.Is(v.Err(), protocol.ErrStreamTerminated) {
		t.Errorf("err = %v, want STREAM_TERMINATED", v.Err())
	}
}

func TestFactoryErrorIsReturned(t *testing.T) {
	m := NewManager(ManagerOptions{
		Factory: func(context.Context, Codec, capture.Target) (Source, error) {
			return nil, protocol.Errorf(protocol.CodeEncoderUnavailable, "no ffmpeg")
		},
	})
	defer m.Close()
	_, err := m.Attach(context.Background(), CodecH264, capture.Target{}, "s1")
	if !errors.Is(err, protocol.ErrEncoderUnavailable) {
		t.Errorf("err = %v, want ENCODER_UNAVAILABLE", err)
	}
	if len(m.Stats()) != 0 {
		t.Error("failed open left a pipeline behind")
	}
}

func TestSlowOpenDoesNotBlockOtherPipelines(t *testing.T) {
	release := make(chan struct{})
	var opens sync.Map
	m := NewManager(ManagerOptions{
		ViewerQueue: 4,
		Factory: func(ctx context.Context, codec Codec, target capture.Target) (Source, error) {
			n, _ := opens.LoadOrStore(codec, new(int))
			*n.(*int)++
			if codec == CodecH264 {
				<-release
			}
			return newFakeSource(), nil
		},
	})
	defer m.Close()
	ctx := context.Background()

	type result struct {
		v   *Viewer
		err error
	}
	slow := make(chan result, 2)
	for _, id := range []string{"s1", "s2"} {
		go func() {
			v, err := m.Attach(ctx, CodecH264, capture.Target{}, id)
			slow <- result{v, err}
		}()
	}

	// While h264 is still starting, other keys and Stats stay responsive.
	done := make(chan error, 1)
	go func() {
		_, err := m.Attach(ctx, CodecMJPEG, capture.Target{}, "s3")
		m.Stats()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attach blocked behind a slow source start")
	}

	close(release)
	for range 2 {
		r := <-slow
		if r.err != nil {
			t.Fatal(r.err)
		}
	}
	n, _ := opens.Load(CodecH264)
	if got := *n.(*int); got != 1 {
		t.Errorf("h264 sources opened = %d, want 1", got)
	}
}
