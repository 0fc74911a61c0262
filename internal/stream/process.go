package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	tsChunk      = 188 * 64
	maxJPEGFrame = 16 << 20
	stderrTail   = 2048
)

// ProcessSource reads encoded output from an external encoder, optionally
// fed by a capture bridge process.
type ProcessSource struct {
	cmd     Command
	cancel  context.CancelFunc
	encoder *exec.Cmd
	bridge  *exec.Cmd
	stderr  *tailBuffer

	units chan Unit
	errc  chan error
	done  chan struct{}

	closeOnce sync.Once
	release   func()
}

// StartProcess launches cmd. release, if set, runs once on Close.
func StartProcess(ctx context.Context, cmd Command, release func()) (*ProcessSource, error) {
	if len(cmd.Encoder) == 0 {
		return nil, errors.New("empty encoder command")
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &ProcessSource{
		cmd:     cmd,
		cancel:  cancel,
		stderr:  &tailBuffer{max: stderrTail},
		units:   make(chan Unit, 4),
		errc:    make(chan error, 1),
		done:    make(chan struct{}),
		release: release,
	}

	s.encoder = exec.CommandContext(ctx, cmd.Encoder[0], cmd.Encoder[1:]...)
	s.encoder.Stderr = s.stderr
	stdout, err := s.encoder.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}

	var bridgeOut *os.File
	if len(cmd.Bridge) > 0 {
		pr, pw, err := os.Pipe()
		if err != nil {
			cancel()
			return nil, err
		}
		s.bridge = exec.CommandContext(ctx, cmd.Bridge[0], cmd.Bridge[1:]...)
		s.bridge.Stdout = pw
		s.bridge.Stderr = s.stderr
		s.encoder.Stdin = pr
		if err := s.bridge.Start(); err != nil {
			pr.Close()
			pw.Close()
			cancel()
			return nil, fmt.Errorf("start bridge: %w", err)
		}
		pw.Close()
		bridgeOut = pr
	}

	if err := s.encoder.Start(); err != nil {
		if bridgeOut != nil {
			bridgeOut.Close()
		}
		cancel()
		if s.bridge != nil {
			_ = s.bridge.Wait()
		}
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	if bridgeOut != nil {
		bridgeOut.Close()
	}

	slog.Debug("stream: encoder started", "argv", cmd.Encoder, "bridge", cmd.Bridge)
	go s.read(stdout)
	return s, nil
}

func (s *ProcessSource) read(stdout io.Reader) {
	defer close(s.done)

	var err error
	if s.cmd.Framing == FramingJPEG {
		err = s.readFrames(stdout)
	} else {
		err = s.readChunks(stdout)
	}

	waitErr := s.encoder.Wait()
	if s.bridge != nil {
		if berr := s.bridge.Wait(); waitErr == nil {
			waitErr = berr
		}
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = waitErr
	}
	if err == nil {
		err = errors.New("encoder exited")
	}
	if tail := s.stderr.String(); tail != "" {
		err = fmt.Errorf("%w: %s", err, tail)
	}
	s.errc <- err
}

func (s *ProcessSource) readChunks(r io.Reader) error {
	var seq uint64
	buf := make([]byte, tsChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			seq++
			data := make([]byte, n)
			copy(data, buf[:n])
			s.units <- Unit{Seq: seq, Data: data, At: time.Now()}
		}
		if err != nil {
			return err
		}
	}
}

func (s *ProcessSource) readFrames(r io.Reader) error {
	var seq uint64
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256<<10), maxJPEGFrame)
	sc.Split(SplitJPEG)
	for sc.Scan() {
		seq++
		data := make([]byte, len(sc.Bytes()))
		copy(data, sc.Bytes())
		s.units <- Unit{Seq: seq, Data: data, At: time.Now()}
	}
	return sc.Err()
}

func (s *ProcessSource) Next(ctx context.Context) (Unit, error) {
	select {
	case u := <-s.units:
		return u, nil
	case err := <-s.errc:
		return Unit{}, err
	case <-ctx.Done():
		return Unit{}, ctx.Err()
	}
}

// Close kills the processes and waits for them to exit.
func (s *ProcessSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		// Unblock a reader stuck handing a unit to nobody.
		go func() {
			for range s.units {
			}
		}()
		<-s.done
		close(s.units)
		if s.release != nil {
			s.release()
		}
	})
	return nil
}

// SplitJPEG is a bufio.SplitFunc yielding whole JPEG images (SOI through
// EOI). Bytes before the first SOI are skipped.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, []byte{0xFF, 0xD8})
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF that may begin the next SOI.
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+2:], []byte{0xFF, 0xD9})
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
