package stream

import (
	"bytes"
	"context"
	"time"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/deskpilot/internal/capture"
)

// GrabSource produces MJPEG frames by grabbing the screen at a fixed rate,
// resizing to the target width and JPEG encoding.
type GrabSource struct {
	grabber  capture.Grabber
	target   capture.Target
	quality  int
	interval time.Duration

	next time.Time
	seq  uint64
	buf  bytes.Buffer
}

func NewGrabSource(g capture.Grabber, target capture.Target, fps, quality int) *GrabSource {
	if fps <= 0 {
		fps = 30
	}
	if target.LowLatency && fps < 30 {
		fps = 30
	}
	if quality <= 0 || quality > 100 {
		quality = 70
	}
	return &GrabSource{
		grabber:  g,
		target:   target,
		quality:  quality,
		interval: time.Second / time.Duration(fps),
	}
}

func (s *GrabSource) Next(ctx context.Context) (Unit, error) {
	if wait := time.Until(s.next); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Unit{}, ctx.Err()
		case <-t.C:
		}
	}
	s.next = time.Now().Add(s.interval)

	img, err := s.grabber.Grab(s.target.Monitor)
	if err != nil {
		return Unit{}, err
	}
	if w := s.target.MaxWidth; w > 0 && img.Bounds().Dx() > w {
		filter := imaging.Lanczos
		if s.target.LowLatency {
			filter = imaging.Linear
		}
		img = imaging.Resize(img, w, 0, filter)
	}

	s.buf.Reset()
	if err := imaging.Encode(&s.buf, img, imaging.JPEG, imaging.JPEGQuality(s.quality)); err != nil {
		return Unit{}, err
	}
	s.seq++
	data := make([]byte, s.buf.Len())
	copy(data, s.buf.Bytes())
	return Unit{Seq: s.seq, Data: data, At: time.Now()}, nil
}

func (s *GrabSource) Close() error { return nil }
