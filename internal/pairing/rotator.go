package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Rotator regenerates the PIN on a cron schedule (5-field expression,
// e.g. "0 * * * *" for hourly).
type Rotator struct {
	expr string
	auth *Authority
	now  func() time.Time
}

// NewRotator validates expr.
func NewRotator(expr string, auth *Authority) (*Rotator, error) {
	gx := gronx.New()
	if !gx.IsValid(expr) {
		return nil, fmt.Errorf("invalid rotate_cron expression %q", expr)
	}
	return &Rotator{expr: expr, auth: auth, now: time.Now}, nil
}

// Next returns the first tick strictly after t.
func (r *Rotator) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(r.expr, t, false)
}

// Run rotates at every tick until ctx is done. A pinned PIN is not rotated.
func (r *Rotator) Run(ctx context.Context) error {
	slog.Info("pairing pin rotation enabled", "schedule", r.expr)
	for {
		next, err := r.Next(r.now())
		if err != nil {
			return fmt.Errorf("rotate schedule: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if r.auth.Pinned() {
			slog.Debug("pairing pin pinned, skipping scheduled rotation")
			continue
		}
		if _, err := r.auth.Regenerate(); err != nil {
			slog.Error("scheduled pin rotation failed", "error", err)
		}
	}
}
