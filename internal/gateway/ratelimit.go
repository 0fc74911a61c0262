package gateway

import (
	"net/http"
	"time"

	"github.com/nextlevelbuilder/deskpilot/internal/pairing"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

// RateLimiter enforces per-IP request rates on the public API. It shares the
// token-bucket map the pairing authority uses for PIN attempts.
type RateLimiter struct {
	keys *pairing.Limiter // nil when disabled
}

// NewRateLimiter creates a limiter allowing rpm requests per minute with the
// given burst. rpm <= 0 disables it.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if rpm <= 0 {
		return &RateLimiter{}
	}
	if burst <= 0 {
		burst = 30
	}
	return &RateLimiter{keys: pairing.NewRateLimiter(rpm, burst)}
}

// Allow reports whether a request from key may proceed, and if not, how long
// until it could.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	if rl.keys == nil {
		return true, 0
	}
	return rl.keys.Reserve(key)
}

// Enabled reports whether the limiter is active.
func (rl *RateLimiter) Enabled() bool {
	return rl.keys != nil
}

// Middleware rejects over-limit requests with RATE_LIMITED.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := rl.Allow(clientIP(r)); !ok {
			writeError(w, protocol.RateLimited(wait))
			return
		}
		next(w, r)
	}
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	if rl.keys != nil {
		rl.keys.Close()
	}
}
