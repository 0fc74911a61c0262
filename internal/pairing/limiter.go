package pairing

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces per-key attempt budgets with token buckets. A bucket holds
// `burst` attempts and refills one attempt every window/burst.
type Limiter struct {
	limiters sync.Map // key -> *limiterEntry
	r        rate.Limit
	burst    int
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type limiterEntry struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewLimiter allows burst attempts per window for each key.
func NewLimiter(burst int, window time.Duration) *Limiter {
	if burst <= 0 {
		burst = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return newLimiter(rate.Every(window/time.Duration(burst)), burst)
}

// NewRateLimiter allows perMinute requests a minute for each key, bursting
// up to burst. The gateway uses it for its public routes.
func NewRateLimiter(perMinute, burst int) *Limiter {
	if burst <= 0 {
		burst = max(perMinute, 1)
	}
	return newLimiter(rate.Limit(float64(perMinute)/60), burst)
}

func newLimiter(r rate.Limit, burst int) *Limiter {
	l := &Limiter{
		r:     r,
		burst: burst,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Reserve consumes one attempt for key. When the bucket is empty it returns
// false and how long until the next attempt would be allowed; nothing is
// consumed in that case.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	entry := l.getOrCreate(key)
	now := l.now()

	entry.mu.Lock()
	entry.lastSeen = now
	entry.mu.Unlock()

	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		slog.Warn("security.rate_limited", "key", key, "retry_after", d)
		return false, d
	}
	return true, 0
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) getOrCreate(key string) *limiterEntry {
	if v, ok := l.limiters.Load(key); ok {
		return v.(*limiterEntry)
	}
	entry := &limiterEntry{
		limiter:  rate.NewLimiter(l.r, l.burst),
		lastSeen: l.now(),
	}
	actual, _ := l.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.cleanup(l.now().Add(-10 * time.Minute))
		}
	}
}

func (l *Limiter) cleanup(cutoff time.Time) {
	l.limiters.Range(func(key, value any) bool {
		entry := value.(*limiterEntry)
		entry.mu.Lock()
		stale := entry.lastSeen.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			l.limiters.Delete(key)
		}
		return true
	})
}
