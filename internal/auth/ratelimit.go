// internal/auth/ratelimit.go
//
// Per-IP login throttling.
//
// Context
// -------
// Five attempts per source address per fifteen minutes, enforced with a
// token bucket per IP.  Buckets are created on first sight and swept once
// they have been idle for twice the window, so the map stays small even
// under scanning traffic.
//
// Oxford commas, two spaces after periods.

package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	loginBurst  = 5
	loginWindow = 15 * time.Minute
	bucketTTL   = 2 * loginWindow
	sweepEvery  = 5 * time.Minute
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// LoginLimiter is safe for concurrent use.
type LoginLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time // injected in tests
}

// NewLoginLimiter builds an empty limiter.
func NewLoginLimiter() *LoginLimiter {
	return &LoginLimiter{
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow consumes one attempt for ip and reports whether it may proceed.
func (l *LoginLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(loginWindow/loginBurst), loginBurst)}
		l.buckets[ip] = b
	}
	b.seen = now

	if now.Sub(l.lastSweep) > sweepEvery {
		l.sweepLocked(now)
	}
	return b.lim.AllowN(now, 1)
}

func (l *LoginLimiter) sweepLocked(now time.Time) {
	for ip, b := range l.buckets {
		if now.Sub(b.seen) > bucketTTL {
			delete(l.buckets, ip)
		}
	}
	l.lastSweep = now
}
