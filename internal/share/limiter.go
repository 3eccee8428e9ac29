package share

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultViewLimit  = 20
	defaultViewWindow = time.Minute
)

// viewLimiter is a per-client token bucket keyed by IP address.
type viewLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	window  time.Duration
	now     func() time.Time
}

type client struct {
	lim  *rate.Limiter
	seen time.Time
}

// newViewLimiter allows n requests per window from each IP, with a burst of
// n. Non-positive arguments fall back to 20 per minute.
func newViewLimiter(n int, window time.Duration, now func() time.Time) *viewLimiter {
	if n <= 0 {
		n = defaultViewLimit
	}
	if window <= 0 {
		window = defaultViewWindow
	}
	return &viewLimiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(float64(n) / window.Seconds()),
		burst:   n,
		window:  window,
		now:     now,
	}
}

// Allow reports whether ip may make another request now.
func (l *viewLimiter) Allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[ip]
	if !ok {
		c = &client{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.seen = now
	return c.lim.AllowN(now, 1)
}

// Prune forgets clients idle for at least one window. Their buckets would
// be full again by now, so forgetting them changes no decision.
func (l *viewLimiter) Prune() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for ip, c := range l.clients {
		if !c.seen.After(cutoff) {
			delete(l.clients, ip)
			n++
		}
	}
	return n
}

func (l *viewLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
