package api

import (
	"net"
	"sort"
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 600
	limiterMaxEntries        = 1024
	limiterStaleTTL          = 10 * time.Minute
	limiterPruneEvery        = 128
)

type limiterEntry struct {
	windowStart  time.Time
	requestCount int
	lastSeen     time.Time
}

// rateLimiter is a fixed one-minute window per client address. Local
// scrapers are trusted, but a runaway poller must not starve the agent.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	now     func() time.Time
	opCount uint64
	entries map[string]*limiterEntry
}

func newRateLimiter(perMinute int, now func() time.Time) *rateLimiter {
	if perMinute <= 0 {
		perMinute = defaultRequestsPerMinute
	}
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{limit: perMinute, now: now, entries: make(map[string]*limiterEntry)}
}

func (r *rateLimiter) allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.entries[ip]
	if !ok {
		e = &limiterEntry{windowStart: now}
		r.entries[ip] = e
	}
	e.lastSeen = now

	r.opCount++
	if len(r.entries) > limiterMaxEntries || r.opCount%limiterPruneEvery == 0 {
		r.pruneLocked(now)
	}

	if now.Sub(e.windowStart) >= time.Minute {
		e.windowStart = now
		e.requestCount = 0
	}
	e.requestCount++
	return e.requestCount <= r.limit
}

// pruneLocked drops stale entries, then evicts the least recently seen
// until the table fits.
func (r *rateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-limiterStaleTTL)
	for ip, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			delete(r.entries, ip)
		}
	}
	over := len(r.entries) - limiterMaxEntries
	if over <= 0 {
		return
	}
	ips := make([]string, 0, len(r.entries))
	for ip := range r.entries {
		ips = append(ips, ip)
	}
	sort.Slice(ips, func(i, j int) bool {
		a, b := r.entries[ips[i]].lastSeen, r.entries[ips[j]].lastSeen
		if a.Equal(b) {
			return ips[i] < ips[j]
		}
		return a.Before(b)
	})
	for _, ip := range ips[:over] {
		delete(r.entries, ip)
	}
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
