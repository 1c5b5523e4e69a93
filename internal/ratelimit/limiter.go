// Package ratelimit implements a sliding-window request limiter keyed by
// client identifier. The window is continuous: each admission decision
// counts the timestamps recorded during the last windowSeconds, so bursts
// spanning a bucket boundary are throttled the same as any other burst.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limiter tracks recent request timestamps per client. Construct one per
// service instance and share it across requests; the zero value is not
// usable.
type Limiter struct {
	mu        sync.Mutex
	clients   map[string][]time.Time
	limit     int
	window    time.Duration
	lastSweep time.Time
}

// New returns a Limiter admitting at most limit requests per client within
// any window-sized interval
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		clients: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
	}
}

// Admit reports whether a request from client at the provided moment is
// within the limit. Admitted requests are recorded; rejected ones are not,
// so a throttled client does not extend its own penalty.
func (l *Limiter) Admit(client string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	recent := l.clients[client]

	// the window is [now-window, now]: drop only strictly older timestamps
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(recent) && recent[i].Before(cutoff) {
		i++
	}
	recent = recent[i:]

	if len(recent) >= l.limit {
		l.clients[client] = recent
		return false
	}

	l.clients[client] = append(recent, now)
	return true
}

// sweep drops clients whose every recorded timestamp slid out of the
// window, keeping map growth bounded by active clients. It runs at most
// once per window and expects l.mu to be held.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now

	cutoff := now.Add(-l.window)
	for client, recent := range l.clients {
		if len(recent) == 0 || recent[len(recent)-1].Before(cutoff) {
			delete(l.clients, client)
		}
	}
}

// ClientID derives the limiter key for an HTTP request: the first entry of
// the X-Forwarded-For header when present, otherwise the host part of the
// direct peer address.
func ClientID(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
