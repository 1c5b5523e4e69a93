// Package accesstime implements a clock-based admission policy: requests
// are allowed only while the local hour of day falls inside a configured
// window.
package accesstime

import "time"

// Window is a half-open hour range [Open, Close). A Close before Open wraps
// past midnight, so Window{6, 0} allows 06:00-24:00 and Window{22, 6}
// allows 22:00-06:00. Open == Close allows nothing.
type Window struct {
	Open  int
	Close int
}

// Gate answers whether a moment in time is inside its window. It is
// stateless; the same instant always yields the same decision.
type Gate struct {
	window Window
	reason string
}

// New returns a Gate for the provided window. The reason string is what
// callers should present when a request is denied.
func New(window Window, reason string) *Gate {
	return &Gate{
		window: window,
		reason: reason,
	}
}

// Allowed reports whether the hour of day of now falls within the window
func (g *Gate) Allowed(now time.Time) bool {
	hour := now.Hour()

	open, until := g.window.Open, g.window.Close
	switch {
	case open < until:
		return hour >= open && hour < until
	case open > until:
		return hour >= open || hour < until
	default:
		return false
	}
}

// Reason returns the fixed human-readable denial explanation
func (g *Gate) Reason() string {
	return g.reason
}
