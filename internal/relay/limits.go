package relay

import (
	"sync"

	"golang.org/x/time/rate"
)

// TunnelLimiter applies a per-desktop cap on tunneled request throughput.
// A slow desktop already throttles its clients through the pending-request
// timeout; the limiter shields the relay itself from a single session
// absorbing the process. A nil *TunnelLimiter admits everything.
type TunnelLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateVal  rate.Limit
	burst    int
}

// NewTunnelLimiter creates a limiter with the given sustained rate
// (requests/sec) and burst. Returns nil when perSec <= 0 (disabled).
func NewTunnelLimiter(perSec float64, burst int) *TunnelLimiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &TunnelLimiter{
		limiters: make(map[string]*rate.Limiter),
		rateVal:  rate.Limit(perSec),
		burst:    burst,
	}
}

// Allow reports whether one more request for sessionID fits the budget.
func (l *TunnelLimiter) Allow(sessionID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(l.rateVal, l.burst)
		l.limiters[sessionID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Forget drops the limiter state for a session that went away.
func (l *TunnelLimiter) Forget(sessionID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, sessionID)
	l.mu.Unlock()
}
