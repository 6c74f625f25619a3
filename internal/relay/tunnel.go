package relay

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/perchd/perch/internal/ws"
)

var (
	errDesktopGone    = errors.New("desktop disconnected")
	errTunnelDeadline = errors.New("tunnel deadline elapsed")
	errTooManyPending = errors.New("too many in-flight requests")
	errTunnelClosed   = errors.New("tunnel closed")
)

// tunnelResult is the single completion every pending request receives:
// either the desktop's response or a terminal error.
type tunnelResult struct {
	res *ws.HTTPResponse
	err error
}

// pendingHTTP is one in-flight tunneled request. The done channel is
// buffered so the completing side never blocks; whoever removes the entry
// from the table owns the one permitted send.
type pendingHTTP struct {
	id       string
	done     chan tunnelResult
	deadline time.Time
	method   string // diagnostics only
	path     string
	isAsset  bool
}

// Tunnel multiplexes HTTP requests from arbitrary clients onto one
// desktop's control WebSocket. One per desktop; it exclusively owns its
// pending table. Every insertion pairs with exactly one removal: matched
// response, deadline, sweep, or desktop disconnect.
type Tunnel struct {
	mu      sync.Mutex
	pending map[string]*pendingHTTP
	max     int
	closed  bool
}

func newTunnel(maxPending int) *Tunnel {
	return &Tunnel{
		pending: make(map[string]*pendingHTTP),
		max:     maxPending,
	}
}

// add installs a pending entry. Fails when the per-desktop cap is hit or
// the desktop already went away.
func (t *Tunnel) add(p *pendingHTTP) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTunnelClosed
	}
	if t.max > 0 && len(t.pending) >= t.max {
		return errTooManyPending
	}
	t.pending[p.id] = p
	return nil
}

// take removes and returns the entry for id, granting the caller the right
// to complete it. Returns nil if someone else already took it.
func (t *Tunnel) take(id string) *pendingHTTP {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pending[id]
	delete(t.pending, id)
	return p
}

// Resolve matches a response envelope to its waiting request. Returns
// false for unknown ids (expected during shutdown races; caller logs).
func (t *Tunnel) Resolve(res *ws.HTTPResponse) bool {
	p := t.take(res.ID)
	if p == nil {
		return false
	}
	p.done <- tunnelResult{res: res}
	return true
}

// AbortAll completes every pending request with a desktop-disconnect error
// and refuses further inserts.
func (t *Tunnel) AbortAll() {
	t.mu.Lock()
	t.closed = true
	drained := make([]*pendingHTTP, 0, len(t.pending))
	for _, p := range t.pending {
		drained = append(drained, p)
	}
	t.pending = make(map[string]*pendingHTTP)
	t.mu.Unlock()

	for _, p := range drained {
		p.done <- tunnelResult{err: errDesktopGone}
	}
}

// sweepExpired completes every entry whose deadline has passed. Defense in
// depth: the waiting handler normally times out on its own.
func (t *Tunnel) sweepExpired(now time.Time) int {
	t.mu.Lock()
	var expired []*pendingHTTP
	for id, p := range t.pending {
		if now.After(p.deadline) {
			delete(t.pending, id)
			expired = append(expired, p)
		}
	}
	t.mu.Unlock()

	for _, p := range expired {
		p.done <- tunnelResult{err: errTunnelDeadline}
	}
	return len(expired)
}

// Len reports the current pending-table size.
func (t *Tunnel) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// isAssetPath reports whether a request path matches dev-server asset
// patterns that warrant the longer timeout (higher fan-out per page load).
func isAssetPath(path string) bool {
	return strings.Contains(path, "/_nuxt/") || strings.Contains(path, "/node_modules/")
}
