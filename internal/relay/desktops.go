package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/perchd/perch/internal/session"
	"github.com/perchd/perch/internal/ws"
)

const (
	desktopWriteTimeout = 10 * time.Second
	desktopReadLimit    = 4 * 1024 * 1024 // tunneled bodies can be large
	maxIDAttempts       = 5
)

// Desktop is one connected desktop: the live socket plus the per-desktop
// tunnel and the bridges attached to its session.
type Desktop struct {
	ConnID      string // unique per connection; guards against reconnect races
	SessionID   string
	DeviceID    string
	URL         string
	ConnectedAt time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex

	tunnel *Tunnel

	bridgeMu sync.Mutex
	bridges  map[*Bridge]struct{}

	// lifeMu makes the TTL refresher and teardown mutually exclusive, so a
	// keep-alive can never resurrect a session after disconnect cleanup.
	lifeMu sync.Mutex
	closed bool
	done   chan struct{}
}

// write marshals v and sends it on the desktop socket, serializing writers.
func (d *Desktop) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.writeRaw(ctx, data)
}

func (d *Desktop) writeRaw(ctx context.Context, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, desktopWriteTimeout)
	defer cancel()
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.Write(wctx, websocket.MessageText, data)
}

func (d *Desktop) attach(b *Bridge) {
	d.bridgeMu.Lock()
	d.bridges[b] = struct{}{}
	d.bridgeMu.Unlock()
}

func (d *Desktop) detach(b *Bridge) {
	d.bridgeMu.Lock()
	delete(d.bridges, b)
	d.bridgeMu.Unlock()
}

func (d *Desktop) attachments() []*Bridge {
	d.bridgeMu.Lock()
	defer d.bridgeMu.Unlock()
	out := make([]*Bridge, 0, len(d.bridges))
	for b := range d.bridges {
		out = append(out, b)
	}
	return out
}

// markClosed flips the desktop into its terminal state. Returns true the
// first time only.
func (d *Desktop) markClosed() bool {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.closed {
		return false
	}
	d.closed = true
	close(d.done)
	return true
}

// DesktopRegistry tracks desktops whose socket is live in THIS process.
// The session store may know about sessions served by other instances;
// only registry hits are dispatchable here.
type DesktopRegistry struct {
	mu       sync.RWMutex
	desktops map[string]*Desktop // session id → desktop
}

func NewDesktopRegistry() *DesktopRegistry {
	return &DesktopRegistry{desktops: make(map[string]*Desktop)}
}

func (r *DesktopRegistry) Add(d *Desktop) {
	r.mu.Lock()
	r.desktops[d.SessionID] = d
	r.mu.Unlock()
}

// Remove deletes the registration only if it still belongs to connID, so a
// stale disconnect can't evict a fresh reconnect.
func (r *DesktopRegistry) Remove(sessionID, connID string) {
	r.mu.Lock()
	if d, ok := r.desktops[sessionID]; ok && d.ConnID == connID {
		delete(r.desktops, sessionID)
	}
	r.mu.Unlock()
}

func (r *DesktopRegistry) Get(sessionID string) *Desktop {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.desktops[sessionID]
}

func (r *DesktopRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.desktops)
}

// CloseAll closes every desktop socket (server shutdown).
func (r *DesktopRegistry) CloseAll() {
	r.mu.RLock()
	desktops := make([]*Desktop, 0, len(r.desktops))
	for _, d := range r.desktops {
		desktops = append(desktops, d)
	}
	r.mu.RUnlock()

	for _, d := range desktops {
		d.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// handleDesktopWS runs the desktop registration flow and read loop.
func (s *Server) handleDesktopWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		rejectWS(w, r, "Invalid connection parameters")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("desktop websocket accept", "err", err)
		return
	}
	conn.SetReadLimit(desktopReadLimit)
	defer conn.CloseNow()

	ctx := r.Context()

	sessionID, reg, err := s.registerSession(ctx, deviceID)
	if err != nil {
		s.log.Warn("desktop registration failed", "device", deviceID, "err", err)
		writeWSError(ctx, conn, err.Error())
		return
	}

	d := &Desktop{
		ConnID:      uuid.New().String(),
		SessionID:   sessionID,
		DeviceID:    deviceID,
		URL:         reg.URL,
		ConnectedAt: reg.CreatedAt,
		conn:        conn,
		tunnel:      newTunnel(s.opts.PendingPerDesktopMax),
		bridges:     make(map[*Bridge]struct{}),
		done:        make(chan struct{}),
	}
	s.desktops.Add(d)

	defer func() {
		d.markClosed()
		s.desktops.Remove(sessionID, d.ConnID)
		s.limiter.Forget(sessionID)
		if err := s.store.Delete(context.Background(), sessionID); err != nil {
			s.log.Warn("delete session", "session", sessionID, "err", err)
		}
		d.tunnel.AbortAll()
		for _, b := range d.attachments() {
			b.desktopGone()
		}
		s.log.Info("desktop disconnected", "session", sessionID, "device", deviceID)
	}()

	token, err := s.tokens.Issue(sessionID)
	if err != nil {
		s.log.Error("issue session token", "session", sessionID, "err", err)
		writeWSError(ctx, conn, "Internal error")
		return
	}

	ack := ws.Registered{
		Event:      ws.EventRegistered,
		SessionID:  sessionID,
		URL:        reg.URL,
		Token:      token,
		ConnectURL: reg.URL + "?token=" + token,
	}
	if err := d.write(ctx, ack); err != nil {
		return
	}

	s.log.Info("desktop registered", "session", sessionID, "device", deviceID, "url", reg.URL)

	go s.keepAlive(d)
	go s.sweepTunnel(d)

	// Read loop: match responses, forward the rest without inspection.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var f ws.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f.Event {
		case ws.EventHTTPResponse:
			var res ws.HTTPResponse
			if err := json.Unmarshal(data, &res); err != nil {
				continue
			}
			if !d.tunnel.Resolve(&res) {
				s.log.Debug("response for unknown request", "session", sessionID, "id", res.ID)
			}

		case ws.EventBridgeResponse:
			var res ws.BridgeResponse
			if err := json.Unmarshal(data, &res); err != nil {
				continue
			}
			s.resolveBridge(d, &res)

		default:
			if ws.Reserved(f.Event) {
				continue
			}
			// Desktop-originated event: broadcast verbatim to every
			// attachment of this session.
			for _, b := range d.attachments() {
				b.forwardToClient(data)
			}
		}
	}
}

// resolveBridge routes a bridge:response to whichever attachment owns the
// request id. First completion wins; duplicates and unknowns are dropped.
func (s *Server) resolveBridge(d *Desktop, res *ws.BridgeResponse) {
	for _, b := range d.attachments() {
		if b.resolve(res.RequestID, res.Response) {
			return
		}
	}
	s.log.Debug("bridge response for unknown request", "session", d.SessionID, "requestId", res.RequestID)
}

// registerSession allocates a non-colliding session id and stores the
// registration. Bounded retries; IdExhausted fails the registration.
func (s *Server) registerSession(ctx context.Context, deviceID string) (string, session.Registration, error) {
	for range maxIDAttempts {
		id := NewSessionID()
		if s.desktops.Get(id) != nil {
			continue
		}
		if _, err := s.store.Get(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, session.ErrNotFound) {
			return "", session.Registration{}, fmt.Errorf("session store unavailable")
		}

		reg := session.Registration{
			SessionID: id,
			DeviceID:  deviceID,
			URL:       fmt.Sprintf("https://%s.%s", strings.ToLower(id), s.opts.BaseDomain),
			CreatedAt: time.Now(),
		}
		if err := s.store.Put(ctx, reg, s.opts.SessionTTL); err != nil {
			return "", session.Registration{}, fmt.Errorf("session store unavailable")
		}
		return id, reg, nil
	}
	return "", session.Registration{}, fmt.Errorf("could not allocate session id")
}

// keepAlive refreshes the session TTL and pings the desktop until the
// connection closes. The refresh is skipped once teardown has begun.
func (s *Server) keepAlive(d *Desktop) {
	ticker := time.NewTicker(s.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}

		d.lifeMu.Lock()
		if d.closed {
			d.lifeMu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.Refresh(ctx, d.SessionID, s.opts.SessionTTL); err != nil {
			s.log.Warn("refresh session ttl", "session", d.SessionID, "err", err)
		}
		cancel()
		d.lifeMu.Unlock()

		pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.conn.Ping(pctx)
		pcancel()
	}
}

// sweepTunnel evicts pending entries whose deadline passed without action.
func (s *Server) sweepTunnel(d *Desktop) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if n := d.tunnel.sweepExpired(time.Now()); n > 0 {
				s.log.Debug("swept expired tunnel requests", "session", d.SessionID, "count", n)
			}
		}
	}
}
