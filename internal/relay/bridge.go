package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/perchd/perch/internal/session"
	"github.com/perchd/perch/internal/ws"
)

const clientWriteTimeout = 5 * time.Second

// pendingBridge is one acknowledged client event awaiting the desktop's
// bridge:response.
type pendingBridge struct {
	ackID    string
	deadline time.Time
}

// Bridge wires one client socket to its session's desktop: events flow in
// both directions, and the ack sub-protocol preserves request/response
// semantics across the hop. Desktop-originated events are broadcast to
// every attachment of a session; acks are matched per attachment by
// request id. One Bridge per client connection; it exclusively owns its
// pending table.
type Bridge struct {
	sessionID string
	desktop   *Desktop

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]pendingBridge

	timeout time.Duration
	done    chan struct{}
	once    sync.Once
}

// handleClientWS runs the client-attach flow: token check, desktop lookup,
// attachment wiring, then the forward loop.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawID := q.Get("sessionId")
	token := q.Get("token")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("client websocket accept", "err", err)
		return
	}
	conn.SetReadLimit(desktopReadLimit)
	defer conn.CloseNow()

	ctx := r.Context()

	sessionID, ok := NormalizeSessionID(rawID)
	if !ok {
		writeWSError(ctx, conn, "Invalid connection parameters")
		return
	}

	if token != "" {
		if err := s.tokens.Verify(token, sessionID); err != nil {
			if errors.Is(err, ErrTokenExpired) {
				writeWSError(ctx, conn, "Token expired")
			} else {
				writeWSError(ctx, conn, "Token invalid")
			}
			return
		}
	}

	if _, err := s.store.Get(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeWSError(ctx, conn, "Session not found")
		} else {
			writeWSError(ctx, conn, "Session store unavailable")
		}
		return
	}

	desktop := s.desktops.Get(sessionID)
	if desktop == nil {
		writeWSError(ctx, conn, "Desktop offline")
		return
	}

	b := &Bridge{
		sessionID: sessionID,
		desktop:   desktop,
		conn:      conn,
		pending:   make(map[string]pendingBridge),
		timeout:   s.opts.BridgeTimeout,
		done:      make(chan struct{}),
	}
	desktop.attach(b)
	s.clients.Add(1)
	defer func() {
		s.clients.Add(-1)
		desktop.detach(b)
		b.shutdown("Connection closed")
	}()

	go b.sweep(s.opts.SweepInterval)

	s.log.Info("client attached", "session", sessionID)

	// Forward loop, client → desktop.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.log.Debug("client disconnected", "session", sessionID, "err", err)
			return
		}

		var f ws.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if ws.Reserved(f.Event) {
			continue
		}

		if f.AckID != "" {
			b.sendBridgeRequest(ctx, f)
			continue
		}

		// Fire-and-forget event: forward verbatim.
		if err := desktop.writeRaw(ctx, data); err != nil {
			s.log.Debug("forward to desktop failed", "session", sessionID, "event", f.Event, "err", err)
		}
	}
}

// sendBridgeRequest records a pending ack and relays the event to the
// desktop under a fresh bridge request id.
func (b *Bridge) sendBridgeRequest(ctx context.Context, f ws.Frame) {
	requestID := uuid.New().String()

	b.mu.Lock()
	b.pending[requestID] = pendingBridge{ackID: f.AckID, deadline: time.Now().Add(b.timeout)}
	b.mu.Unlock()

	req := ws.BridgeRequest{
		Event:     ws.EventBridgeRequest,
		RequestID: requestID,
		Name:      f.Event,
		Args:      f.Args,
	}
	if err := b.desktop.write(ctx, req); err != nil {
		b.fail(requestID, "Connection closed")
	}
}

// resolve completes a pending request with the desktop's response.
// Returns false when this attachment does not own the id (another
// attachment's request, or a duplicate; first response wins).
func (b *Bridge) resolve(requestID string, response json.RawMessage) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	b.ack(p.ackID, response)
	return true
}

// fail completes a single pending request with an error payload.
func (b *Bridge) fail(requestID, message string) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	payload, _ := json.Marshal(map[string]string{"error": message})
	b.ack(p.ackID, payload)
}

// ack delivers an "$ack" frame to the client. Best effort: the client may
// already be gone.
func (b *Bridge) ack(ackID string, response json.RawMessage) {
	f := ws.Frame{Event: ws.EventAck, AckID: ackID}
	if response != nil {
		f.Args = []json.RawMessage{response}
	}
	b.writeToClient(f)
}

// forwardToClient relays a desktop-originated frame verbatim.
func (b *Bridge) forwardToClient(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), clientWriteTimeout)
	defer cancel()
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.conn.Write(ctx, websocket.MessageText, data)
}

func (b *Bridge) writeToClient(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientWriteTimeout)
	defer cancel()
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.Write(ctx, websocket.MessageText, data)
}

// desktopGone tears the attachment down from the desktop side: pending
// acks error out and the client socket is closed.
func (b *Bridge) desktopGone() {
	b.shutdown("Connection closed")
	b.writeToClient(ws.NewError("Desktop disconnected"))
	b.conn.Close(websocket.StatusGoingAway, "desktop disconnected")
}

// shutdown errors every still-pending ack exactly once and stops the sweeper.
func (b *Bridge) shutdown(message string) {
	b.once.Do(func() { close(b.done) })

	b.mu.Lock()
	drained := make([]pendingBridge, 0, len(b.pending))
	for _, p := range b.pending {
		drained = append(drained, p)
	}
	b.pending = make(map[string]pendingBridge)
	b.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"error": message})
	for _, p := range drained {
		b.ack(p.ackID, payload)
	}
}

// sweep times out pending acks past their deadline.
func (b *Bridge) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		}

		now := time.Now()
		b.mu.Lock()
		var expired []string
		for id, p := range b.pending {
			if now.After(p.deadline) {
				expired = append(expired, id)
			}
		}
		b.mu.Unlock()

		for _, id := range expired {
			b.fail(id, "Request timeout")
		}
	}
}

// pendingCount is used by tests to check for leaks.
func (b *Bridge) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
