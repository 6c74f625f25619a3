// Package relay implements the relay fabric: session registry, subdomain
// routing, HTTP-over-WebSocket tunneling, and bidirectional event bridging
// between remote clients and desktops connected from behind NAT.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/perchd/perch/internal/session"
	"github.com/perchd/perch/internal/ws"
)

// Options tune the relay. Zero values fall back to production defaults;
// tests shrink the timeouts.
type Options struct {
	BaseDomain string

	SessionTTL    time.Duration
	PageTimeout   time.Duration
	AssetTimeout  time.Duration
	BridgeTimeout time.Duration

	PendingPerDesktopMax int
	KeepaliveInterval    time.Duration
	SweepInterval        time.Duration

	TunnelRatePerDesktop  float64
	TunnelBurstPerDesktop int
}

func (o *Options) fillDefaults() {
	if o.BaseDomain == "" {
		o.BaseDomain = "localhost"
	}
	if o.SessionTTL == 0 {
		o.SessionTTL = time.Hour
	}
	if o.PageTimeout == 0 {
		o.PageTimeout = 30 * time.Second
	}
	if o.AssetTimeout == 0 {
		o.AssetTimeout = 60 * time.Second
	}
	if o.BridgeTimeout == 0 {
		o.BridgeTimeout = 30 * time.Second
	}
	if o.PendingPerDesktopMax == 0 {
		o.PendingPerDesktopMax = 1000
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = 5 * time.Minute
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 5 * time.Second
	}
}

// Server is the HTTP + WebSocket front door.
type Server struct {
	opts     Options
	store    session.Store
	desktops *DesktopRegistry
	tokens   *TokenIssuer
	limiter  *TunnelLimiter
	log      *slog.Logger

	clients atomic.Int64
	started time.Time

	mux *http.ServeMux
}

func NewServer(store session.Store, secret []byte, opts Options, log *slog.Logger) *Server {
	opts.fillDefaults()
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		opts:     opts,
		store:    store,
		desktops: NewDesktopRegistry(),
		tokens:   NewTokenIssuer(secret, opts.SessionTTL),
		limiter:  NewTunnelLimiter(opts.TunnelRatePerDesktop, opts.TunnelBurstPerDesktop),
		log:      log,
		started:  time.Now(),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/session/{id}", s.handleSessionLookup)
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/", s.dispatchTunnel)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Shutdown closes every desktop socket so they reconnect elsewhere.
func (s *Server) Shutdown() {
	s.desktops.CloseAll()
}

// Desktops exposes the live-socket registry (used by health and tests).
func (s *Server) Desktops() *DesktopRegistry { return s.desktops }

// Tokens exposes the token issuer (used by tests).
func (s *Server) Tokens() *TokenIssuer { return s.tokens }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"desktops": s.desktops.Count(),
		"clients":  s.clients.Load(),
		"uptime":   int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleSessionLookup(w http.ResponseWriter, r *http.Request) {
	id, ok := NormalizeSessionID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	reg, err := s.store.Get(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"active":  true,
			"created": reg.CreatedAt.UnixMilli(),
			"url":     reg.URL,
		})
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	default:
		writeError(w, http.StatusServiceUnavailable, "Session store unavailable")
	}
}

// handleWS routes an upgrade to the desktop-registration or client-attach
// flow based on handshake metadata. A socket presenting only a sessionId
// with no role is a legacy client.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := q.Get("role")
	switch {
	case role == "desktop":
		s.handleDesktopWS(w, r)
	case role == "client", role == "" && q.Get("sessionId") != "":
		s.handleClientWS(w, r)
	default:
		rejectWS(w, r, "Invalid connection parameters")
	}
}

// dispatchTunnel serves every HTTP request that is not one of the fixed
// endpoints: the Host header decides the session, the tunnel does the rest.
func (s *Server) dispatchTunnel(w http.ResponseWriter, r *http.Request) {
	sessionID := SessionIDFromHost(r.Host)
	if sessionID == "" {
		// Plain-text diagnostic; the caller is usually curl or a probe.
		http.Error(w, "Unknown session", http.StatusNotFound)
		return
	}

	d := s.desktops.Get(sessionID)
	if d == nil {
		// Not live here. The shared store may still know it: the socket is
		// owned by another instance, so tell the client to retry rather
		// than attempting a second-hop relay.
		_, err := s.store.Get(r.Context(), sessionID)
		switch {
		case err == nil:
			http.Error(w, "Desktop connected to another relay instance, retry", http.StatusServiceUnavailable)
		case errors.Is(err, session.ErrNotFound):
			http.Error(w, "Session not found", http.StatusNotFound)
		default:
			http.Error(w, "Session store unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	s.serveTunnel(w, r, d)
}

// serveTunnel forwards one HTTP request over the desktop's control channel
// and writes back whichever of response, deadline, or disconnect fires
// first. Exactly one of {response, 504, 503} reaches the client.
func (s *Server) serveTunnel(w http.ResponseWriter, r *http.Request, d *Desktop) {
	if !s.limiter.Allow(d.SessionID) {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, desktopReadLimit))
	if err != nil {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		// Host and Connection belong to the relay hop, not the desktop.
		if name == "Host" || name == "Connection" {
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}

	isAsset := isAssetPath(r.URL.Path)
	timeout := s.opts.PageTimeout
	if isAsset {
		timeout = s.opts.AssetTimeout
	}

	env := ws.HTTPRequest{
		Event:   ws.EventHTTPRequest,
		ID:      uuid.New().String(),
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	}

	p := &pendingHTTP{
		id:       env.ID,
		done:     make(chan tunnelResult, 1),
		deadline: time.Now().Add(timeout),
		method:   r.Method,
		path:     r.URL.Path,
		isAsset:  isAsset,
	}
	if err := d.tunnel.add(p); err != nil {
		if errors.Is(err, errTooManyPending) {
			s.log.Warn("pending table full", "session", d.SessionID)
		}
		http.Error(w, "Desktop unavailable", http.StatusServiceUnavailable)
		return
	}

	if err := d.write(r.Context(), env); err != nil {
		if d.tunnel.take(env.ID) != nil {
			http.Error(w, "Desktop disconnected", http.StatusServiceUnavailable)
			return
		}
		// Someone else completed it despite the write error; fall through.
		s.finishTunnel(w, <-p.done)
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-p.done:
		s.finishTunnel(w, result)

	case <-timer.C:
		if d.tunnel.take(env.ID) != nil {
			s.log.Debug("tunnel request timed out", "session", d.SessionID, "method", p.method, "path", p.path, "asset", p.isAsset)
			http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
			return
		}
		// Lost the race: a completion is already in flight.
		s.finishTunnel(w, <-p.done)

	case <-r.Context().Done():
		// Client gave up; nothing can be written back.
		if d.tunnel.take(env.ID) == nil {
			<-p.done
		}
	}
}

func (s *Server) finishTunnel(w http.ResponseWriter, result tunnelResult) {
	switch {
	case errors.Is(result.err, errDesktopGone):
		http.Error(w, "Desktop disconnected", http.StatusServiceUnavailable)
	case errors.Is(result.err, errTunnelDeadline):
		http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
	default:
		res := result.res
		for name, value := range res.Headers {
			// The relay does not re-encode; these would lie about the body.
			canonical := http.CanonicalHeaderKey(name)
			if canonical == "Content-Encoding" || canonical == "Transfer-Encoding" {
				continue
			}
			w.Header().Set(name, value)
		}
		w.WriteHeader(res.Status)
		w.Write(res.Body)
	}
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// rejectWS accepts the upgrade so the peer gets a proper error event, then
// closes.
func rejectWS(w http.ResponseWriter, r *http.Request, msg string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	writeWSError(r.Context(), conn, msg)
}

func writeWSError(ctx context.Context, conn *websocket.Conn, msg string) {
	data, _ := json.Marshal(ws.NewError(msg))
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn.Write(wctx, websocket.MessageText, data)
	conn.Close(websocket.StatusPolicyViolation, msg)
}
