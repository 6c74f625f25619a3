package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrAuthRejected is returned when the relay rejects the WebSocket handshake.
var ErrAuthRejected = errors.New("relay rejected connection")

const (
	writeTimeout      = 10 * time.Second
	maxReconnectDelay = 10 * time.Second
)

// HTTPHandler serves one tunneled HTTP request on the desktop.
type HTTPHandler func(ctx context.Context, req HTTPRequest) HTTPResponse

// BridgeHandler serves one acknowledged bridge request on the desktop.
// The returned payload becomes the client's ack argument.
type BridgeHandler func(ctx context.Context, name string, args []json.RawMessage) (json.RawMessage, error)

// Client is the desktop-side connector: an outbound WebSocket that registers
// with the relay and serves tunneled HTTP requests and bridged events.
type Client struct {
	RelayURL string // e.g. "wss://relay.example/ws"
	DeviceID string

	OnHTTP       HTTPHandler
	OnBridge     BridgeHandler
	OnEvent      func(f Frame)           // forwarded client events (non-reserved)
	OnRegistered func(reg Registered)    // called after each successful registration
	OnState      func(state string, err error)

	mu   sync.Mutex
	conn *websocket.Conn

	regMu sync.Mutex
	reg   Registered
}

// Registration returns the most recent registration reply, if any.
func (c *Client) Registration() (Registered, bool) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return c.reg, c.reg.SessionID != ""
}

// Run connects to the relay and serves until ctx is cancelled,
// reconnecting with exponential backoff on failure.
func (c *Client) Run(ctx context.Context) error {
	backoff := NewBackoff(time.Second, maxReconnectDelay)
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.OnState != nil {
			c.OnState("disconnected", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.Next()):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("role", "desktop")
	q.Set("deviceId", c.DeviceID)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 401 {
			return ErrAuthRejected
		}
		return fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(4 * 1024 * 1024) // tunneled bodies can be large
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if c.OnState != nil {
		c.OnState("connected", nil)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}

	switch f.Event {
	case EventRegistered:
		var reg Registered
		if err := json.Unmarshal(data, &reg); err != nil {
			return
		}
		c.regMu.Lock()
		c.reg = reg
		c.regMu.Unlock()
		if c.OnRegistered != nil {
			c.OnRegistered(reg)
		}

	case EventHTTPRequest:
		var req HTTPRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		go c.serveHTTP(ctx, req)

	case EventBridgeRequest:
		var req BridgeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		go c.serveBridge(ctx, req)

	case EventError:
		if c.OnState != nil {
			var em ErrorMsg
			json.Unmarshal(data, &em)
			c.OnState("error", errors.New(em.Message))
		}

	default:
		if c.OnEvent != nil && !Reserved(f.Event) {
			c.OnEvent(f)
		}
	}
}

func (c *Client) serveHTTP(ctx context.Context, req HTTPRequest) {
	if c.OnHTTP == nil {
		c.write(ctx, HTTPResponse{Event: EventHTTPResponse, ID: req.ID, Status: 501})
		return
	}
	res := c.OnHTTP(ctx, req)
	res.Event = EventHTTPResponse
	res.ID = req.ID
	c.write(ctx, res)
}

func (c *Client) serveBridge(ctx context.Context, req BridgeRequest) {
	var payload json.RawMessage
	if c.OnBridge != nil {
		p, err := c.OnBridge(ctx, req.Name, req.Args)
		if err != nil {
			p, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
		payload = p
	}
	c.write(ctx, BridgeResponse{Event: EventBridgeResponse, RequestID: req.RequestID, Response: payload})
}

// Emit sends a named event with opaque args toward the relay (and on to
// any attached clients).
func (c *Client) Emit(ctx context.Context, event string, args ...any) error {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return err
		}
		raw = append(raw, b)
	}
	return c.write(ctx, Frame{Event: event, Args: raw})
}

// write marshals v and sends it, serializing concurrent writers.
func (c *Client) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.Write(wctx, websocket.MessageText, data)
}
