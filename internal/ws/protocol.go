package ws

import (
	"encoding/json"
	"strings"
)

// Event names for the relay WebSocket protocol.
const (
	// Relay → Desktop (control)
	EventRegistered = "registered"
	EventError      = "error"

	// HTTP tunnel (relay → desktop, desktop → relay)
	EventHTTPRequest  = "http:request"
	EventHTTPResponse = "http:response"

	// Bridge ack sub-protocol (relay → desktop, desktop → relay)
	EventBridgeRequest  = "bridge:request"
	EventBridgeResponse = "bridge:response"

	// Relay → Client (ack delivery, never a forward)
	EventAck = "$ack"
)

// Reserved event-name prefixes. The bridge never forwards events whose
// name starts with one of these, in either direction.
var reservedPrefixes = []string{"$", "relay:", "bridge:"}

// Reserved reports whether an event name is reserved for relay control traffic.
func Reserved(event string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(event, p) {
			return true
		}
	}
	return false
}

// Frame is the generic envelope for every message on a relay WebSocket.
// Args stay opaque: the relay forwards them without introspection.
type Frame struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args,omitempty"`

	// AckID is set by a client that expects an acknowledgment. The relay
	// answers with an "$ack" frame carrying the same AckID once the desktop
	// responds (or the request times out / the connection closes).
	AckID string `json:"ackId,omitempty"`

	// Tunnel / bridge correlation ids, present only on the matching events.
	ID        string `json:"id,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// HTTPRequest is the tunnel envelope for one client HTTP request
// (relay → desktop). Body is raw bytes; encoding/json base64s it,
// which both sides rely on.
type HTTPRequest struct {
	Event   string            `json:"event"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"` // path + query, as received; never rewritten
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body,omitempty"`
}

// HTTPResponse is the tunnel envelope for the desktop's reply (desktop → relay).
type HTTPResponse struct {
	Event   string            `json:"event"`
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// BridgeRequest carries a client event that expects an acknowledgment
// (relay → desktop).
type BridgeRequest struct {
	Event     string            `json:"event"` // always "bridge:request"
	RequestID string            `json:"requestId"`
	Name      string            `json:"name"` // the client's original event name
	Args      []json.RawMessage `json:"args,omitempty"`
}

// BridgeResponse is the desktop's acknowledgment (desktop → relay).
type BridgeResponse struct {
	Event     string          `json:"event"` // always "bridge:response"
	RequestID string          `json:"requestId"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// Registered is the relay's reply to a successful desktop registration.
type Registered struct {
	Event      string `json:"event"`
	SessionID  string `json:"sessionId"`
	URL        string `json:"url"`
	Token      string `json:"token"`
	ConnectURL string `json:"connectUrl"` // URL with ?token=... appended
}

// ErrorMsg is sent for protocol and handshake errors.
type ErrorMsg struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// NewError builds an error frame ready to marshal.
func NewError(message string) ErrorMsg {
	return ErrorMsg{Event: EventError, Message: message}
}
