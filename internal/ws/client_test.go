package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// stubRelay accepts one desktop connection and hands it to fn.
func stubRelay(t *testing.T, fn func(ctx context.Context, conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		fn(r.Context(), conn, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestClientRegistersAndServesHTTP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	ts := stubRelay(t, func(sctx context.Context, conn *websocket.Conn, r *http.Request) {
		defer close(done)

		q := r.URL.Query()
		if q.Get("role") != "desktop" || q.Get("deviceId") != "dev1" {
			t.Errorf("handshake query = %v", q)
		}

		reg, _ := json.Marshal(Registered{
			Event:     EventRegistered,
			SessionID: "AB2345",
			URL:       "https://ab2345.relay.example",
			Token:     "tok",
		})
		if err := conn.Write(sctx, websocket.MessageText, reg); err != nil {
			t.Errorf("write registered: %v", err)
			return
		}

		req, _ := json.Marshal(HTTPRequest{
			Event:  EventHTTPRequest,
			ID:     "r1",
			Method: "GET",
			URL:    "/index.html",
		})
		if err := conn.Write(sctx, websocket.MessageText, req); err != nil {
			t.Errorf("write request: %v", err)
			return
		}

		_, data, err := conn.Read(sctx)
		if err != nil {
			t.Errorf("read response: %v", err)
			return
		}
		var res HTTPResponse
		if err := json.Unmarshal(data, &res); err != nil {
			t.Errorf("decode response: %v", err)
			return
		}
		if res.Event != EventHTTPResponse || res.ID != "r1" || res.Status != 200 || string(res.Body) != "ok" {
			t.Errorf("unexpected response: %+v", res)
		}
	})

	registered := make(chan Registered, 1)
	c := &Client{
		RelayURL: wsURL(ts),
		DeviceID: "dev1",
		OnHTTP: func(ctx context.Context, req HTTPRequest) HTTPResponse {
			if req.URL != "/index.html" {
				t.Errorf("request url = %q", req.URL)
			}
			return HTTPResponse{Status: 200, Body: []byte("ok")}
		},
		OnRegistered: func(reg Registered) { registered <- reg },
	}

	runCtx, runCancel := context.WithCancel(ctx)
	go c.Run(runCtx)

	select {
	case reg := <-registered:
		if reg.SessionID != "AB2345" {
			t.Errorf("session id = %q", reg.SessionID)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for registration")
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for tunneled response")
	}
	runCancel()

	if reg, ok := c.Registration(); !ok || reg.SessionID != "AB2345" {
		t.Errorf("Registration() = %+v, %v", reg, ok)
	}
}

func TestClientServesBridgeRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	ts := stubRelay(t, func(sctx context.Context, conn *websocket.Conn, r *http.Request) {
		defer close(done)

		req, _ := json.Marshal(BridgeRequest{
			Event:     EventBridgeRequest,
			RequestID: "q1",
			Name:      "terminal:create",
			Args:      []json.RawMessage{json.RawMessage(`{"cols":80}`)},
		})
		conn.Write(sctx, websocket.MessageText, req)

		_, data, err := conn.Read(sctx)
		if err != nil {
			t.Errorf("read bridge response: %v", err)
			return
		}
		var res BridgeResponse
		json.Unmarshal(data, &res)
		if res.Event != EventBridgeResponse || res.RequestID != "q1" {
			t.Errorf("unexpected bridge response: %+v", res)
		}
		if !strings.Contains(string(res.Response), "t1") {
			t.Errorf("bridge payload = %s", res.Response)
		}
	})

	c := &Client{
		RelayURL: wsURL(ts),
		DeviceID: "dev1",
		OnBridge: func(ctx context.Context, name string, args []json.RawMessage) (json.RawMessage, error) {
			if name != "terminal:create" || len(args) != 1 {
				t.Errorf("bridge call: name=%q args=%v", name, args)
			}
			return json.RawMessage(`{"terminalId":"t1"}`), nil
		},
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go c.Run(runCtx)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for bridge response")
	}
}

func TestClientIgnoresReservedEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	ts := stubRelay(t, func(sctx context.Context, conn *websocket.Conn, r *http.Request) {
		for _, event := range []string{"$ack", "relay:internal", "chat:message"} {
			data, _ := json.Marshal(Frame{Event: event})
			conn.Write(sctx, websocket.MessageText, data)
		}
		<-done
	})

	events := make(chan string, 4)
	c := &Client{
		RelayURL: wsURL(ts),
		DeviceID: "dev1",
		OnEvent:  func(f Frame) { events <- f.Event },
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go c.Run(runCtx)

	select {
	case got := <-events:
		if got != "chat:message" {
			t.Errorf("OnEvent saw %q, want chat:message", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for forwarded event")
	}
	close(done)

	select {
	case got := <-events:
		t.Errorf("unexpected extra event %q", got)
	default:
	}
}
