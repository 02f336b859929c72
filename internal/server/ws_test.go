package server

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"roof-segmenter/internal/jobs"
)

// dialGateway connects one websocket client to a test gateway server.
func dialGateway(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// readGreeting consumes the connected frame sent on every new connection.
func readGreeting(t *testing.T, conn *websocket.Conn) connectedFrame {
	t.Helper()

	var frame connectedFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	return frame
}

// waitForCount polls the hub until it reaches the wanted subscriber count.
func waitForCount(t *testing.T, hub *jobs.Hub, want int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("hub count = %d, want %d", hub.Count(), want)
}

// TestGatewayGreetsAndDeliversEvents checks the connection handshake and
// that broadcasts reach a connected client as JSON frames.
func TestGatewayGreetsAndDeliversEvents(t *testing.T) {
	hub := jobs.NewHub()
	defer hub.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewGateway(hub, logger))
	defer srv.Close()

	conn := dialGateway(t, srv)

	greeting := readGreeting(t, conn)
	if greeting.Type != "connected" || greeting.ClientID == "" {
		t.Fatalf("greeting = %+v", greeting)
	}
	waitForCount(t, hub, 1)

	hub.Broadcast(jobs.Event{Type: jobs.EventTypeUpload, Progress: 100, Message: "Upload complete"})
	hub.Broadcast(jobs.Event{
		Type:     jobs.EventTypeComplete,
		Progress: 100,
		ResultID: "r-1",
	})

	var first jobs.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if first.Type != jobs.EventTypeUpload || first.Progress != 100 {
		t.Fatalf("first event = %+v", first)
	}

	var second jobs.Event
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second event: %v", err)
	}
	if second.Type != jobs.EventTypeComplete || second.ResultID != "r-1" {
		t.Fatalf("second event = %+v", second)
	}
}

// TestGatewayFansOutToAllClients checks every connected client gets its
// own copy of a broadcast and a distinct client ID.
func TestGatewayFansOutToAllClients(t *testing.T) {
	hub := jobs.NewHub()
	defer hub.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewGateway(hub, logger))
	defer srv.Close()

	first := dialGateway(t, srv)
	second := dialGateway(t, srv)

	firstGreeting := readGreeting(t, first)
	secondGreeting := readGreeting(t, second)
	if firstGreeting.ClientID == secondGreeting.ClientID {
		t.Fatalf("client IDs collide: %q", firstGreeting.ClientID)
	}
	waitForCount(t, hub, 2)

	hub.Broadcast(jobs.Event{Type: jobs.EventTypeProcessing, Progress: 40, Message: "Segmenting roofs..."})

	for _, conn := range []*websocket.Conn{first, second} {
		var event jobs.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if event.Type != jobs.EventTypeProcessing || event.Progress != 40 {
			t.Fatalf("event = %+v", event)
		}
	}
}

// TestGatewayUnsubscribesOnDisconnect checks a closed connection leaves
// the hub registry.
func TestGatewayUnsubscribesOnDisconnect(t *testing.T) {
	hub := jobs.NewHub()
	defer hub.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewGateway(hub, logger))
	defer srv.Close()

	conn := dialGateway(t, srv)
	readGreeting(t, conn)
	waitForCount(t, hub, 1)

	conn.Close()
	waitForCount(t, hub, 0)
}
