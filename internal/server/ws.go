package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"roof-segmenter/internal/jobs"
)

const (
	// writeWait bounds one frame write to a subscriber.
	writeWait = 10 * time.Second
	// pongWait is how long a silent connection stays registered.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxClientMessageSize caps inbound frames; no client protocol exists.
	maxClientMessageSize = 512
)

// connectedFrame is the greeting sent immediately after a connection opens.
type connectedFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// Gateway upgrades live-update connections and bridges them onto the hub.
// It listens on its own port, separate from the API server.
type Gateway struct {
	hub      *jobs.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewGateway creates a gateway bound to the given hub.
func NewGateway(hub *jobs.Hub, logger *slog.Logger) *Gateway {
	return &Gateway{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from the app origin, not this port.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades one connection, registers it with the hub, and pumps
// events until either side goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sub := g.hub.Subscribe()
	g.logger.Info("subscriber connected", "clientId", sub.ID, "remote", r.RemoteAddr)

	go g.writeLoop(conn, sub)
	g.readLoop(conn, sub)
}

// writeLoop owns all writes on one connection: the greeting, hub events,
// and keepalive pings.
func (g *Gateway) writeLoop(conn *websocket.Conn, sub *jobs.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(connectedFrame{Type: "connected", ClientID: sub.ID}); err != nil {
		return
	}

	for {
		select {
		case event, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub shut down or the subscriber was removed.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains inbound frames to detect disconnects. There is no
// client-to-server message protocol; payloads are discarded.
func (g *Gateway) readLoop(conn *websocket.Conn, sub *jobs.Subscriber) {
	defer func() {
		g.hub.Unsubscribe(sub.ID)
		conn.Close()
		g.logger.Info("subscriber disconnected", "clientId", sub.ID)
	}()

	conn.SetReadLimit(maxClientMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
