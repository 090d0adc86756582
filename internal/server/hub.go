package server

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

type client struct {
	conn    *websocket.Conn
	sid     string
	initial []byte
}

type message struct {
	sid     string
	payload []byte
}

// Hub fans status messages out to the websocket viewers of a session. All
// writes to connections happen on the Run goroutine, including the keepalive
// pings sent every pingPeriod.
type Hub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan message
	register   chan client
	unregister chan *websocket.Conn
	quit       chan struct{}
	pingPeriod time.Duration
	log        logrus.FieldLogger
}

// NewHub creates a hub, call Run to start it. pingPeriod must be shorter
// than the read deadline the viewers' handlers use.
func NewHub(log logrus.FieldLogger, pingPeriod time.Duration) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan message, 64),
		register:   make(chan client),
		unregister: make(chan *websocket.Conn),
		quit:       make(chan struct{}),
		pingPeriod: pingPeriod,
		log:        log,
	}
}

// Run serves the hub until ctx is done, then closes every connection
func (h *Hub) Run(ctx context.Context) {
	defer close(h.quit)
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = map[*websocket.Conn]string{}
			return

		case c := <-h.register:
			h.clients[c.conn] = c.sid
			if c.initial != nil {
				h.write(c.conn, c.initial)
			}
			h.log.WithField("sid", c.sid).Debugf("Viewer connected. Total: %d", len(h.clients))

		case conn := <-h.unregister:
			if sid, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				h.log.WithField("sid", sid).Debugf("Viewer disconnected. Total: %d", len(h.clients))
			}

		case msg := <-h.broadcast:
			for conn, sid := range h.clients {
				if sid == msg.sid {
					h.write(conn, msg.payload)
				}
			}

		case <-ticker.C:
			for conn := range h.clients {
				h.ping(conn)
			}
		}
	}
}

func (h *Hub) ping(conn *websocket.Conn) {
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		h.log.WithError(err).Debug("Ping failed, dropping viewer")
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *Hub) write(conn *websocket.Conn, payload []byte) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.log.WithError(err).Warn("Error sending status message")
		delete(h.clients, conn)
		conn.Close()
	}
}

// Register adds conn as a viewer of sid and sends it initial first
func (h *Hub) Register(conn *websocket.Conn, sid string, initial []byte) {
	select {
	case h.register <- client{conn: conn, sid: sid, initial: initial}:
	case <-h.quit:
		conn.Close()
	}
}

// Unregister removes and closes conn
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.quit:
	}
}

// Broadcast sends payload to every viewer of sid
func (h *Hub) Broadcast(sid string, payload []byte) {
	select {
	case h.broadcast <- message{sid: sid, payload: payload}:
	case <-h.quit:
	}
}
