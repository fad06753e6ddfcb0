// Package websocket exposes the manager's request surface over a
// WebSocket endpoint: clients send JSON request envelopes and receive
// exactly one JSON reply per request.
package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kliu/painttyServer/internal/router"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// ManagerHandler upgrades manager connections and pumps requests through
// the router.
type ManagerHandler struct {
	upgrader websocket.Upgrader
	router   *router.Router
}

// NewManagerHandler creates the handler.
func NewManagerHandler(r *router.Router) *ManagerHandler {
	if r == nil {
		panic("Router cannot be nil for ManagerHandler")
	}
	return &ManagerHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The manager protocol carries no browser credentials.
				return true
			},
		},
		router: r,
	}
}

// HandleConnection upgrades the HTTP request and runs the session pumps.
func (h *ManagerHandler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logrus.WithError(err).Warn("Failed to upgrade manager connection")
		return
	}
	sess := &session{
		conn: conn,
		send: make(chan []byte, 64),
		log: logrus.WithFields(logrus.Fields{
			"component": "manager_ws",
			"client":    conn.RemoteAddr().String(),
		}),
	}
	sess.log.Info("Manager client connected")
	go sess.writePump()
	go sess.readPump(h.router)
}

// session is one connected manager client. It implements router.Responder.
type session struct {
	conn *websocket.Conn
	send chan []byte
	log  *logrus.Entry
}

// Send marshals a reply onto the outbound queue. A full queue drops the
// reply; the client is stalled beyond saving at that point.
func (s *session) Send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).Error("Failed to marshal reply")
		return
	}
	select {
	case s.send <- data:
	default:
		s.log.Warn("Send queue full, dropping reply")
	}
}

func (s *session) readPump(r *router.Router) {
	defer func() {
		close(s.send)
		s.conn.Close()
		s.log.Info("Manager client disconnected")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.WithError(err).Warn("Unexpected close on manager connection")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		r.Dispatch(s, message)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.WithError(err).Debug("Write failed, closing session")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
