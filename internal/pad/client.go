package pad

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	joinWait       = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// joinRequest is the first frame a client sends after connecting.
type joinRequest struct {
	Room     string `json:"room,omitempty"`
	Password string `json:"password"`
}

type controlMessage struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// Gateway upgrades HTTP requests into room memberships and runs the
// read and write pumps for each connection.
type Gateway struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewGateway wraps a hub with a websocket transport.
func NewGateway(hub *Hub, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades the request, reads the join frame, and either
// admits the client into roomID or closes the socket with an error frame.
// When roomID is empty the room named in the join frame is used.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, roomID string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(joinWait))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var join joinRequest
	if err := json.Unmarshal(frame, &join); err != nil {
		g.reject(conn, "malformed join request")
		return
	}
	if roomID == "" {
		roomID = join.Room
	}
	if roomID == "" {
		g.reject(conn, "room required")
		return
	}

	member, status, err := g.hub.Join(r.Context(), roomID, join.Password)
	if err != nil {
		if errors.Is(err, ErrAccessDenied) {
			g.reject(conn, ErrAccessDenied.Error())
			return
		}
		g.logger.Error("join failed", "room", roomID, "error", err)
		g.reject(conn, "internal error")
		return
	}

	ack, _ := json.Marshal(controlMessage{Type: string(status)})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		g.hub.Leave(member)
		conn.Close()
		return
	}

	g.logger.Info("member joined", "room", roomID, "status", status)
	go g.writePump(conn, member)
	go g.readPump(conn, member)
}

// readPump relays inbound frames into the room until the connection drops,
// then detaches the member.
func (g *Gateway) readPump(conn *websocket.Conn, member *Member) {
	defer func() {
		g.hub.Leave(member)
		conn.Close()
	}()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("member read error", "room", member.RoomID(), "error", err)
			}
			return
		}
		g.hub.Broadcast(member, message)
	}
}

// writePump drains the member's outbound queue onto the socket and keeps
// the connection alive with pings. A closed queue means the member was
// disconnected and the socket is torn down.
func (g *Gateway) writePump(conn *websocket.Conn, member *Member) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case message, ok := <-member.Out():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				g.hub.Leave(member)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.hub.Leave(member)
				return
			}
		}
	}
}

func (g *Gateway) reject(conn *websocket.Conn, reason string) {
	frame, _ := json.Marshal(controlMessage{Type: "error", Error: reason})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, frame)
	conn.Close()
}
