package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tetris-versus/match-server/internal/domain"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 16384

	// Budget for queue operations triggered from the read pump
	dispatchTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

// Client represents one authenticated duplex connection
type Client struct {
	id      string
	userID  string
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	logger  *slog.Logger

	// sendMu orders trySend against closeSend. Deliveries run on the
	// matchmaker and room goroutines while the gateway loop closes the
	// channel, so a bare close would race a concurrent send.
	sendMu sync.Mutex
	closed bool
}

// NewClient creates a new connection for an authenticated user
func NewClient(gateway *Gateway, conn *websocket.Conn, userID string, logger *slog.Logger) *Client {
	return &Client{
		id:      uuid.New().String(),
		userID:  userID,
		gateway: gateway,
		conn:    conn,
		send:    make(chan []byte, 256),
		logger:  logger,
	}
}

// trySend queues an outbound frame without blocking. False after closeSend
// or when the buffer is full.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once, ending the write pump
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump pumps messages from the WebSocket connection to the event router
func (c *Client) readPump() {
	defer func() {
		c.gateway.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "user_id", c.userID, "error", err)
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid message format", "user_id", c.userID, "error", err)
			c.sendError("invalid message format")
			continue
		}

		c.handleEvent(&env)
	}
}

// handleEvent decodes one inbound event and dispatches it to the router
func (c *Client) handleEvent(env *Envelope) {
	router := c.gateway.router
	if router == nil {
		return
	}

	var err error
	switch env.Event {
	case domain.EventJoinQueue:
		var p domain.JoinQueuePayload
		if err = json.Unmarshal(env.Data, &p); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			err = router.JoinQueue(ctx, c.userID, p.VariantID)
			cancel()
		}

	case domain.EventCancelQueue:
		var p domain.JoinQueuePayload
		if err = json.Unmarshal(env.Data, &p); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			err = router.CancelQueue(ctx, c.userID, p.VariantID)
			cancel()
		}

	case domain.EventStateSnapshot:
		var p domain.SnapshotPayload
		if err = json.Unmarshal(env.Data, &p); err == nil {
			err = router.StateSnapshot(c.userID, p.RoomID, p.Board, p.Score)
		}

	case domain.EventLineClear:
		var p domain.LineClearPayload
		if err = json.Unmarshal(env.Data, &p); err == nil {
			err = router.LineClear(c.userID, p.RoomID, p.Lines)
		}

	case domain.EventRequestPieces:
		var p domain.RoomRefPayload
		if err = json.Unmarshal(env.Data, &p); err == nil {
			err = router.RequestPieces(c.userID, p.RoomID)
		}

	case domain.EventGameOver:
		var p domain.RoomRefPayload
		if err = json.Unmarshal(env.Data, &p); err == nil {
			err = router.GameOver(c.userID, p.RoomID)
		}

	default:
		c.logger.Debug("unknown event", "user_id", c.userID, "event", env.Event)
		return
	}

	if err != nil {
		if domain.IsUserError(err) {
			c.sendError(err.Error())
		} else {
			c.logger.Error("event handling failed",
				"user_id", c.userID,
				"event", env.Event,
				"error", err,
			)
			c.sendError(domain.ErrInternalError.Error())
		}
	}
}

// writePump pumps messages from the gateway to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The gateway closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError sends an error event to the client
func (c *Client) sendError(msg string) {
	data, err := marshalEnvelope(domain.EventError, map[string]string{"message": msg})
	if err != nil {
		return
	}
	c.trySend(data)
}

// ServeWS upgrades an already-authenticated request and attaches the
// connection to the gateway.
func ServeWS(gateway *Gateway, logger *slog.Logger, w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := NewClient(gateway, conn, userID, logger)
	gateway.Register(client)

	// Start client goroutines
	go client.writePump()
	go client.readPump()

	logger.Debug("new websocket connection", "user_id", userID, "client_id", client.id)
}
