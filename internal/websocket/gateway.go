package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Envelope is the wire framing for every message in both directions.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventRouter receives the inbound game events of authenticated connections.
// The matchmaking queue and the room coordinator jointly implement it.
type EventRouter interface {
	JoinQueue(ctx context.Context, userID string, variantID int) error
	CancelQueue(ctx context.Context, userID string, variantID int) error
	StateSnapshot(userID, roomID string, board json.RawMessage, score int64) error
	LineClear(userID, roomID string, lines int) error
	RequestPieces(userID, roomID string) error
	GameOver(userID, roomID string) error
	Disconnected(userID string)
}

// Gateway owns the user-to-connection map. At most one live channel exists
// per user id; a new connection for the same identity supersedes the old one.
type Gateway struct {
	// Registered clients keyed by user id
	clients map[string]*Client

	// Register requests from new connections
	register chan *Client

	// Unregister requests from closing connections
	unregister chan *Client

	// Mutex guarding the clients map for Deliver/IsOnline readers
	mu sync.RWMutex

	// Router for inbound events; set once during wiring
	router EventRouter

	logger *slog.Logger

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGateway creates a new Gateway
func NewGateway(logger *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetRouter wires the inbound event router. Must be called before Run.
func (g *Gateway) SetRouter(router EventRouter) {
	g.router = router
}

// Run starts the gateway's main loop
func (g *Gateway) Run() {
	g.logger.Info("connection gateway started")
	for {
		select {
		case <-g.ctx.Done():
			g.logger.Info("connection gateway stopping")
			return

		case client := <-g.register:
			g.mu.Lock()
			prior, superseding := g.clients[client.userID]
			g.clients[client.userID] = client
			g.mu.Unlock()
			if superseding {
				// Last writer wins: the orphaned session silently loses
				// delivery capability, so make the replacement loud in logs.
				g.logger.Warn("connection superseded",
					"user_id", client.userID,
					"old_client_id", prior.id,
					"new_client_id", client.id,
				)
				prior.closeSend()
			}
			g.logger.Debug("client registered", "user_id", client.userID, "client_id", client.id)

		case client := <-g.unregister:
			g.mu.Lock()
			current, ok := g.clients[client.userID]
			active := ok && current == client
			if active {
				delete(g.clients, client.userID)
			}
			g.mu.Unlock()
			client.closeSend()
			g.logger.Debug("client unregistered", "user_id", client.userID, "client_id", client.id)
			if active && g.router != nil {
				// The disconnect chain cancels queue entries and forfeits an
				// active room; it may block on persistence, so it never runs
				// on the gateway loop.
				go g.router.Disconnected(client.userID)
			}
		}
	}
}

// Stop stops the gateway
func (g *Gateway) Stop() {
	g.cancel()
}

// Register adds a connection to the gateway
func (g *Gateway) Register(client *Client) {
	g.register <- client
}

// Unregister removes a connection from the gateway
func (g *Gateway) Unregister(client *Client) {
	g.unregister <- client
}

// IsOnline reports whether a user currently has a live channel.
func (g *Gateway) IsOnline(userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.clients[userID]
	return ok
}

// Deliver sends one event to a user's live channel. It never blocks and never
// fails hard: false means the user is offline or their buffer is full, both
// expected conditions.
func (g *Gateway) Deliver(userID, event string, payload any) bool {
	g.mu.RLock()
	client, ok := g.clients[userID]
	g.mu.RUnlock()
	if !ok {
		g.logger.Debug("delivery skipped, user offline", "user_id", userID, "event", event)
		return false
	}

	data, err := marshalEnvelope(event, payload)
	if err != nil {
		g.logger.Error("failed to marshal event", "event", event, "error", err)
		return false
	}

	if !client.trySend(data) {
		g.logger.Warn("client buffer full, dropping event", "user_id", userID, "event", event)
		return false
	}
	return true
}

// ConnectionCount returns the number of live connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// marshalEnvelope wraps a payload into the wire envelope
func marshalEnvelope(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return json.Marshal(Envelope{
		Event:     event,
		Data:      data,
		Timestamp: time.Now(),
	})
}
