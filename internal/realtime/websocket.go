package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hjanuschka/go-projections/internal/auth"
	"github.com/hjanuschka/go-projections/internal/config"
	"github.com/hjanuschka/go-projections/internal/logging"
)

// Message types for WebSocket communication
const (
	MessageTypeConnect         = "connect"
	MessageTypeJoin            = "join"
	MessageTypeLeave           = "leave"
	MessageTypeAuth            = "auth"
	MessageTypeError           = "error"
	MessageTypeProjectionState = "projection:state"
	MessageTypeProjectionEvent = "projection:lifecycle"
)

// Lifecycle events carried by MessageTypeProjectionEvent.
const (
	EventTypeCreated = "created"
	EventTypeUpdated = "updated"
	EventTypeDeleted = "deleted"
)

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type  string                 `json:"type"`
	Event string                 `json:"event,omitempty"`
	Data  interface{}            `json:"data,omitempty"`
	Room  string                 `json:"room,omitempty"`
	Token string                 `json:"token,omitempty"`
	Error string                 `json:"error,omitempty"`
	Meta  map[string]interface{} `json:"meta,omitempty"`
}

// Client is one WebSocket connection following projection rooms.
type Client struct {
	ID       string
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *Hub
	Rooms    map[string]bool
	Claims   *auth.JWTClaims
	LastSeen time.Time
	mu       sync.RWMutex
}

// Hub maintains the set of active clients. Each projection is a room that
// receives its state and lifecycle messages.
type Hub struct {
	clients    map[*Client]bool
	rooms      map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	upgrader   websocket.Upgrader
	jwtManager *auth.JWTManager
	config     *config.RealtimeConfig
	broker     MessageBroker
	serverID   string
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub fed by broker. A nil broker gets a memory broker.
func NewHub(jwtManager *auth.JWTManager, realtimeConfig *config.RealtimeConfig, broker MessageBroker) *Hub {
	if realtimeConfig == nil {
		realtimeConfig = config.DefaultRealtimeConfig()
	}
	if broker == nil {
		broker = NewMemoryBroker()
	}

	hub := &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		jwtManager: jwtManager,
		config:     realtimeConfig,
		broker:     broker,
		serverID:   uuid.New().String(),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	if err := hub.initializeBroker(); err != nil {
		logging.Error("Failed to initialize message broker", "realtime", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return hub
}

// Broker returns the broker the hub listens on.
func (h *Hub) Broker() MessageBroker { return h.broker }

// Run handles client registration until ctx is done, then disconnects every
// client. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				h.dropLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()

			logging.Info("WebSocket client connected", "realtime", map[string]interface{}{
				"client_id":     client.ID,
				"clients_count": count,
			})
			client.Send <- h.createMessage(MessageTypeConnect, "", map[string]interface{}{
				"client_id": client.ID,
				"timestamp": time.Now().Unix(),
			}, "")

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(client)
			count := len(h.clients)
			h.mu.Unlock()

			logging.Info("WebSocket client disconnected", "realtime", map[string]interface{}{
				"client_id":     client.ID,
				"clients_count": count,
			})
		}
	}
}

func (h *Hub) dropLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.mu.Lock()
	for room := range client.Rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	client.Rooms = make(map[string]bool)
	client.mu.Unlock()
	close(client.Send)
}

// HandleWebSocket upgrades the request and starts the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.GetConnectedClients() >= h.config.Limits.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("WebSocket upgrade failed", "realtime", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := &Client{
		ID:       uuid.New().String(),
		Conn:     conn,
		Send:     make(chan []byte, 256),
		Hub:      h,
		Rooms:    make(map[string]bool),
		LastSeen: time.Now(),
	}
	if h.jwtManager != nil {
		if claims, err := h.jwtManager.FromRequest(r); err == nil {
			client.Claims = claims
		}
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ServeHTTP makes the hub mountable as a handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

func (c *Client) pongWait() time.Duration {
	limits := c.Hub.config.Limits
	return time.Duration(limits.PingInterval+limits.PongTimeout) * time.Second
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.pongWait()))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error("WebSocket read error", "realtime", map[string]interface{}{
					"client_id": c.ID,
					"error":     err.Error(),
				})
			}
			break
		}

		c.mu.Lock()
		c.LastSeen = time.Now()
		c.mu.Unlock()
		c.handleMessage(message)
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(time.Duration(c.Hub.config.Limits.PingInterval) * time.Second)
	writeWait := time.Duration(c.Hub.config.Limits.PongTimeout) * time.Second
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming WebSocket messages
func (c *Client) handleMessage(data []byte) {
	var msg WebSocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch msg.Type {
	case MessageTypeAuth:
		c.handleAuth(msg.Token)
	case MessageTypeJoin:
		c.handleJoin(msg.Room)
	case MessageTypeLeave:
		c.handleLeave(msg.Room)
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
}

// handleAuth attaches JWT claims to the connection.
func (c *Client) handleAuth(token string) {
	if c.Hub.jwtManager == nil {
		c.sendError("Authentication not available")
		return
	}

	claims, err := c.Hub.jwtManager.ValidateToken(token)
	if err != nil {
		c.sendError("Invalid authentication token")
		return
	}

	c.mu.Lock()
	c.Claims = claims
	c.mu.Unlock()

	logging.Info("WebSocket client authenticated", "realtime", map[string]interface{}{
		"client_id": c.ID,
		"subject":   claims.Subject,
		"role":      claims.Role,
	})
	c.trySend(c.Hub.createMessage(MessageTypeAuth, "", map[string]interface{}{
		"authenticated": true,
		"subject":       claims.Subject,
		"role":          claims.Role,
	}, ""))
}

// handleJoin subscribes the client to a projection's room
func (c *Client) handleJoin(room string) {
	if room == "" {
		c.sendError("Room name required")
		return
	}
	if err := c.Hub.addToRoom(c, room); err != nil {
		c.sendError(err.Error())
		return
	}
	c.trySend(c.Hub.createMessage(MessageTypeJoin, "", nil, room))

	logging.Debug("Client joined room", "realtime", map[string]interface{}{
		"client_id": c.ID,
		"room":      room,
	})
}

// handleLeave removes client from a room
func (c *Client) handleLeave(room string) {
	if room == "" {
		c.sendError("Room name required")
		return
	}
	c.Hub.removeFromRoom(c, room)

	logging.Debug("Client left room", "realtime", map[string]interface{}{
		"client_id": c.ID,
		"room":      room,
	})
}

func (c *Client) sendError(message string) {
	msg := WebSocketMessage{
		Type:  MessageTypeError,
		Error: message,
		Meta: map[string]interface{}{
			"timestamp": time.Now().Unix(),
		},
	}
	if data, err := json.Marshal(msg); err == nil {
		c.trySend(data)
	}
}

// trySend queues data unless the client is gone or its buffer is full.
func (c *Client) trySend(data []byte) {
	c.Hub.mu.RLock()
	defer c.Hub.mu.RUnlock()
	if !c.Hub.clients[c] {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

func (h *Hub) addToRoom(client *Client, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] {
		return fmt.Errorf("client is not connected")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.Rooms[room] && len(client.Rooms) >= h.config.Limits.MaxRoomsPerClient {
		return fmt.Errorf("room limit of %d reached", h.config.Limits.MaxRoomsPerClient)
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	client.Rooms[room] = true
	return nil
}

func (h *Hub) removeFromRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.rooms[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	client.mu.Lock()
	delete(client.Rooms, room)
	client.mu.Unlock()
}

// EmitToRoom sends a message to every client in room. Slow clients whose
// buffers are full miss the message.
func (h *Hub) EmitToRoom(room, msgType, event string, data interface{}) int {
	message := h.createMessage(msgType, event, data, room)

	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for client := range h.rooms[room] {
		select {
		case client.Send <- message:
			sent++
		default:
			logging.Warn("Dropping message for slow client", "realtime", map[string]interface{}{
				"client_id": client.ID,
				"room":      room,
			})
		}
	}
	return sent
}

func (h *Hub) createMessage(msgType, event string, data interface{}, room string) []byte {
	msg := WebSocketMessage{
		Type:  msgType,
		Event: event,
		Data:  data,
		Room:  room,
		Meta: map[string]interface{}{
			"timestamp": time.Now().Unix(),
		},
	}

	if bytes, err := json.Marshal(msg); err == nil {
		return bytes
	}
	return []byte(`{"type":"error","error":"Failed to marshal message"}`)
}

// initializeBroker connects to the message broker and subscribes to the
// projection topics.
func (h *Hub) initializeBroker() error {
	if err := h.broker.Connect(context.Background()); err != nil {
		return fmt.Errorf("failed to connect to message broker: %w", err)
	}
	for _, topic := range []string{TopicProjectionState, TopicProjectionLifecycle} {
		if err := h.broker.Subscribe(topic, h.handleBrokerMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	logging.Info("Message broker initialized", "realtime", map[string]interface{}{
		"server_id": h.serverID,
	})
	return nil
}

// handleBrokerMessage forwards a broker message to its projection room.
func (h *Hub) handleBrokerMessage(message *BrokerMessage) error {
	if message.Room == "" {
		return fmt.Errorf("broker message %s without room", message.Type)
	}
	h.EmitToRoom(message.Room, message.Type, message.Event, message.Data)
	return nil
}

// GetConnectedClients returns the number of connected clients
func (h *Hub) GetConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetRooms returns the member count of every active room
func (h *Hub) GetRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make(map[string]int)
	for room, clients := range h.rooms {
		rooms[room] = len(clients)
	}
	return rooms
}
