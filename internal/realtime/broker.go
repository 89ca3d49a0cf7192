package realtime

import (
	"context"
	"sync"

	"github.com/hjanuschka/go-projections/internal/logging"
)

// Broker topics.
const (
	TopicProjectionState     = "projection:state"
	TopicProjectionLifecycle = "projection:lifecycle"
)

// MessageBroker defines the interface for message brokers
type MessageBroker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Publish(topic string, message *BrokerMessage) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// MessageHandler is a function that handles incoming messages from the broker
type MessageHandler func(message *BrokerMessage) error

// BrokerMessage represents a message sent through the broker
type BrokerMessage struct {
	Type      string                 `json:"type"`      // Message type
	Event     string                 `json:"event"`     // Event name
	Data      interface{}            `json:"data"`      // Message data
	Room      string                 `json:"room"`      // Target room, the projection name
	ServerID  string                 `json:"server_id"` // Originating server ID
	Timestamp int64                  `json:"timestamp"` // Unix timestamp
	Meta      map[string]interface{} `json:"meta"`      // Additional metadata
}

// MemoryBroker implements an in-memory message broker (single server only).
// Handlers run on their own goroutines.
type MemoryBroker struct {
	handlers  map[string][]MessageHandler
	connected bool
	mu        sync.RWMutex
}

// NewMemoryBroker creates a new in-memory message broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		handlers:  make(map[string][]MessageHandler),
		connected: true,
	}
}

func (mb *MemoryBroker) Connect(ctx context.Context) error {
	mb.mu.Lock()
	mb.connected = true
	mb.mu.Unlock()
	logging.Info("Memory broker connected", "realtime", nil)
	return nil
}

func (mb *MemoryBroker) Disconnect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers = make(map[string][]MessageHandler)
	mb.connected = false
	logging.Info("Memory broker disconnected", "realtime", nil)
	return nil
}

func (mb *MemoryBroker) Publish(topic string, message *BrokerMessage) error {
	mb.mu.RLock()
	handlers := append([]MessageHandler(nil), mb.handlers[topic]...)
	mb.mu.RUnlock()

	for _, handler := range handlers {
		go func(h MessageHandler) {
			if err := h(message); err != nil {
				logging.Error("Memory broker handler error", "realtime", map[string]interface{}{
					"topic": topic,
					"error": err.Error(),
				})
			}
		}(handler)
	}

	return nil
}

func (mb *MemoryBroker) Subscribe(topic string, handler MessageHandler) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[topic] = append(mb.handlers[topic], handler)
	return nil
}

func (mb *MemoryBroker) Unsubscribe(topic string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.handlers, topic)
	return nil
}

func (mb *MemoryBroker) IsConnected() bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return mb.connected
}
