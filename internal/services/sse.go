package services

import (
	"sync"
)

// RequestEvent is a real-time request lifecycle update pushed to SSE
// subscribers: status transitions, the provider that ended up serving the
// call, and the terminal error if it failed.
type RequestEvent struct {
	RequestID string   `json:"request_id"`
	SessionID string   `json:"session_id,omitempty"`
	Status    string   `json:"status"` // pending, processing, completed, failed, cancelled
	Provider  string   `json:"provider,omitempty"`
	Model     string   `json:"model,omitempty"`
	Cost      *float64 `json:"cost,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// SSEHub manages SSE client connections and event broadcasting
type SSEHub struct {
	clients map[string]chan RequestEvent
	mu      sync.RWMutex
}

// NewSSEHub creates a new SSE hub instance
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients: make(map[string]chan RequestEvent),
	}
}

// Subscribe registers a new client and returns a channel for receiving events
func (h *SSEHub) Subscribe(clientID string) <-chan RequestEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Create buffered channel to prevent blocking
	ch := make(chan RequestEvent, 100)
	h.clients[clientID] = ch
	return ch
}

// Unsubscribe removes a client from the hub
func (h *SSEHub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[clientID]; ok {
		close(ch)
		delete(h.clients, clientID)
	}
}

// Publish broadcasts an event to all connected clients
func (h *SSEHub) Publish(event RequestEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.clients {
		// Non-blocking send - drop event if client buffer is full
		select {
		case ch <- event:
		default:
			// Client is slow, skip this event
		}
	}
}

// ClientCount returns the number of connected clients
func (h *SSEHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Global SSE Hub instance
var globalSSEHub *SSEHub
var sseHubOnce sync.Once

// GetSSEHub returns the global SSE hub singleton
func GetSSEHub() *SSEHub {
	sseHubOnce.Do(func() {
		globalSSEHub = NewSSEHub()
	})
	return globalSSEHub
}

// PublishRequestEvent is a convenience function to publish lifecycle events
func PublishRequestEvent(requestID, sessionID, status, provider, model string, cost *float64, errMsg string) {
	GetSSEHub().Publish(RequestEvent{
		RequestID: requestID,
		SessionID: sessionID,
		Status:    status,
		Provider:  provider,
		Model:     model,
		Cost:      cost,
		Error:     errMsg,
	})
}
