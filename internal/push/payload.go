package push

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrSessionClosed   = errors.New("session closed")
	ErrEngineStopped   = errors.New("engine stopped")
	ErrWriteTimeout    = errors.New("channel write timeout")
	ErrRateLimited     = errors.New("rate limit exceeded")
)

// Payload is the unit of delivery handed to the engine by event producers.
type Payload struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// QueuedPayload wraps a payload that could not be delivered immediately.
// The Queued marker survives to the client so it can distinguish catch-up
// traffic from live traffic.
type QueuedPayload struct {
	Payload  Payload   `json:"payload"`
	QueuedAt time.Time `json:"queuedAt"`
	Queued   bool      `json:"queued"`
}
