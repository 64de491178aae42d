// Package presence provides the connection registry: the single source of
// truth for which connections are online, what identity each carries, and
// which room they occupy.
package presence

import (
	"fmt"
	"sync"
)

// Entity is the per-connection outbound event queue, bridging the relay core
// to the transport's write pump through a Go channel.
type Entity struct {
	connID string
	events chan []byte
	mu     sync.Mutex
	closed bool
}

// NewEntity creates an Entity for the given connection ID.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns an Entity with an open events channel.
func NewEntity(connID string, bufferSize int) *Entity {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Entity{
		connID: connID,
		events: make(chan []byte, bufferSize),
	}
}

// ConnectionID returns the connection this entity belongs to.
func (e *Entity) ConnectionID() string {
	return e.connID
}

// Push enqueues data for delivery. The send is non-blocking: a slow client
// with a full queue sheds the event rather than stalling the caller.
//
// Postcondition: Data is enqueued, or an error if the entity is closed or full.
func (e *Entity) Push(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("connection %s is closed", e.connID)
	}
	select {
	case e.events <- data:
		return nil
	default:
		return fmt.Errorf("connection %s event queue full", e.connID)
	}
}

// Events returns the read-only events channel. The transport's write pump
// reads from this channel and writes each payload to the wire.
func (e *Entity) Events() <-chan []byte {
	return e.events
}

// Close marks the entity as closed and closes the events channel.
// Safe to call more than once.
//
// Postcondition: Further Push calls return an error.
func (e *Entity) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		e.closed = true
		close(e.events)
	}
	return nil
}

// IsClosed reports whether the entity has been closed.
func (e *Entity) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
