// Package relay implements the event router and broadcast fan-out: it
// validates inbound events, mutates the connection registry, and delivers
// outbound events to the affected room members.
package relay

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/chat/event"
	"github.com/cory-johannsen/relay/internal/chat/presence"
)

// Broadcaster is the delivery primitive: one event to one connection, to a
// room minus one member, or to a whole room. Delivery is best-effort; a
// closed or saturated recipient queue drops the event for that recipient
// only.
type Broadcaster struct {
	registry *presence.Registry
	logger   *zap.Logger
}

// NewBroadcaster creates a Broadcaster over the given registry.
//
// Precondition: registry and logger must be non-nil.
func NewBroadcaster(registry *presence.Registry, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		logger:   logger,
	}
}

// ToSelf delivers an event to a single connection.
func (b *Broadcaster) ToSelf(connID, name string, payload any) {
	data, ok := b.encode(name, payload)
	if !ok {
		return
	}
	entity, found := b.registry.Entity(connID)
	if !found {
		return
	}
	b.push(entity, name, data)
}

// ToRoomExcept delivers an event to every joined member of the room except
// excludeConnID.
func (b *Broadcaster) ToRoomExcept(room, excludeConnID, name string, payload any) {
	data, ok := b.encode(name, payload)
	if !ok {
		return
	}
	for _, entity := range b.registry.Entities(room, excludeConnID) {
		b.push(entity, name, data)
	}
}

// ToRoomAll delivers an event to every joined member of the room, the
// originating connection included if it is a member.
func (b *Broadcaster) ToRoomAll(room, name string, payload any) {
	data, ok := b.encode(name, payload)
	if !ok {
		return
	}
	for _, entity := range b.registry.Entities(room, "") {
		b.push(entity, name, data)
	}
}

// encode marshals the event envelope once so every recipient shares the same
// bytes.
func (b *Broadcaster) encode(name string, payload any) ([]byte, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("marshaling event payload",
			zap.String("event", name),
			zap.Error(err),
		)
		return nil, false
	}
	data, err := json.Marshal(event.Envelope{Event: name, Payload: raw})
	if err != nil {
		b.logger.Error("marshaling event envelope",
			zap.String("event", name),
			zap.Error(err),
		)
		return nil, false
	}
	return data, true
}

func (b *Broadcaster) push(entity *presence.Entity, name string, data []byte) {
	if err := entity.Push(data); err != nil {
		b.logger.Warn("push to connection failed",
			zap.String("connection_id", entity.ConnectionID()),
			zap.String("event", name),
			zap.Error(err),
		)
	}
}
