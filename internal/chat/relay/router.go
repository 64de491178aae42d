package relay

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/chat/event"
	"github.com/cory-johannsen/relay/internal/chat/presence"
)

// Router is the per-connection event state machine: Anonymous until a join
// succeeds, Joined until disconnect, Disconnected thereafter. State is
// derived from the registry rather than tracked separately, so it can never
// drift from membership.
type Router struct {
	registry  *presence.Registry
	broadcast *Broadcaster
	clock     Clock
	logger    *zap.Logger
}

// NewRouter creates a Router with the given dependencies.
//
// Precondition: registry, broadcast, and logger must be non-nil. A nil clock
// defaults to the system clock.
func NewRouter(registry *presence.Registry, broadcast *Broadcaster, clock Clock, logger *zap.Logger) *Router {
	if clock == nil {
		clock = SystemClock()
	}
	return &Router{
		registry:  registry,
		broadcast: broadcast,
		clock:     clock,
		logger:    logger,
	}
}

// Join attaches an identity to an anonymous connection and announces it to
// the room. On success the caller receives joined, the rest of the room
// receives user-joined, and the whole room receives a room-users snapshot,
// in that order.
//
// Postcondition: Returns an ok ack and the connection is Joined, or an error
// ack with no state change and no broadcast.
func (r *Router) Join(connID, username, room string) event.Ack {
	identity, members, err := r.registry.AttachIdentity(connID, username, room)
	if err != nil {
		r.logger.Debug("join rejected",
			zap.String("connection_id", connID),
			zap.String("room", room),
			zap.Error(err),
		)
		return event.Error(ackMessage(err))
	}

	users := wireMembers(members)
	r.broadcast.ToSelf(connID, event.TypeJoined, event.Joined{
		ConnectionID: connID,
		Username:     identity.Username,
		Room:         identity.Room,
		Users:        users,
	})
	r.broadcast.ToRoomExcept(identity.Room, connID, event.TypeUserJoined, event.Presence{
		ConnectionID: connID,
		Username:     identity.Username,
	})
	r.broadcast.ToRoomAll(identity.Room, event.TypeRoomUsers, users)

	r.logger.Info("user joined",
		zap.String("connection_id", connID),
		zap.String("username", identity.Username),
		zap.String("room", identity.Room),
		zap.Int("room_size", len(users)),
	)
	return event.OK()
}

// Message relays a text message to the sender's whole room, sender included.
// Empty text is accepted and relayed as an empty message.
//
// Postcondition: Returns an ok ack after the broadcast, or a "not joined"
// error ack with no broadcast.
func (r *Router) Message(connID, text string) event.Ack {
	identity, ok := r.registry.Lookup(connID)
	if !ok {
		return event.Error("not joined")
	}

	msg := event.Message{
		ID:           uuid.NewString(),
		Text:         text,
		Username:     identity.Username,
		ConnectionID: connID,
		At:           r.clock.Now().Format(time.RFC3339Nano),
	}
	r.broadcast.ToRoomAll(identity.Room, event.TypeMessage, msg)

	r.logger.Debug("message relayed",
		zap.String("connection_id", connID),
		zap.String("room", identity.Room),
		zap.String("message_id", msg.ID),
	)
	return event.OK()
}

// Typing relays a typing indicator to the room, never to the sender.
// Silently ignored unless the connection is Joined; typing has no ack
// channel.
func (r *Router) Typing(connID string, isTyping bool) {
	identity, ok := r.registry.Lookup(connID)
	if !ok {
		return
	}
	r.broadcast.ToRoomExcept(identity.Room, connID, event.TypeTyping, event.Typing{
		ConnectionID: connID,
		Username:     identity.Username,
		IsTyping:     isTyping,
	})
}

// Disconnect tears down a connection. The transport signals it exactly once
// per connection. If an identity existed the remaining room members receive
// user-left followed by a fresh room-users snapshot; an anonymous disconnect
// is silent.
func (r *Router) Disconnect(connID string) {
	identity, remaining := r.registry.Remove(connID)
	if identity == nil {
		r.logger.Debug("anonymous disconnect",
			zap.String("connection_id", connID),
		)
		return
	}

	r.broadcast.ToRoomAll(identity.Room, event.TypeUserLeft, event.Presence{
		ConnectionID: connID,
		Username:     identity.Username,
	})
	r.broadcast.ToRoomAll(identity.Room, event.TypeRoomUsers, wireMembers(remaining))

	r.logger.Info("user left",
		zap.String("connection_id", connID),
		zap.String("username", identity.Username),
		zap.String("room", identity.Room),
		zap.Int("room_size", len(remaining)),
	)
}

// ackMessage maps registry errors to the human-readable ack messages clients
// see.
func ackMessage(err error) string {
	switch {
	case errors.Is(err, presence.ErrInvalidIdentity):
		return "username and room required"
	case errors.Is(err, presence.ErrAlreadyJoined):
		return "already joined"
	case errors.Is(err, presence.ErrNotRegistered):
		return "not connected"
	default:
		return err.Error()
	}
}

func wireMembers(members []presence.Member) []event.Member {
	users := make([]event.Member, 0, len(members))
	for _, m := range members {
		users = append(users, event.Member{
			ConnectionID: m.ConnectionID,
			Username:     m.Username,
		})
	}
	return users
}
