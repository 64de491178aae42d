package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/chat/event"
	"github.com/cory-johannsen/relay/internal/chat/presence"
	"github.com/cory-johannsen/relay/internal/chat/relay"
	"github.com/cory-johannsen/relay/internal/config"
)

// conn adapts one WebSocket to the event router: the read loop decodes
// inbound envelopes and dispatches them, the write pump drains the entity
// queue onto the wire. Writes go through the pump only; gorilla connections
// do not allow concurrent writers.
type conn struct {
	id     string
	sock   *websocket.Conn
	entity *presence.Entity
	router *relay.Router
	cfg    config.WebSocketConfig
	logger *zap.Logger
}

func newConn(id string, sock *websocket.Conn, entity *presence.Entity, router *relay.Router, cfg config.WebSocketConfig, logger *zap.Logger) *conn {
	return &conn{
		id:     id,
		sock:   sock,
		entity: entity,
		router: router,
		cfg:    cfg,
		logger: logger,
	}
}

// readLoop processes inbound frames until the socket closes or errors.
func (c *conn) readLoop() {
	c.sock.SetReadLimit(c.cfg.ReadLimit)
	_ = c.sock.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed",
					zap.String("connection_id", c.id),
					zap.Error(err),
				)
			}
			return
		}

		var env event.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("malformed envelope ignored",
				zap.String("connection_id", c.id),
				zap.Error(err),
			)
			continue
		}
		c.dispatch(env)
	}
}

// dispatch routes one inbound envelope. Malformed payloads on ack-bearing
// events produce an error ack; they never terminate the connection or touch
// registry state.
func (c *conn) dispatch(env event.Envelope) {
	switch env.Event {
	case event.TypeJoin:
		var req event.JoinRequest
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				c.ack(env.Seq, event.Error("username and room required"))
				return
			}
		}
		c.ack(env.Seq, c.router.Join(c.id, req.Username, req.Room))

	case event.TypeMessage:
		var req event.MessageRequest
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				c.ack(env.Seq, event.Error("invalid message payload"))
				return
			}
		}
		c.ack(env.Seq, c.router.Message(c.id, req.Text))

	case event.TypeTyping:
		var isTyping bool
		if err := json.Unmarshal(env.Payload, &isTyping); err != nil {
			// Typing has no ack channel; a bad payload is dropped.
			return
		}
		c.router.Typing(c.id, isTyping)

	default:
		c.logger.Debug("unknown event ignored",
			zap.String("connection_id", c.id),
			zap.String("event", env.Event),
		)
	}
}

// ack queues the request outcome behind the events the request produced, so
// a joining client observes its joined event before the ok.
func (c *conn) ack(seq uint64, ack event.Ack) {
	payload, err := json.Marshal(event.AckPayload{
		Seq:     seq,
		Status:  ack.Status,
		Message: ack.Message,
	})
	if err != nil {
		c.logger.Error("marshaling ack", zap.Error(err))
		return
	}
	data, err := json.Marshal(event.Envelope{Event: event.TypeAck, Payload: payload})
	if err != nil {
		c.logger.Error("marshaling ack envelope", zap.Error(err))
		return
	}
	if err := c.entity.Push(data); err != nil {
		c.logger.Debug("ack dropped",
			zap.String("connection_id", c.id),
			zap.Error(err),
		)
	}
}

// writePump writes queued events and periodic pings until the entity closes
// or a write fails.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.entity.Events():
			_ = c.sock.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				_ = c.sock.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed",
					zap.String("connection_id", c.id),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
