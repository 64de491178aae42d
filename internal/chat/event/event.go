// Package event defines the wire events exchanged between clients and the
// relay: inbound requests, outbound notifications, the JSON envelope that
// frames both, and the acknowledgment contract for request/response events.
package event

import "encoding/json"

// Inbound event names (client to server).
const (
	TypeJoin    = "join"
	TypeMessage = "message"
	TypeTyping  = "typing"
)

// Outbound event names (server to client).
const (
	TypeJoined     = "joined"
	TypeUserJoined = "user-joined"
	TypeUserLeft   = "user-left"
	TypeRoomUsers  = "room-users"
	TypeAck        = "ack"
)

// Envelope frames every event on the wire in both directions.
// Seq is a client-chosen correlation number echoed back on the ack for
// ack-bearing events; it is absent on fire-and-forget events.
type Envelope struct {
	Event   string          `json:"event"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinRequest is the payload of an inbound join event.
type JoinRequest struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// MessageRequest is the payload of an inbound message event.
type MessageRequest struct {
	Text string `json:"text"`
}

// Member is one room occupant as presented to clients.
type Member struct {
	ConnectionID string `json:"connectionId"`
	Username     string `json:"username"`
}

// Joined is the payload of the joined event sent to a caller whose join
// succeeded. Users is the room membership snapshot including the caller.
type Joined struct {
	ConnectionID string   `json:"connectionId"`
	Username     string   `json:"username"`
	Room         string   `json:"room"`
	Users        []Member `json:"users"`
}

// Presence is the payload of user-joined and user-left events.
type Presence struct {
	ConnectionID string `json:"connectionId"`
	Username     string `json:"username"`
}

// Message is the payload of an outbound message event. At is the
// server-assigned RFC 3339 timestamp.
type Message struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	Username     string `json:"username"`
	ConnectionID string `json:"connectionId"`
	At           string `json:"at"`
}

// Typing is the payload of an outbound typing event.
type Typing struct {
	ConnectionID string `json:"connectionId"`
	Username     string `json:"username"`
	IsTyping     bool   `json:"isTyping"`
}

// Status is the outcome of an ack-bearing request.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Ack is the synchronous outcome of a join or message request. The transport
// adapter translates it onto the wire; typing and disconnect have no ack.
type Ack struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// OK returns a successful ack.
func OK() Ack {
	return Ack{Status: StatusOK}
}

// Error returns a failed ack carrying a human-readable message.
func Error(msg string) Ack {
	return Ack{Status: StatusError, Message: msg}
}

// AckPayload is the wire form of an Ack, echoing the request's Seq.
type AckPayload struct {
	Seq     uint64 `json:"seq,omitempty"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}
