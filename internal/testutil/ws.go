// Package testutil provides a WebSocket test client for integration testing
// the relay end to end.
package testutil

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/relay/internal/chat/event"
)

// WSClient is a simple WebSocket test client speaking the relay's envelope
// protocol.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
	seq  uint64
}

// NewWSClient dials the given HTTP URL's /ws endpoint and returns a client.
//
// Precondition: baseURL must be an http:// URL of a running relay server.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, baseURL string) *WSClient {
	t.Helper()
	start := time.Now()

	wsURL := strings.Replace(baseURL, "http://", "ws://", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v [%s]", wsURL, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return &WSClient{conn: conn, t: t}
}

// Send writes a fire-and-forget envelope (no seq, no ack expected).
//
// Precondition: payload must be JSON-marshallable.
func (c *WSClient) Send(eventName string, payload any) {
	c.t.Helper()
	c.write(event.Envelope{Event: eventName, Payload: c.marshal(payload)})
}

// Request writes an ack-bearing envelope and returns the seq used, for
// correlating the ack.
func (c *WSClient) Request(eventName string, payload any) uint64 {
	c.t.Helper()
	c.seq++
	c.write(event.Envelope{Event: eventName, Seq: c.seq, Payload: c.marshal(payload)})
	return c.seq
}

// ReadEnvelope reads the next envelope, failing the test on timeout.
func (c *WSClient) ReadEnvelope(timeout time.Duration) event.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading envelope: %v", err)
	}
	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.t.Fatalf("unmarshalling envelope %q: %v", data, err)
	}
	return env
}

// ReadUntil reads envelopes until one matches the given event name,
// returning it. Any envelopes read along the way are discarded.
//
// Postcondition: Returns the matching envelope, or fails on timeout.
func (c *WSClient) ReadUntil(eventName string, timeout time.Duration) event.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("timed out waiting for %q", eventName)
		}
		env := c.ReadEnvelope(remaining)
		if env.Event == eventName {
			return env
		}
	}
}

// ExpectAck reads until the ack for the given seq arrives and decodes it.
func (c *WSClient) ExpectAck(seq uint64, timeout time.Duration) event.AckPayload {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("timed out waiting for ack %d", seq)
		}
		env := c.ReadUntil(event.TypeAck, remaining)
		var ack event.AckPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			c.t.Fatalf("unmarshalling ack: %v", err)
		}
		if ack.Seq == seq {
			return ack
		}
	}
}

// Close closes the underlying connection.
func (c *WSClient) Close() {
	c.conn.Close()
}

func (c *WSClient) marshal(payload any) json.RawMessage {
	c.t.Helper()
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("marshalling payload: %v", err)
	}
	return data
}

func (c *WSClient) write(env event.Envelope) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	data, err := json.Marshal(env)
	if err != nil {
		c.t.Fatalf("marshalling envelope: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("sending %s: %v", env.Event, err)
	}
}
