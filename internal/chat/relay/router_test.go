package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/chat/event"
	"github.com/cory-johannsen/relay/internal/chat/presence"
)

type fixedClock struct {
	at time.Time
}

func (c fixedClock) Now() time.Time { return c.at }

type fixture struct {
	registry *presence.Registry
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := presence.NewRegistry()
	logger := zap.NewNop()
	broadcast := NewBroadcaster(registry, logger)
	clock := fixedClock{at: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
	return &fixture{
		registry: registry,
		router:   NewRouter(registry, broadcast, clock, logger),
	}
}

// connect registers a transport connection and returns its entity.
func (f *fixture) connect(t *testing.T, connID string) *presence.Entity {
	t.Helper()
	e := presence.NewEntity(connID, 32)
	require.NoError(t, f.registry.Register(connID, e))
	return e
}

// drain empties an entity's queue and decodes the envelopes, oldest first.
func drain(t *testing.T, e *presence.Entity) []event.Envelope {
	t.Helper()
	var out []event.Envelope
	for {
		select {
		case data, ok := <-e.Events():
			if !ok {
				return out
			}
			var env event.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func eventNames(envs []event.Envelope) []string {
	names := make([]string, 0, len(envs))
	for _, env := range envs {
		names = append(names, env.Event)
	}
	return names
}

func decodePayload[T any](t *testing.T, env event.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func TestRouter_JoinFirstMember(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")

	ack := f.router.Join("A", "alice", "lobby")
	assert.Equal(t, event.StatusOK, ack.Status)

	envs := drain(t, a)
	require.Equal(t, []string{event.TypeJoined, event.TypeRoomUsers}, eventNames(envs))

	joined := decodePayload[event.Joined](t, envs[0])
	assert.Equal(t, "A", joined.ConnectionID)
	assert.Equal(t, "alice", joined.Username)
	assert.Equal(t, "lobby", joined.Room)
	assert.Equal(t, []event.Member{{ConnectionID: "A", Username: "alice"}}, joined.Users)

	users := decodePayload[[]event.Member](t, envs[1])
	assert.Equal(t, []event.Member{{ConnectionID: "A", Username: "alice"}}, users)
}

func TestRouter_JoinSecondMember(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")
	b := f.connect(t, "B")

	require.Equal(t, event.StatusOK, f.router.Join("A", "alice", "lobby").Status)
	drain(t, a)

	require.Equal(t, event.StatusOK, f.router.Join("B", "bob", "lobby").Status)

	// A sees the arrival then the fresh snapshot, in that order.
	aEnvs := drain(t, a)
	require.Equal(t, []string{event.TypeUserJoined, event.TypeRoomUsers}, eventNames(aEnvs))
	arrival := decodePayload[event.Presence](t, aEnvs[0])
	assert.Equal(t, event.Presence{ConnectionID: "B", Username: "bob"}, arrival)

	snapshot := decodePayload[[]event.Member](t, aEnvs[1])
	assert.Equal(t, []event.Member{
		{ConnectionID: "A", Username: "alice"},
		{ConnectionID: "B", Username: "bob"},
	}, snapshot)

	// B sees its own joined event, never user-joined for itself.
	bEnvs := drain(t, b)
	require.Equal(t, []string{event.TypeJoined, event.TypeRoomUsers}, eventNames(bEnvs))
	joined := decodePayload[event.Joined](t, bEnvs[0])
	assert.Len(t, joined.Users, 2)
}

func TestRouter_JoinInvalidIdentity(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")

	for _, tc := range []struct{ username, room string }{
		{"", "lobby"},
		{"alice", ""},
		{"  ", "lobby"},
	} {
		ack := f.router.Join("A", tc.username, tc.room)
		assert.Equal(t, event.StatusError, ack.Status)
		assert.Equal(t, "username and room required", ack.Message)
	}
	assert.Empty(t, drain(t, a), "failed joins must not broadcast")
	assert.Empty(t, f.registry.MembersOf("lobby"))
}

func TestRouter_JoinTwice(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")

	require.Equal(t, event.StatusOK, f.router.Join("A", "alice", "lobby").Status)
	drain(t, a)

	ack := f.router.Join("A", "alice2", "other")
	assert.Equal(t, event.StatusError, ack.Status)
	assert.Equal(t, "already joined", ack.Message)
	assert.Empty(t, drain(t, a))

	// Registry unchanged by the rejected join.
	id, ok := f.registry.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, "alice", id.Username)
	assert.Empty(t, f.registry.MembersOf("other"))
}

func TestRouter_JoinUnregisteredConnection(t *testing.T) {
	f := newFixture(t)
	ack := f.router.Join("ghost", "alice", "lobby")
	assert.Equal(t, event.StatusError, ack.Status)
	assert.Equal(t, "not connected", ack.Message)
}

func TestRouter_MessageBroadcastsToWholeRoom(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")
	b := f.connect(t, "B")
	f.router.Join("A", "alice", "lobby")
	f.router.Join("B", "bob", "lobby")
	drain(t, a)
	drain(t, b)

	ack := f.router.Message("A", "hi")
	assert.Equal(t, event.StatusOK, ack.Status)

	for _, e := range []*presence.Entity{a, b} {
		envs := drain(t, e)
		require.Equal(t, []string{event.TypeMessage}, eventNames(envs))
		msg := decodePayload[event.Message](t, envs[0])
		assert.Equal(t, "hi", msg.Text)
		assert.Equal(t, "alice", msg.Username)
		assert.Equal(t, "A", msg.ConnectionID)
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "2026-03-14T09:26:53Z", msg.At)
	}
}

func TestRouter_MessageBeforeJoin(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "C")
	a := f.connect(t, "A")
	f.router.Join("A", "alice", "lobby")
	drain(t, a)

	ack := f.router.Message("C", "sneaky")
	assert.Equal(t, event.StatusError, ack.Status)
	assert.Equal(t, "not joined", ack.Message)

	assert.Empty(t, drain(t, c))
	assert.Empty(t, drain(t, a), "no room may receive a message from an unjoined sender")
}

func TestRouter_MessageEmptyTextRelayed(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")
	f.router.Join("A", "alice", "lobby")
	drain(t, a)

	ack := f.router.Message("A", "")
	assert.Equal(t, event.StatusOK, ack.Status)

	envs := drain(t, a)
	require.Len(t, envs, 1)
	msg := decodePayload[event.Message](t, envs[0])
	assert.Equal(t, "", msg.Text)
}

func TestRouter_MessageScopedToRoom(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")
	b := f.connect(t, "B")
	f.router.Join("A", "alice", "lobby")
	f.router.Join("B", "bob", "annex")
	drain(t, a)
	drain(t, b)

	f.router.Message("A", "hi lobby")
	assert.Len(t, drain(t, a), 1)
	assert.Empty(t, drain(t, b), "messages never cross rooms")
}

func TestRouter_MessageIDsUnique(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")
	b := f.connect(t, "B")
	f.router.Join("A", "alice", "lobby")
	f.router.Join("B", "bob", "lobby")
	drain(t, a)
	drain(t, b)

	const n = 10
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			f.router.Message("A", fmt.Sprintf("a%d", i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			f.router.Message("B", fmt.Sprintf("b%d", i))
		}
	}()
	wg.Wait()

	seen := make(map[string]bool)
	for _, env := range drain(t, a) {
		msg := decodePayload[event.Message](t, env)
		assert.False(t, seen[msg.ID], "duplicate message id %s", msg.ID)
		seen[msg.ID] = true
	}
	assert.Len(t, seen, 2*n)
}

func TestRouter_TypingExcludesSender(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")
	b := f.connect(t, "B")
	f.router.Join("A", "alice", "lobby")
	f.router.Join("B", "bob", "lobby")
	drain(t, a)
	drain(t, b)

	f.router.Typing("A", true)

	assert.Empty(t, drain(t, a), "typing must never echo to the sender")

	envs := drain(t, b)
	require.Equal(t, []string{event.TypeTyping}, eventNames(envs))
	typing := decodePayload[event.Typing](t, envs[0])
	assert.Equal(t, event.Typing{ConnectionID: "A", Username: "alice", IsTyping: true}, typing)

	f.router.Typing("A", false)
	envs = drain(t, b)
	require.Len(t, envs, 1)
	typing = decodePayload[event.Typing](t, envs[0])
	assert.False(t, typing.IsTyping)
}

func TestRouter_TypingBeforeJoinIgnored(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "C")
	a := f.connect(t, "A")
	f.router.Join("A", "alice", "lobby")
	drain(t, a)

	f.router.Typing("C", true)
	assert.Empty(t, drain(t, a))
	assert.Empty(t, drain(t, c))
}

func TestRouter_DisconnectBroadcastsDeparture(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")
	b := f.connect(t, "B")
	f.router.Join("A", "alice", "lobby")
	f.router.Join("B", "bob", "lobby")
	drain(t, a)
	drain(t, b)

	f.router.Disconnect("B")

	envs := drain(t, a)
	require.Equal(t, []string{event.TypeUserLeft, event.TypeRoomUsers}, eventNames(envs))

	left := decodePayload[event.Presence](t, envs[0])
	assert.Equal(t, event.Presence{ConnectionID: "B", Username: "bob"}, left)

	users := decodePayload[[]event.Member](t, envs[1])
	assert.Equal(t, []event.Member{{ConnectionID: "A", Username: "alice"}}, users)
}

func TestRouter_DisconnectIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")
	b := f.connect(t, "B")
	f.router.Join("A", "alice", "lobby")
	f.router.Join("B", "bob", "lobby")
	drain(t, a)
	drain(t, b)

	f.router.Disconnect("B")
	f.router.Disconnect("B")

	// user-left arrives exactly once.
	var leftCount int
	for _, env := range drain(t, a) {
		if env.Event == event.TypeUserLeft {
			leftCount++
		}
	}
	assert.Equal(t, 1, leftCount)
}

func TestRouter_DisconnectAnonymousSilent(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")
	f.connect(t, "C")
	f.router.Join("A", "alice", "lobby")
	drain(t, a)

	f.router.Disconnect("C")
	assert.Empty(t, drain(t, a))
	assert.Equal(t, 1, f.registry.ConnectionCount())
}

// TestRouter_LobbyScenario walks the end-to-end sequence: alice joins, bob
// joins, alice messages, bob disconnects.
func TestRouter_LobbyScenario(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")

	require.Equal(t, event.StatusOK, f.router.Join("A", "alice", "lobby").Status)
	envs := drain(t, a)
	joined := decodePayload[event.Joined](t, envs[0])
	assert.Equal(t, []event.Member{{ConnectionID: "A", Username: "alice"}}, joined.Users)

	b := f.connect(t, "B")
	require.Equal(t, event.StatusOK, f.router.Join("B", "bob", "lobby").Status)

	aEnvs := drain(t, a)
	require.Equal(t, []string{event.TypeUserJoined, event.TypeRoomUsers}, eventNames(aEnvs))
	assert.Equal(t, event.Presence{ConnectionID: "B", Username: "bob"},
		decodePayload[event.Presence](t, aEnvs[0]))
	both := []event.Member{
		{ConnectionID: "A", Username: "alice"},
		{ConnectionID: "B", Username: "bob"},
	}
	assert.Equal(t, both, decodePayload[[]event.Member](t, aEnvs[1]))

	bEnvs := drain(t, b)
	assert.Equal(t, both, decodePayload[[]event.Member](t, bEnvs[1]))

	require.Equal(t, event.StatusOK, f.router.Message("A", "hi").Status)
	for _, e := range []*presence.Entity{a, b} {
		msg := decodePayload[event.Message](t, drain(t, e)[0])
		assert.Equal(t, "alice", msg.Username)
		assert.Equal(t, "hi", msg.Text)
	}

	f.router.Disconnect("B")
	aEnvs = drain(t, a)
	require.Equal(t, []string{event.TypeUserLeft, event.TypeRoomUsers}, eventNames(aEnvs))
	assert.Equal(t, []event.Member{{ConnectionID: "A", Username: "alice"}},
		decodePayload[[]event.Member](t, aEnvs[1]))
}
