package presence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry errors, surfaced to callers through the ack channel.
var (
	// ErrNotRegistered indicates an operation on a connection the transport
	// never opened (or already tore down).
	ErrNotRegistered = errors.New("connection not registered")
	// ErrAlreadyJoined indicates a second join on a connection that already
	// carries an identity. Joins are not re-issuable mid-session.
	ErrAlreadyJoined = errors.New("already joined")
	// ErrInvalidIdentity indicates a join with an empty or whitespace-only
	// username or room.
	ErrInvalidIdentity = errors.New("username and room required")
)

// Identity is the (username, room) pair attached to a connection by a
// successful join. It never changes for the lifetime of the connection.
type Identity struct {
	Username string
	Room     string
}

// Member is one occupant of a room: the connection ID plus its display name.
type Member struct {
	ConnectionID string
	Username     string
}

// record tracks one registered connection. identity is nil until a join
// succeeds; joinSeq orders room membership snapshots by join time.
type record struct {
	entity   *Entity
	identity *Identity
	joinSeq  uint64
}

// Registry is the single source of truth for which connections are online
// and what identity each carries. Room membership is always derived from it,
// never maintained separately. All methods are safe for concurrent use; the
// internal mutex is never held across a network send.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*record
	nextSeq uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*record),
	}
}

// Register adds a newly opened connection with no identity.
//
// Precondition: connID must be non-empty; entity must be non-nil.
// Postcondition: The connection is tracked as anonymous, or an error if the
// ID is already registered.
func (r *Registry) Register(connID string, entity *Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; exists {
		return fmt.Errorf("connection %q already registered", connID)
	}
	r.conns[connID] = &record{entity: entity}
	return nil
}

// AttachIdentity binds a (username, room) identity to a registered connection.
// The returned members slice is the room snapshot, including the caller,
// taken inside the same critical section as the attach, so a room-users
// broadcast built from it exactly matches registry state at attach time.
//
// Postcondition: On success the connection is Joined and its identity is
// immutable. Fails with ErrInvalidIdentity, ErrAlreadyJoined, or
// ErrNotRegistered; on failure the registry is unchanged.
func (r *Registry) AttachIdentity(connID, username, room string) (Identity, []Member, error) {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(room) == "" {
		return Identity{}, nil, ErrInvalidIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connID]
	if !ok {
		return Identity{}, nil, ErrNotRegistered
	}
	if rec.identity != nil {
		return Identity{}, nil, ErrAlreadyJoined
	}

	r.nextSeq++
	rec.identity = &Identity{Username: username, Room: room}
	rec.joinSeq = r.nextSeq

	return *rec.identity, r.membersOfLocked(room), nil
}

// Lookup returns the identity attached to the connection, if any.
// Anonymous and unknown connections both report false.
func (r *Registry) Lookup(connID string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connID]
	if !ok || rec.identity == nil {
		return Identity{}, false
	}
	return *rec.identity, true
}

// Remove deregisters a connection and closes its entity. Idempotent: a
// second Remove for the same ID is a no-op returning (nil, nil). The
// returned members slice is the remaining membership of the departed room,
// snapshotted in the same critical section as the removal.
//
// Postcondition: Returns the removed identity (nil if the connection was
// absent or anonymous) and the remaining room members.
func (r *Registry) Remove(connID string) (*Identity, []Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connID]
	if !ok {
		return nil, nil
	}
	delete(r.conns, connID)
	_ = rec.entity.Close()

	if rec.identity == nil {
		return nil, nil
	}
	return rec.identity, r.membersOfLocked(rec.identity.Room)
}

// MembersOf returns a snapshot of the room's membership in join order.
//
// Postcondition: Returns a slice of members (may be empty), derived entirely
// from the registry at call time.
func (r *Registry) MembersOf(room string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersOfLocked(room)
}

// Entity returns the outbound queue for the given connection.
func (r *Registry) Entity(connID string) (*Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return rec.entity, true
}

// Entities returns the outbound queues of every joined member of the room,
// in join order, excluding excludeConnID (pass "" to exclude nobody).
func (r *Registry) Entities(room, excludeConnID string) []*Entity {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.roomRecordsLocked(room)
	entities := make([]*Entity, 0, len(recs))
	for _, rec := range recs {
		if rec.entity.ConnectionID() == excludeConnID {
			continue
		}
		entities = append(entities, rec.entity)
	}
	return entities
}

// ConnectionCount returns the number of registered connections, joined or not.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// membersOfLocked derives the join-ordered membership of a room.
// Caller must hold r.mu.
func (r *Registry) membersOfLocked(room string) []Member {
	recs := r.roomRecordsLocked(room)
	members := make([]Member, 0, len(recs))
	for _, rec := range recs {
		members = append(members, Member{
			ConnectionID: rec.entity.ConnectionID(),
			Username:     rec.identity.Username,
		})
	}
	return members
}

// roomRecordsLocked collects the joined records of a room sorted by join
// sequence. Caller must hold r.mu.
func (r *Registry) roomRecordsLocked(room string) []*record {
	var recs []*record
	for _, rec := range r.conns {
		if rec.identity != nil && rec.identity.Room == room {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].joinSeq < recs[j].joinSeq
	})
	return recs
}
