package realtime

import (
	"hash/fnv"
	"sync"
)

const registryShards = 32

// Conn is a live client connection as seen by the hub.
type Conn interface {
	// Handle identifies the connection for its whole lifetime.
	Handle() string
	// Credential returns the credential the connection authenticated with.
	Credential() string
	// Send queues an event without blocking and reports whether it was accepted.
	Send(event Event) bool
	// Close terminates the connection.
	Close()
}

type binding struct {
	userID string
	conn   Conn
}

type identityShard struct {
	mu       sync.RWMutex
	bindings map[string]binding
}

type roomShard struct {
	mu      sync.RWMutex
	members map[string]map[string]Conn
}

// Registry maps connection handles to identities and rooms to their member
// connections. Locks are scoped to the shard owning a handle or room; a handle's
// identity shard is always locked before any room shard.
type Registry struct {
	identities [registryShards]identityShard
	rooms      [registryShards]roomShard
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.identities {
		r.identities[i].bindings = make(map[string]binding)
		r.rooms[i].members = make(map[string]map[string]Conn)
	}
	return r
}

func shardIndex(key string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32() % registryShards)
}

// Bind records the identity of conn and joins it to the user's room. Rebinding
// a handle to another user first leaves the previous room. It reports whether
// the handle was previously unbound.
func (r *Registry) Bind(conn Conn, userID string) bool {
	handle := conn.Handle()
	identities := &r.identities[shardIndex(handle)]
	identities.mu.Lock()
	defer identities.mu.Unlock()

	previous, existed := identities.bindings[handle]
	if existed && previous.userID != userID {
		r.leave(RoomFor(previous.userID), handle)
	}
	identities.bindings[handle] = binding{userID: userID, conn: conn}
	r.join(RoomFor(userID), conn)
	return !existed
}

// Unbind removes the connection from the identity map and its room. It returns
// the user the handle was bound to.
func (r *Registry) Unbind(handle string) (string, bool) {
	identities := &r.identities[shardIndex(handle)]
	identities.mu.Lock()
	defer identities.mu.Unlock()

	previous, ok := identities.bindings[handle]
	if !ok {
		return "", false
	}
	delete(identities.bindings, handle)
	r.leave(RoomFor(previous.userID), handle)
	return previous.userID, true
}

// Identity returns the user bound to a handle.
func (r *Registry) Identity(handle string) (string, bool) {
	identities := &r.identities[shardIndex(handle)]
	identities.mu.RLock()
	defer identities.mu.RUnlock()
	current, ok := identities.bindings[handle]
	return current.userID, ok
}

// Members snapshots the connections of a room.
func (r *Registry) Members(room string) []Conn {
	shard := &r.rooms[shardIndex(room)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	members := shard.members[room]
	if len(members) == 0 {
		return nil
	}
	copies := make([]Conn, 0, len(members))
	for _, conn := range members {
		copies = append(copies, conn)
	}
	return copies
}

// Count returns the number of live connections of a user.
func (r *Registry) Count(userID string) int {
	room := RoomFor(userID)
	shard := &r.rooms[shardIndex(room)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return len(shard.members[room])
}

// Reset drops every binding, as after a process restart. Rooms are emptied too.
func (r *Registry) Reset() {
	for i := range r.identities {
		shard := &r.identities[i]
		shard.mu.Lock()
		for handle, current := range shard.bindings {
			r.leave(RoomFor(current.userID), handle)
		}
		shard.bindings = make(map[string]binding)
		shard.mu.Unlock()
	}
}

func (r *Registry) join(room string, conn Conn) {
	shard := &r.rooms[shardIndex(room)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.members[room]; !ok {
		shard.members[room] = make(map[string]Conn)
	}
	shard.members[room][conn.Handle()] = conn
}

func (r *Registry) leave(room, handle string) {
	shard := &r.rooms[shardIndex(room)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	members := shard.members[room]
	if members == nil {
		return
	}
	delete(members, handle)
	if len(members) == 0 {
		delete(shard.members, room)
	}
}
