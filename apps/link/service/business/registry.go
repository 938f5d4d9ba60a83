package business

import (
	"errors"
	"hash/maphash"
	"sync"
	"sync/atomic"
)

const (
	// registryShardCount is the number of shards for each registry map.
	// Must be a power of 2 for efficient modulo operation.
	registryShardCount = 32
)

var (
	// ErrRegistryFull is returned when the connection ceiling is reached.
	ErrRegistryFull = errors.New("session registry full")
	// ErrInvalidSession is returned for empty user IDs or nil connections.
	ErrInvalidSession = errors.New("userID and connection are required")
	// ErrConnectionOwned is returned when a connection is registered under a
	// second user. A handle never belongs to two users at once.
	ErrConnectionOwned = errors.New("connection already bound to another user")
)

// userShard holds the forward map for a slice of the user-ID space.
type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]Connection // userID -> connID -> Connection
}

// ownerShard holds the reverse map for a slice of the connection-ID space.
type ownerShard struct {
	mu     sync.RWMutex
	owners map[string]string // connID -> userID
}

// SessionRegistry is the single source of truth for which logical user owns
// which live connections. It keeps a forward map (userID to connection set)
// and a reverse map (connection to owning userID); the two are mutated as a
// pair inside one user-shard critical section so they never disagree.
//
// Sharding mirrors the connection pool design: each map is split across 32
// shards selected by maphash, so connect/disconnect/lookup traffic on
// different users rarely contends. Lock ordering is always user shard then
// owner shard, and owner shards are leaf locks held one at a time.
type SessionRegistry struct {
	hashSeed maphash.Seed

	userShards  [registryShardCount]*userShard
	ownerShards [registryShardCount]*ownerShard

	// singleSession, when set, evicts a user's prior connections inside the
	// same critical section that admits the new one.
	singleSession bool

	// maxConnections caps total registered connections. 0 means unlimited.
	maxConnections int

	currentSize atomic.Int64

	hooks LifecycleHooks
}

// NewSessionRegistry creates a session registry.
// singleSession selects the one-connection-per-user policy; maxConnections
// of 0 disables the capacity ceiling.
func NewSessionRegistry(singleSession bool, maxConnections int, hooks LifecycleHooks) *SessionRegistry {
	r := &SessionRegistry{
		hashSeed:       maphash.MakeSeed(),
		singleSession:  singleSession,
		maxConnections: maxConnections,
		hooks:          hooks,
	}

	for i := range registryShardCount {
		r.userShards[i] = &userShard{users: make(map[string]map[string]Connection)}
		r.ownerShards[i] = &ownerShard{owners: make(map[string]string)}
	}

	return r
}

// userShardFor returns the forward shard for a user ID (zero-allocation).
func (r *SessionRegistry) userShardFor(userID string) *userShard {
	h := maphash.String(r.hashSeed, userID)
	return r.userShards[h&(registryShardCount-1)]
}

// ownerShardFor returns the reverse shard for a connection ID.
func (r *SessionRegistry) ownerShardFor(connID string) *ownerShard {
	h := maphash.String(r.hashSeed, connID)
	return r.ownerShards[h&(registryShardCount-1)]
}

// Register binds a connection to a user. Under single-session policy any
// prior connections of the user are closed and evicted first, inside the
// same critical section, so there is never a window with two live bindings.
// Registering the same connection for the same user twice is a no-op.
func (r *SessionRegistry) Register(userID string, conn Connection) error {
	if userID == "" || conn == nil {
		return ErrInvalidSession
	}

	// Fast-path ceiling check without locks
	if r.maxConnections > 0 && r.currentSize.Load() >= int64(r.maxConnections) {
		return ErrRegistryFull
	}

	connID := conn.ID()
	us := r.userShardFor(userID)

	var evicted []Connection

	us.mu.Lock()

	// Claim the reverse entry first: this is what makes a handle belong to
	// at most one user even when two users race to register it.
	os := r.ownerShardFor(connID)
	os.mu.Lock()
	if owner, exists := os.owners[connID]; exists {
		os.mu.Unlock()
		us.mu.Unlock()
		if owner == userID {
			return nil
		}
		return ErrConnectionOwned
	}
	os.owners[connID] = userID
	os.mu.Unlock()

	set := us.users[userID]
	if r.singleSession && len(set) > 0 {
		for oldID, old := range set {
			oos := r.ownerShardFor(oldID)
			oos.mu.Lock()
			delete(oos.owners, oldID)
			oos.mu.Unlock()
			delete(set, oldID)
			r.currentSize.Add(-1)
			evicted = append(evicted, old)
		}
	}

	if set == nil {
		set = make(map[string]Connection)
		us.users[userID] = set
	}
	set[connID] = conn
	r.currentSize.Add(1)

	us.mu.Unlock()

	// Close and notify outside the critical section.
	for _, old := range evicted {
		_ = old.Close("session replaced by newer connection")
		if r.hooks.OnDisconnected != nil {
			r.hooks.OnDisconnected(userID, old)
		}
	}

	if r.hooks.OnConnected != nil {
		r.hooks.OnConnected(userID, conn)
	}

	return nil
}

// Unregister removes a connection from the registry, reporting whether this
// call removed it. A connection that was never registered (or was already
// evicted) is a no-op, not an error: the disconnect path races with
// heartbeat eviction by design.
func (r *SessionRegistry) Unregister(conn Connection) bool {
	if conn == nil {
		return false
	}
	connID := conn.ID()

	os := r.ownerShardFor(connID)
	os.mu.RLock()
	userID, exists := os.owners[connID]
	os.mu.RUnlock()
	if !exists {
		return false
	}

	us := r.userShardFor(userID)
	us.mu.Lock()

	// Re-check under the write locks: a concurrent eviction may have won.
	os.mu.Lock()
	if current, ok := os.owners[connID]; !ok || current != userID {
		os.mu.Unlock()
		us.mu.Unlock()
		return false
	}
	delete(os.owners, connID)
	os.mu.Unlock()

	if set, ok := us.users[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(us.users, userID)
		}
		r.currentSize.Add(-1)
	}

	us.mu.Unlock()

	if r.hooks.OnDisconnected != nil {
		r.hooks.OnDisconnected(userID, conn)
	}
	return true
}

// Owner returns the user ID a connection is bound to, if any.
func (r *SessionRegistry) Owner(conn Connection) (string, bool) {
	if conn == nil {
		return "", false
	}
	os := r.ownerShardFor(conn.ID())
	os.mu.RLock()
	userID, exists := os.owners[conn.ID()]
	os.mu.RUnlock()
	return userID, exists
}

// Lookup returns the active connections currently bound to a user. An
// offline user yields an empty slice, never an error: absence is a normal,
// frequent state here.
func (r *SessionRegistry) Lookup(userID string) []Connection {
	us := r.userShardFor(userID)

	us.mu.RLock()
	set := us.users[userID]
	conns := make([]Connection, 0, len(set))
	for _, conn := range set {
		if conn.IsActive() {
			conns = append(conns, conn)
		}
	}
	us.mu.RUnlock()

	return conns
}

// IsOnline reports whether the user holds at least one active connection.
func (r *SessionRegistry) IsOnline(userID string) bool {
	us := r.userShardFor(userID)

	us.mu.RLock()
	defer us.mu.RUnlock()

	for _, conn := range us.users[userID] {
		if conn.IsActive() {
			return true
		}
	}
	return false
}

// AllConnections returns a snapshot of every registered connection for
// broadcast. The snapshot is safe to iterate while the registry mutates;
// connections that go inactive mid-iteration are the caller's to skip.
func (r *SessionRegistry) AllConnections() []Connection {
	var conns []Connection

	for i := range registryShardCount {
		shard := r.userShards[i]
		shard.mu.RLock()
		for _, set := range shard.users {
			for _, conn := range set {
				conns = append(conns, conn)
			}
		}
		shard.mu.RUnlock()
	}

	return conns
}

// ActiveConnections returns the current number of registered connections.
// Lock-free atomic read.
func (r *SessionRegistry) ActiveConnections() int {
	return int(r.currentSize.Load())
}

// Capacity returns the configured connection ceiling (0 = unlimited).
func (r *SessionRegistry) Capacity() int {
	return r.maxConnections
}

// UserCount returns the number of users holding at least one connection.
func (r *SessionRegistry) UserCount() int {
	count := 0
	for i := range registryShardCount {
		shard := r.userShards[i]
		shard.mu.RLock()
		count += len(shard.users)
		shard.mu.RUnlock()
	}
	return count
}
