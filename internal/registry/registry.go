// Package registry maps authenticated users to their live WebSocket
// connections. A user may hold any number of concurrent connections
// (multi-device); the registry provides the consistent membership snapshots
// the dispatch engine needs for fan-out.
package registry

import "sync"

// Conn is the minimal connection surface the registry and dispatch engine
// need. *ws.Connection implements it; tests substitute in-memory fakes.
type Conn interface {
	// ID returns the unique connection (session) identifier.
	ID() string
	// UserID returns the authenticated user that owns this connection.
	UserID() int64
	// WriteMessage pushes one outbound frame. Implementations serialize
	// concurrent writers so each connection observes pushes in call order.
	WriteMessage(data []byte) error
}

// Registry is a thread-safe user -> live connections index. It owns no
// connection lifecycle; the transport registers on successful authentication
// and unregisters exactly once on close.
type Registry struct {
	mu    sync.RWMutex
	users map[int64]map[string]Conn // user_id -> conn_id -> conn
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		users: make(map[int64]map[string]Conn),
	}
}

// Register adds a connection under its user. Registering the same connection
// twice is a no-op, so a racing duplicate registration cannot double-count.
func (r *Registry) Register(conn Conn) {
	r.mu.Lock()
	conns, ok := r.users[conn.UserID()]
	if !ok {
		conns = make(map[string]Conn)
		r.users[conn.UserID()] = conns
	}
	conns[conn.ID()] = conn
	r.mu.Unlock()
}

// Unregister removes a connection. It returns true if the connection was
// present, false if it was already gone, so racing removers (read error,
// heartbeat timeout, shutdown) clean up at most once.
func (r *Registry) Unregister(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[conn.UserID()]
	if !ok {
		return false
	}
	if _, ok := conns[conn.ID()]; !ok {
		return false
	}
	delete(conns, conn.ID())
	if len(conns) == 0 {
		delete(r.users, conn.UserID())
	}
	return true
}

// ConnectionsOf returns a snapshot of the user's live connections. The slice
// is safe to iterate without holding any lock; a connection that disconnects
// after the snapshot simply fails its write, which callers treat as an
// isolated delivery error. Order across a user's devices is unspecified.
func (r *Registry) ConnectionsOf(userID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IsConnected reports whether the user has at least one live connection.
func (r *Registry) IsConnected(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Count returns the total number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conns := range r.users {
		n += len(conns)
	}
	return n
}

// UserCount returns the number of distinct users with at least one live
// connection.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
