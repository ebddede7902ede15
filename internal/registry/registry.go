package registry

import "sync"

// Role distinguishes the two sides of a ride.
type Role string

const (
	RoleDriver   Role = "driver"
	RoleCustomer Role = "customer"
)

// Conn is a live bidirectional connection bound to one identity.
type Conn interface {
	Send(v any) error
	Close() error
}

type entry struct {
	role Role
	conn Conn
}

// Registry maps driver/customer identity to their live connection. It
// is the single source of truth for reachability. At most one
// connection per identity: a new registration replaces and closes the
// old one. Only connection open/close mutates the registry; business
// components just read it.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]entry
}

func New() *Registry {
	return &Registry{conns: make(map[string]entry)}
}

// Register binds conn to id, closing any connection it displaces.
func (r *Registry) Register(id string, role Role, conn Conn) {
	r.mu.Lock()
	old, had := r.conns[id]
	r.conns[id] = entry{role: role, conn: conn}
	r.mu.Unlock()
	if had && old.conn != conn {
		_ = old.conn.Close()
	}
}

// Unregister removes the mapping only if conn is still the current one,
// so a replaced connection's teardown cannot evict its successor. The
// return value tells the caller whether the identity actually went
// offline; a displaced connection's teardown must not trigger
// disconnect side-effects for the live successor.
func (r *Registry) Unregister(id string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[id]; ok && cur.conn == conn {
		delete(r.conns, id)
		return true
	}
	return false
}

func (r *Registry) Lookup(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) Role(id string) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return "", false
	}
	return e.role, true
}

// Len reports the number of live connections, for metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
