package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrIdentityTaken is returned when a join names an identity that is already
// bound to another live connection.
var ErrIdentityTaken = errors.New("ws: identity already bound to a live connection")

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established

	lastActive int64 // unix nanos of last client activity, updated atomically

	identityMu sync.RWMutex
	identity   string // delivery identity, set by the join handler

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read
}

// Touch records client activity now. Safe for concurrent use; read workers
// touch the connection while the heartbeat goroutine reads LastActive.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns the time of the last observed client activity.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// Identity returns the delivery identity bound to this connection, or ""
// before the client has joined.
func (c *Connection) Identity() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.identity
}

func (c *Connection) setIdentity(id string) {
	c.identityMu.Lock()
	c.identity = id
	c.identityMu.Unlock()
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection, serialized with other outbound frames by the write mutex.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs, file
// descriptors, and delivery identities to their Connection objects.
type ConnectionManager struct {
	mu         sync.RWMutex
	byID       map[string]*Connection // connection ID -> Connection
	byFd       map[int]*Connection    // fd -> Connection
	byIdentity map[string]*Connection // identity -> Connection (post-join)
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:       make(map[string]*Connection),
		byFd:       make(map[int]*Connection),
		byIdentity: make(map[string]*Connection),
	}
}

// Add registers a new connection in the ID and fd lookup maps. The fd index
// is skipped on platforms without real descriptors (non-Linux fallback).
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	if conn.Fd >= 0 {
		cm.byFd[conn.Fd] = conn
	}
	cm.mu.Unlock()
}

// BindIdentity associates a delivery identity with a connection. A rejoin on
// the same connection rebinds it; an identity held by a different live
// connection is rejected with ErrIdentityTaken.
func (cm *ConnectionManager) BindIdentity(connID, identity string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.byID[connID]
	if !ok {
		return errors.New("ws: connection not found")
	}
	if other, taken := cm.byIdentity[identity]; taken && other.ID != connID {
		return ErrIdentityTaken
	}

	// Drop the connection's previous identity binding, if any.
	if prev := conn.Identity(); prev != "" && prev != identity {
		delete(cm.byIdentity, prev)
	}
	cm.byIdentity[identity] = conn
	conn.setIdentity(identity)
	return nil
}

// Remove removes a connection by ID, closes the underlying network
// connection, and clears all three lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		if identity := conn.Identity(); identity != "" {
			// Only unbind if the identity still points at this connection;
			// a rejoin may have rebound it elsewhere.
			if cm.byIdentity[identity] == conn {
				delete(cm.byIdentity, identity)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given connection ID, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByIdentity returns the connection bound to the given identity, or nil.
func (cm *ConnectionManager) GetByIdentity(identity string) *Connection {
	cm.mu.RLock()
	conn := cm.byIdentity[identity]
	cm.mu.RUnlock()
	return conn
}

// netConnWrapper is implemented by transports that decorate the accepted
// connection (the non-Linux readiness fallback), so lookups can resolve
// against the connection that was registered.
type netConnWrapper interface {
	NetConn() net.Conn
}

// GetByConn returns the connection for the given net.Conn. On Linux the fd
// index gives an O(1) lookup; the fallback path scans by pointer identity.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	if w, ok := c.(netConnWrapper); ok {
		c = w.NetConn()
	}

	if fd := socketFD(c); fd >= 0 {
		return cm.GetByFd(fd)
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, conn := range cm.byID {
		if conn.Conn == c {
			return conn
		}
	}
	return nil
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
