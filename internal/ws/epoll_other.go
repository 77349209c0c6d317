//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// On Linux it is replaced by the real epoll implementation; this fallback
// lets developers on macOS/Windows run the server without the epoll
// optimization.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*monitoredConn
	readyCh chan net.Conn // receives connections with pending data
	done    chan struct{}
}

// monitoredConn wraps an accepted connection for the readiness fallback. The
// monitor goroutine peeks one byte from the underlying connection to detect
// readiness; that byte is stashed and replayed by Read so the frame stream
// stays intact. All reads of the underlying connection are serialized by
// readMu, which keeps the peek and the server's frame reads from
// interleaving.
type monitoredConn struct {
	net.Conn

	readMu sync.Mutex // serializes reads of the underlying connection

	stashMu sync.Mutex
	stash   []byte // peeked bytes, replayed before the next raw read
}

// Read replays stashed peek bytes first, then delegates to the underlying
// connection.
func (m *monitoredConn) Read(p []byte) (int, error) {
	m.readMu.Lock()
	defer m.readMu.Unlock()

	m.stashMu.Lock()
	if len(m.stash) > 0 {
		n := copy(p, m.stash)
		m.stash = m.stash[n:]
		m.stashMu.Unlock()
		return n, nil
	}
	m.stashMu.Unlock()

	return m.Conn.Read(p)
}

// peek blocks until a byte arrives on the underlying connection and stashes
// it for replay. If stashed data is already pending, the connection is ready
// without reading anything.
func (m *monitoredConn) peek() error {
	m.readMu.Lock()
	defer m.readMu.Unlock()

	m.stashMu.Lock()
	pending := len(m.stash) > 0
	m.stashMu.Unlock()
	if pending {
		return nil
	}

	var b [1]byte
	if _, err := m.Conn.Read(b[:]); err != nil {
		return err
	}

	m.stashMu.Lock()
	m.stash = append(m.stash, b[0])
	m.stashMu.Unlock()
	return nil
}

// drained reports whether the server has consumed the stashed peek bytes.
func (m *monitoredConn) drained() bool {
	m.stashMu.Lock()
	defer m.stashMu.Unlock()
	return len(m.stash) == 0
}

// NetConn returns the wrapped connection, letting the connection manager
// resolve lookups against the connection it registered.
func (m *monitoredConn) NetConn() net.Conn {
	return m.Conn
}

// NewEpoll creates a new fallback epoll instance that uses goroutines to
// monitor each connection for incoming data.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*monitoredConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection by spawning a goroutine that peeks it for
// incoming data. Ready connections are sent to the ready channel (wrapped, so
// the peeked byte is replayed to the reader) for processing by Wait.
func (e *Epoll) Add(conn net.Conn) error {
	mc := &monitoredConn{Conn: conn}

	e.mu.Lock()
	e.conns[conn] = mc
	e.mu.Unlock()

	go e.monitor(mc)
	return nil
}

// monitor signals readiness whenever data is available, waiting between
// peeks for the server to drain the stashed byte.
func (e *Epoll) monitor(mc *monitoredConn) {
	for {
		if err := mc.peek(); err != nil {
			// Connection closed or errored; signal readiness so the server's
			// read path can detect the closure.
			select {
			case e.readyCh <- mc:
			case <-e.done:
			}
			return
		}

		select {
		case e.readyCh <- mc:
		case <-e.done:
			return
		}

		for !mc.drained() {
			select {
			case <-e.done:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading, then
// drains any additional ready connections without blocking.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD is a no-op on non-Linux platforms since the goroutine-based
// fallback does not use file descriptors.
func socketFD(conn net.Conn) int {
	return -1
}
