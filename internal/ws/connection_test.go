package ws

import (
	"net"
	"testing"
	"time"
)

func newTestConn(t *testing.T, id string) *Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	c := &Connection{
		ID:        id,
		Conn:      server,
		Fd:        -1,
		CreatedAt: time.Now(),
	}
	c.Touch()
	return c
}

func TestTouchVisibleToConcurrentReaders(t *testing.T) {
	c := newTestConn(t, "conn-1")
	before := c.LastActive()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			c.Touch()
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		if c.LastActive().IsZero() {
			t.Fatal("LastActive should never read as zero after Touch")
		}
	}
	<-done

	if c.LastActive().Before(before) {
		t.Error("LastActive should not move backwards")
	}
}

func TestBindIdentity(t *testing.T) {
	cm := NewConnectionManager()
	c := newTestConn(t, "conn-1")
	cm.Add(c)

	if err := cm.BindIdentity("conn-1", "alice"); err != nil {
		t.Fatalf("BindIdentity failed: %v", err)
	}
	if got := cm.GetByIdentity("alice"); got != c {
		t.Error("GetByIdentity should return the bound connection")
	}
	if c.Identity() != "alice" {
		t.Errorf("connection identity = %q, want alice", c.Identity())
	}
}

func TestBindIdentityCollision(t *testing.T) {
	cm := NewConnectionManager()
	c1 := newTestConn(t, "conn-1")
	c2 := newTestConn(t, "conn-2")
	cm.Add(c1)
	cm.Add(c2)

	if err := cm.BindIdentity("conn-1", "alice"); err != nil {
		t.Fatalf("first bind failed: %v", err)
	}
	if err := cm.BindIdentity("conn-2", "alice"); err != ErrIdentityTaken {
		t.Errorf("expected ErrIdentityTaken, got %v", err)
	}

	// Same connection rebinding the same identity is fine.
	if err := cm.BindIdentity("conn-1", "alice"); err != nil {
		t.Errorf("rebind on same connection should succeed: %v", err)
	}
}

func TestRebindReplacesOldIdentity(t *testing.T) {
	cm := NewConnectionManager()
	c := newTestConn(t, "conn-1")
	cm.Add(c)

	cm.BindIdentity("conn-1", "alice")
	if err := cm.BindIdentity("conn-1", "alice2"); err != nil {
		t.Fatalf("rebind failed: %v", err)
	}

	if cm.GetByIdentity("alice") != nil {
		t.Error("old identity binding should be released")
	}
	if cm.GetByIdentity("alice2") != c {
		t.Error("new identity binding should resolve")
	}
}

func TestRemoveClearsIdentity(t *testing.T) {
	cm := NewConnectionManager()
	c := newTestConn(t, "conn-1")
	cm.Add(c)
	cm.BindIdentity("conn-1", "alice")

	if !cm.Remove("conn-1") {
		t.Fatal("Remove should report true for a live connection")
	}
	if cm.Remove("conn-1") {
		t.Error("second Remove should report false")
	}
	if cm.GetByIdentity("alice") != nil {
		t.Error("identity binding should be cleared on remove")
	}
	if cm.Count() != 0 {
		t.Errorf("expected 0 connections, got %d", cm.Count())
	}
}

func TestGetByConnFallbackScan(t *testing.T) {
	cm := NewConnectionManager()
	c := newTestConn(t, "conn-1")
	cm.Add(c)

	if got := cm.GetByConn(c.Conn); got != c {
		t.Error("GetByConn should find the connection via pointer scan")
	}
}

type testWrapper struct {
	net.Conn
}

func (w testWrapper) NetConn() net.Conn { return w.Conn }

func TestGetByConnUnwrapsWrappedConn(t *testing.T) {
	cm := NewConnectionManager()
	c := newTestConn(t, "conn-1")
	cm.Add(c)

	if got := cm.GetByConn(testWrapper{Conn: c.Conn}); got != c {
		t.Error("GetByConn should resolve a wrapped connection to its registration")
	}
}
