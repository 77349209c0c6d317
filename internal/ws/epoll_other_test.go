//go:build !linux

package ws

import (
	"bytes"
	"io"
	"net"
	"testing"
)

// The readiness peek consumes a byte from the raw connection; Read must
// replay it so the frame stream reaches the parser intact.
func TestMonitoredConnReplaysPeekedByte(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	mc := &monitoredConn{Conn: server}

	payload := []byte{0x81, 0x05, 'h', 'e', 'l', 'l', 'o'}
	go func() {
		client.Write(payload)
	}()

	if err := mc.peek(); err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if mc.drained() {
		t.Fatal("peek should stash the consumed byte")
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(mc, got); err != nil {
		t.Fatalf("read after peek failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("stream corrupted by peek: got % x, want % x", got, payload)
	}
	if !mc.drained() {
		t.Error("stash should be drained after the read")
	}
}

// A second peek while the stash is pending must not consume another byte.
func TestPeekWithPendingStashIsANoOp(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	mc := &monitoredConn{Conn: server}

	go func() {
		client.Write([]byte{0xAA, 0xBB})
	}()

	if err := mc.peek(); err != nil {
		t.Fatalf("first peek failed: %v", err)
	}
	if err := mc.peek(); err != nil {
		t.Fatalf("second peek failed: %v", err)
	}

	got := make([]byte, 2)
	if _, err := io.ReadFull(mc, got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, []byte{0xAA, 0xBB}) {
		t.Errorf("expected both bytes in order, got % x", got)
	}
}
