package messaging

import (
	"testing"

	"github.com/nats-io/nats.go"
)

// Resubscribing to a subject must surface the replaced subscription so it can
// be unsubscribed instead of leaking on the server.
func TestSwapSubReturnsReplacedSubscription(t *testing.T) {
	c := &NATSClient{subs: make(map[string]*nats.Subscription)}
	first := &nats.Subscription{}
	second := &nats.Subscription{}

	if old := c.swapSub("assign.result.alice", first); old != nil {
		t.Errorf("first swap should replace nothing, got %v", old)
	}
	if old := c.swapSub("assign.result.alice", second); old != first {
		t.Error("second swap should return the first subscription")
	}

	if len(c.subs) != 1 {
		t.Errorf("expected a single tracked subscription, got %d", len(c.subs))
	}
	if c.subs["assign.result.alice"] != second {
		t.Error("latest subscription should be the tracked one")
	}
}
