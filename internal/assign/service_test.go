package assign

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/talktome/peerchat/internal/messaging"
)

// fakeBus captures published results and exposes the request handler for
// direct invocation.
type fakeBus struct {
	mu      sync.Mutex
	handler func(data []byte)
	results map[string][]messaging.AssignResult
}

func newFakeBus() *fakeBus {
	return &fakeBus{results: make(map[string][]messaging.AssignResult)}
}

func (b *fakeBus) SubscribeAssignRequest(handler func(data []byte)) error {
	b.handler = handler
	return nil
}

func (b *fakeBus) PublishAssignResult(identity string, data []byte) error {
	var res messaging.AssignResult
	if err := json.Unmarshal(data, &res); err != nil {
		return err
	}
	b.mu.Lock()
	b.results[identity] = append(b.results[identity], res)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) request(t *testing.T, identity, text string) {
	t.Helper()
	data, err := json.Marshal(messaging.AssignRequest{Identity: identity, Text: text})
	if err != nil {
		t.Fatal(err)
	}
	b.handler(data)
}

func TestEmptyRosterRejected(t *testing.T) {
	if _, err := NewService(newFakeBus(), nil); err == nil {
		t.Fatal("empty roster should be rejected")
	}
}

func TestRoundRobinAssignment(t *testing.T) {
	bus := newFakeBus()
	svc, err := NewService(bus, []string{"Dr. Kim", "Dr. Reyes"})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}

	bus.request(t, "u1", "hello")
	bus.request(t, "u2", "hello")
	bus.request(t, "u3", "hello")

	want := map[string]string{
		"u1": "Dr. Kim",
		"u2": "Dr. Reyes",
		"u3": "Dr. Kim", // wraps around
	}
	for identity, professional := range want {
		got := bus.results[identity]
		if len(got) != 1 {
			t.Fatalf("%s: expected 1 result, got %d", identity, len(got))
		}
		if got[0].Professional != professional {
			t.Errorf("%s: expected %s, got %s", identity, professional, got[0].Professional)
		}
		if got[0].Message == "" {
			t.Errorf("%s: result message should not be empty", identity)
		}
	}
}

func TestMalformedRequestIgnored(t *testing.T) {
	bus := newFakeBus()
	svc, _ := NewService(bus, []string{"Dr. Kim"})
	svc.Start()

	bus.handler([]byte("{not json"))

	if len(bus.results) != 0 {
		t.Errorf("malformed request should produce no result, got %v", bus.results)
	}
}
