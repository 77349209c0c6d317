package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/talktome/peerchat/internal/protocol"
	"github.com/talktome/peerchat/internal/registry"
)

// recordingEmitter captures emitted frames per identity.
type recordingEmitter struct {
	mu     sync.Mutex
	frames map[string][]map[string]interface{}
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{frames: make(map[string][]map[string]interface{})}
}

func (e *recordingEmitter) Emit(identity string, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	e.mu.Lock()
	e.frames[identity] = append(e.frames[identity], m)
	e.mu.Unlock()
	return nil
}

func (e *recordingEmitter) sent(identity string) []map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames[identity]
}

// upperModerator rewrites by shouting, to make moderation visible in tests.
type upperModerator struct{}

func (upperModerator) Rewrite(_ context.Context, _, text string) (string, error) {
	return "[moderated] " + text, nil
}

// brokenModerator always fails, simulating a moderation-service outage.
type brokenModerator struct{}

func (brokenModerator) Rewrite(_ context.Context, _, text string) (string, error) {
	return text, fmt.Errorf("completion service unreachable")
}

func pairedRegistry(t *testing.T, a, b string) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.Register(a, registry.CategoryHuman)
	reg.Register(b, registry.CategoryHuman)
	if _, _, ok := reg.FormPair(); !ok {
		t.Fatal("failed to form pair")
	}
	return reg
}

func TestHumanMessageDeliveredToBoth(t *testing.T) {
	reg := pairedRegistry(t, "alice", "bob")
	em := newRecordingEmitter()
	rt := NewRouter(reg, em, upperModerator{}, nil, nil)

	rt.OnMessage(context.Background(), "alice", "hello")

	for _, who := range []string{"alice", "bob"} {
		got := em.sent(who)
		if len(got) != 1 {
			t.Fatalf("%s: expected 1 frame, got %d", who, len(got))
		}
		if got[0]["type"] != protocol.TypeReceiveMessage {
			t.Errorf("%s: expected receive_message, got %v", who, got[0]["type"])
		}
		if got[0]["username"] != "alice" {
			t.Errorf("%s: expected sender alice, got %v", who, got[0]["username"])
		}
		if got[0]["message"] != "[moderated] hello" {
			t.Errorf("%s: expected moderated text, got %v", who, got[0]["message"])
		}
	}
}

func TestModerationFailOpen(t *testing.T) {
	reg := pairedRegistry(t, "alice", "bob")
	em := newRecordingEmitter()
	rt := NewRouter(reg, em, brokenModerator{}, nil, nil)

	rt.OnMessage(context.Background(), "alice", "hang in there")

	for _, who := range []string{"alice", "bob"} {
		got := em.sent(who)
		if len(got) != 1 {
			t.Fatalf("%s: expected 1 frame, got %d", who, len(got))
		}
		if got[0]["message"] != "hang in there" {
			t.Errorf("%s: fail-open should deliver original text, got %v", who, got[0]["message"])
		}
		if got[0]["type"] == protocol.TypeError {
			t.Errorf("%s: moderation failure must not surface as an error event", who)
		}
	}
}

func TestHumanWithoutPartnerGetsError(t *testing.T) {
	reg := registry.New()
	reg.Register("alice", registry.CategoryHuman) // waiting, not paired
	em := newRecordingEmitter()
	rt := NewRouter(reg, em, upperModerator{}, nil, nil)

	rt.OnMessage(context.Background(), "alice", "anyone there?")

	got := em.sent("alice")
	if len(got) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(got))
	}
	if got[0]["type"] != protocol.TypeError {
		t.Fatalf("expected error event, got %v", got[0]["type"])
	}
	if got[0]["code"] != "no_partner" {
		t.Errorf("expected code no_partner, got %v", got[0]["code"])
	}
	if reg.WaitingLen() != 1 {
		t.Error("a rejected message must not change queue state")
	}
}

func TestUnknownIdentityGetsError(t *testing.T) {
	reg := registry.New()
	em := newRecordingEmitter()
	rt := NewRouter(reg, em, nil, nil, nil)

	rt.OnMessage(context.Background(), "ghost", "hello?")

	got := em.sent("ghost")
	if len(got) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(got))
	}
	if got[0]["type"] != protocol.TypeError || got[0]["code"] != "no_session" {
		t.Errorf("expected no_session error, got %v", got[0])
	}
}

// fixedReplier returns a canned reply.
type fixedReplier struct{ reply string }

func (r fixedReplier) Reply(context.Context, string) (string, error) {
	return r.reply, nil
}

func TestAIRouteEchoesAndReplies(t *testing.T) {
	reg := registry.New()
	reg.Register("carol", registry.CategoryAI)
	em := newRecordingEmitter()
	rt := NewRouter(reg, em, nil, fixedReplier{reply: "I hear you."}, nil)

	rt.OnMessage(context.Background(), "carol", "rough day")

	got := em.sent("carol")
	if len(got) != 2 {
		t.Fatalf("expected echo + reply, got %d frames", len(got))
	}
	if got[0]["username"] != "carol" || got[0]["message"] != "rough day" {
		t.Errorf("first frame should be the echo, got %v", got[0])
	}
	if got[1]["username"] != AssistantName || got[1]["message"] != "I hear you." {
		t.Errorf("second frame should be the assistant reply, got %v", got[1])
	}
}

func TestAIRouteWithoutResponderEchoesOnly(t *testing.T) {
	reg := registry.New()
	reg.Register("carol", registry.CategoryAI)
	em := newRecordingEmitter()
	rt := NewRouter(reg, em, nil, nil, nil)

	rt.OnMessage(context.Background(), "carol", "rough day")

	got := em.sent("carol")
	if len(got) != 1 {
		t.Fatalf("expected echo only, got %d frames", len(got))
	}
	if got[0]["message"] != "rough day" {
		t.Errorf("expected verbatim echo, got %v", got[0]["message"])
	}
}

// recordingForwarder captures professional forwards.
type recordingForwarder struct {
	mu    sync.Mutex
	calls []string
}

func (f *recordingForwarder) ForwardProfessional(identity, text string) error {
	f.mu.Lock()
	f.calls = append(f.calls, identity+":"+text)
	f.mu.Unlock()
	return nil
}

func TestProfessionalRouteForwards(t *testing.T) {
	reg := registry.New()
	reg.Register("dave", registry.CategoryProfessional)
	em := newRecordingEmitter()
	fw := &recordingForwarder{}
	rt := NewRouter(reg, em, nil, nil, fw)

	rt.OnMessage(context.Background(), "dave", "need help")

	if got := em.sent("dave"); len(got) != 1 || got[0]["message"] != "need help" {
		t.Errorf("expected single echo frame, got %v", got)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(fw.calls) != 1 || fw.calls[0] != "dave:need help" {
		t.Errorf("expected 1 forward call, got %v", fw.calls)
	}
}

func TestOrderingPreservedPerSender(t *testing.T) {
	reg := pairedRegistry(t, "alice", "bob")
	em := newRecordingEmitter()
	rt := NewRouter(reg, em, nil, nil, nil)

	for i := 0; i < 10; i++ {
		rt.OnMessage(context.Background(), "alice", fmt.Sprintf("m%d", i))
	}

	got := em.sent("bob")
	if len(got) != 10 {
		t.Fatalf("expected 10 frames, got %d", len(got))
	}
	for i, frame := range got {
		want := fmt.Sprintf("m%d", i)
		if frame["message"] != want {
			t.Errorf("frame %d: expected %q, got %v", i, want, frame["message"])
		}
	}
}

func TestMessageHasNoQueueSideEffects(t *testing.T) {
	reg := pairedRegistry(t, "alice", "bob")
	reg.Register("carol", registry.CategoryHuman) // still waiting
	em := newRecordingEmitter()
	rt := NewRouter(reg, em, upperModerator{}, nil, nil)

	rt.OnMessage(context.Background(), "alice", "hi")

	if reg.WaitingLen() != 1 {
		t.Errorf("waiting queue mutated by message dispatch: %d", reg.WaitingLen())
	}
	if reg.PairedLen() != 2 {
		t.Errorf("pairing table mutated by message dispatch: %d", reg.PairedLen())
	}
}
