package registry

import (
	"fmt"
	"testing"
)

func TestParseCategory(t *testing.T) {
	for _, valid := range []string{"AI", "Human", "Professional"} {
		if _, err := ParseCategory(valid); err != nil {
			t.Errorf("ParseCategory(%q) returned error: %v", valid, err)
		}
	}

	for _, invalid := range []string{"", "human", "Robot", "ai "} {
		if _, err := ParseCategory(invalid); err == nil {
			t.Errorf("ParseCategory(%q) should have failed", invalid)
		}
	}
}

func TestRegisterHumanWaits(t *testing.T) {
	r := New()

	status, _, hadPartner := r.Register("alice", CategoryHuman)
	if status != StatusWaiting {
		t.Errorf("expected StatusWaiting, got %v", status)
	}
	if hadPartner {
		t.Error("fresh registration should not report an orphaned partner")
	}
	if r.WaitingLen() != 1 {
		t.Errorf("expected 1 waiting, got %d", r.WaitingLen())
	}
}

func TestRegisterNonHumanReady(t *testing.T) {
	r := New()

	for _, cat := range []Category{CategoryAI, CategoryProfessional} {
		status, _, _ := r.Register("user-"+string(cat), cat)
		if status != StatusReady {
			t.Errorf("category %s: expected StatusReady, got %v", cat, status)
		}
	}
	if r.WaitingLen() != 0 {
		t.Errorf("non-Human categories must not be queued, got %d waiting", r.WaitingLen())
	}
}

func TestRegisterTwiceQueuesOnce(t *testing.T) {
	r := New()

	r.Register("alice", CategoryHuman)
	r.Register("alice", CategoryHuman)

	if r.WaitingLen() != 1 {
		t.Errorf("identity should appear at most once in the queue, got %d", r.WaitingLen())
	}
}

func TestCategoryLookup(t *testing.T) {
	r := New()
	r.Register("alice", CategoryAI)

	cat, err := r.Category("alice")
	if err != nil {
		t.Fatalf("Category returned error: %v", err)
	}
	if cat != CategoryAI {
		t.Errorf("expected AI, got %s", cat)
	}

	if _, err := r.Category("nobody"); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestFormPairFIFO(t *testing.T) {
	r := New()
	r.Register("a", CategoryHuman)
	r.Register("b", CategoryHuman)
	r.Register("c", CategoryHuman)

	a, b, ok := r.FormPair()
	if !ok {
		t.Fatal("FormPair should succeed with 3 waiting")
	}
	if a != "a" || b != "b" {
		t.Errorf("expected oldest two (a, b), got (%s, %s)", a, b)
	}
	if r.WaitingLen() != 1 {
		t.Errorf("expected 1 still waiting, got %d", r.WaitingLen())
	}

	if _, _, ok := r.FormPair(); ok {
		t.Error("FormPair should fail with a single waiting identity")
	}
}

func TestPairingSymmetry(t *testing.T) {
	r := New()
	r.Register("a", CategoryHuman)
	r.Register("b", CategoryHuman)
	r.FormPair()

	pa, ok := r.Partner("a")
	if !ok || pa != "b" {
		t.Errorf("Partner(a) = (%s, %v), want (b, true)", pa, ok)
	}
	pb, ok := r.Partner("b")
	if !ok || pb != "a" {
		t.Errorf("Partner(b) = (%s, %v), want (a, true)", pb, ok)
	}
	if r.PairedLen()%2 != 0 {
		t.Errorf("pairing table cardinality must be even, got %d", r.PairedLen())
	}
}

func TestUnregisterWhilePaired(t *testing.T) {
	r := New()
	r.Register("a", CategoryHuman)
	r.Register("b", CategoryHuman)
	r.FormPair()

	partner, hadPartner := r.Unregister("a")
	if !hadPartner || partner != "b" {
		t.Fatalf("Unregister(a) = (%s, %v), want (b, true)", partner, hadPartner)
	}

	// Both directions must be gone before Unregister returns.
	if _, ok := r.Partner("a"); ok {
		t.Error("a should no longer have a partner")
	}
	if _, ok := r.Partner("b"); ok {
		t.Error("b should no longer have a partner")
	}
	if _, err := r.Category("a"); err != ErrSessionNotFound {
		t.Error("session for a should be removed")
	}
}

func TestUnregisterWhileWaiting(t *testing.T) {
	r := New()
	r.Register("a", CategoryHuman)

	partner, hadPartner := r.Unregister("a")
	if hadPartner || partner != "" {
		t.Errorf("waiting identity has no partner, got (%s, %v)", partner, hadPartner)
	}
	if r.WaitingLen() != 0 {
		t.Errorf("queue entry should be removed, got %d waiting", r.WaitingLen())
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r := New()
	r.Register("a", CategoryHuman)

	r.Unregister("a")
	partner, hadPartner := r.Unregister("a")
	if hadPartner || partner != "" {
		t.Error("second Unregister should be a no-op")
	}

	// Unknown identity is also a no-op.
	if _, had := r.Unregister("ghost"); had {
		t.Error("Unregister of unknown identity should report no partner")
	}
}

func TestRejoinCleansUpPriorState(t *testing.T) {
	r := New()
	r.Register("a", CategoryHuman)
	r.Register("b", CategoryHuman)
	r.FormPair()

	// a re-joins in a different category: the old pairing must be torn down
	// and b surfaced for notification.
	status, partner, hadPartner := r.Register("a", CategoryAI)
	if status != StatusReady {
		t.Errorf("expected StatusReady after AI re-join, got %v", status)
	}
	if !hadPartner || partner != "b" {
		t.Errorf("re-join should orphan b, got (%s, %v)", partner, hadPartner)
	}
	if _, ok := r.Partner("b"); ok {
		t.Error("b must not remain paired with a stale identity")
	}

	// Human re-join while waiting must not duplicate the queue entry.
	r.Register("c", CategoryHuman)
	r.Register("c", CategoryHuman)
	if r.WaitingLen() != 1 {
		t.Errorf("expected 1 waiting after re-join, got %d", r.WaitingLen())
	}
}

// TestQueuePairExclusive drives a mixed event sequence and checks the
// queued-XOR-paired invariant at every step.
func TestQueuePairExclusive(t *testing.T) {
	r := New()

	check := func(step string) {
		t.Helper()
		// An identity in the queue must not be in the pairing table, and the
		// pairing table must stay symmetric with even cardinality.
		r.mu.Lock()
		for _, w := range r.waiting {
			if _, ok := r.pairs[w]; ok {
				t.Errorf("%s: identity %s is both waiting and paired", step, w)
			}
		}
		if len(r.pairs)%2 != 0 {
			t.Errorf("%s: odd pairing table cardinality %d", step, len(r.pairs))
		}
		for a, b := range r.pairs {
			if r.pairs[b] != a {
				t.Errorf("%s: pairing not symmetric for %s<->%s", step, a, b)
			}
		}
		r.mu.Unlock()
	}

	for i := 0; i < 6; i++ {
		r.Register(fmt.Sprintf("u%d", i), CategoryHuman)
		check("register")
	}
	r.FormPair()
	check("pair-1")
	r.FormPair()
	check("pair-2")
	r.Unregister("u0")
	check("unregister-paired")
	r.Unregister("u4")
	check("unregister-waiting")
	r.Register("u1", CategoryHuman)
	check("rejoin")
}
