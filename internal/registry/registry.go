// Package registry owns the shared in-memory state of the chat core: the
// session table (identity -> category), the FIFO waiting queue of
// Human-category users, and the symmetric pairing table. All three structures
// live behind a single mutex so that join, pair, message, and disconnect
// events observe a consistent view. The state is ephemeral and lost on
// restart.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

// Identity is an opaque handle identifying a connected participant. It is
// unique among live sessions and doubles as the delivery address for
// point-to-point messages.
type Identity = string

// Category is a participant's chosen chat mode, fixed for the session.
type Category string

const (
	CategoryAI           Category = "AI"
	CategoryHuman        Category = "Human"
	CategoryProfessional Category = "Professional"
)

// ParseCategory validates a raw category string from a join message.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryAI, CategoryHuman, CategoryProfessional:
		return Category(s), nil
	default:
		return "", fmt.Errorf("registry: unknown category %q", s)
	}
}

// JoinStatus is the outcome of a registration reported back to the client.
type JoinStatus int

const (
	// StatusWaiting means the identity was queued for a human helper.
	StatusWaiting JoinStatus = iota
	// StatusReady means the identity may start chatting immediately.
	StatusReady
)

// ErrSessionNotFound is returned when an operation references an identity
// that never joined (or has already disconnected).
var ErrSessionNotFound = errors.New("registry: session not found")

// Registry is the single synchronization boundary for session, queue, and
// pairing state. Critical sections are pure map/slice edits; callers must
// perform I/O (delivery, moderation) outside of it.
type Registry struct {
	mu       sync.Mutex
	sessions map[Identity]Category
	waiting  []Identity            // FIFO, Human-category only, no duplicates
	pairs    map[Identity]Identity // symmetric: pairs[a]==b iff pairs[b]==a
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[Identity]Category),
		pairs:    make(map[Identity]Identity),
	}
}

// Register records a session for identity with the given category and returns
// the join status to report back. Registering an identity that already has a
// session overwrites it; any queue or pairing state left by the previous
// registration is torn down first, and the orphaned partner (if any) is
// returned so the caller can notify them.
func (r *Registry) Register(id Identity, cat Category) (JoinStatus, Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Idempotent overwrite: a re-join must not leave stale queue or pairing
	// entries from the previous category behind.
	partner, hadPartner := r.teardownLocked(id)

	r.sessions[id] = cat
	if cat == CategoryHuman {
		r.enqueueLocked(id)
		return StatusWaiting, partner, hadPartner
	}
	return StatusReady, partner, hadPartner
}

// Category returns the category recorded for identity, or ErrSessionNotFound.
func (r *Registry) Category(id Identity) (Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cat, ok := r.sessions[id]
	if !ok {
		return "", ErrSessionNotFound
	}
	return cat, nil
}

// Partner returns the identity currently paired with id, if any.
func (r *Registry) Partner(id Identity) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	partner, ok := r.pairs[id]
	return partner, ok
}

// Unregister removes all state for identity: its waiting-queue entry, both
// directions of its pairing (atomically, before the caller can emit the
// partner notification), and its session entry. It is idempotent; calling it
// for an unknown identity is a no-op. The former partner is returned so the
// caller can emit partner_disconnected.
func (r *Registry) Unregister(id Identity) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	partner, hadPartner := r.teardownLocked(id)
	delete(r.sessions, id)
	return partner, hadPartner
}

// FormPair links the two oldest waiting identities into an active pair and
// returns them. It returns ok=false when fewer than two identities are
// waiting.
func (r *Registry) FormPair() (a, b Identity, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.waiting) < 2 {
		return "", "", false
	}

	a, b = r.waiting[0], r.waiting[1]
	r.waiting = r.waiting[2:]
	r.pairs[a] = b
	r.pairs[b] = a
	return a, b, true
}

// WaitingLen returns the current waiting-queue length.
func (r *Registry) WaitingLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}

// PairedLen returns the number of identities currently in a pair. It is
// always even.
func (r *Registry) PairedLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

// enqueueLocked appends id to the waiting queue unless it is already present.
// Caller must hold r.mu.
func (r *Registry) enqueueLocked(id Identity) {
	for _, w := range r.waiting {
		if w == id {
			return
		}
	}
	r.waiting = append(r.waiting, id)
}

// teardownLocked removes id from the waiting queue and unlinks both pairing
// directions. Caller must hold r.mu. Returns the former partner, if any.
func (r *Registry) teardownLocked(id Identity) (Identity, bool) {
	for i, w := range r.waiting {
		if w == id {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			break
		}
	}

	partner, ok := r.pairs[id]
	if ok {
		delete(r.pairs, id)
		delete(r.pairs, partner)
	}
	return partner, ok
}
