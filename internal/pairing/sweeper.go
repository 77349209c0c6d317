// Package pairing implements the pairing-formation policy. The original
// system queued waiting users but never formed pairs; this sweeper closes
// that gap with a periodic sweep that links waiting users two at a time in
// FIFO order and notifies both parties.
package pairing

import (
	"context"
	"log"
	"time"

	"github.com/talktome/peerchat/internal/metrics"
	"github.com/talktome/peerchat/internal/protocol"
	"github.com/talktome/peerchat/internal/registry"
)

// DefaultSweepInterval is how often the sweeper drains the waiting queue.
const DefaultSweepInterval = 2 * time.Second

// Emitter delivers an encoded server message to a single identity.
type Emitter interface {
	Emit(identity string, data []byte) error
}

// EventPublisher receives pair-formed events for external observers. May be
// absent.
type EventPublisher interface {
	PublishPairFormed(a, b string) error
}

// Sweeper periodically drains the waiting queue two at a time.
type Sweeper struct {
	reg      *registry.Registry
	emit     Emitter
	events   EventPublisher
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSweeper creates a pairing sweeper. events may be nil.
func NewSweeper(reg *registry.Registry, emit Emitter, events EventPublisher, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		reg:      reg,
		emit:     emit,
		events:   events,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start() {
	go s.loop()
	log.Printf("[pairing] sweeper started interval=%s", s.interval)
}

// Stop terminates the sweep loop.
func (s *Sweeper) Stop() {
	s.cancel()
	log.Println("[pairing] sweeper stopped")
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep forms as many pairs as the waiting queue allows and notifies both
// parties of each. It is exported so tests and administrative triggers can
// run a sweep on demand.
func (s *Sweeper) Sweep() int {
	formed := 0
	for {
		a, b, ok := s.reg.FormPair()
		if !ok {
			break
		}
		formed++
		metrics.PairsFormedTotal.Inc()
		log.Printf("[pairing] paired %s <-> %s", a, b)

		s.notify(a, b)
		s.notify(b, a)

		if s.events != nil {
			if err := s.events.PublishPairFormed(a, b); err != nil {
				log.Printf("[pairing] publish pair event: %v", err)
			}
		}
	}

	metrics.WaitingQueueSize.Set(float64(s.reg.WaitingLen()))
	metrics.ActivePairs.Set(float64(s.reg.PairedLen()))
	return formed
}

// notify sends a paired event to identity naming its new partner.
func (s *Sweeper) notify(identity, partner string) {
	data, err := protocol.NewServerMessage(protocol.TypePaired, protocol.PairedMsg{
		Partner: partner,
		Message: "You have been paired with a helper.",
	})
	if err != nil {
		log.Printf("[pairing] build paired message for %s: %v", identity, err)
		return
	}
	if err := s.emit.Emit(identity, data); err != nil {
		log.Printf("[pairing] notify %s failed: %v", identity, err)
	}
}
