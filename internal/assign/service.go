// Package assign implements the professional-assignment collaborator. It
// consumes assignment requests published by chat servers and answers each
// with a professional drawn round-robin from a configured roster.
package assign

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/talktome/peerchat/internal/messaging"
)

// Bus is the messaging surface the service needs. Satisfied by
// messaging.NATSClient.
type Bus interface {
	SubscribeAssignRequest(handler func(data []byte)) error
	PublishAssignResult(identity string, data []byte) error
}

// Service assigns professionals to incoming requests.
type Service struct {
	bus    Bus
	mu     sync.Mutex
	roster []string
	next   int
}

// NewService creates an assignment service over the given roster. The roster
// must be non-empty.
func NewService(bus Bus, roster []string) (*Service, error) {
	if len(roster) == 0 {
		return nil, fmt.Errorf("assign: empty roster")
	}
	return &Service{bus: bus, roster: roster}, nil
}

// Start subscribes to assignment requests.
func (s *Service) Start() error {
	if err := s.bus.SubscribeAssignRequest(s.handleRequest); err != nil {
		return err
	}
	log.Printf("[assign] service started roster_size=%d", len(s.roster))
	return nil
}

func (s *Service) handleRequest(data []byte) {
	var req messaging.AssignRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[assign] invalid request: %v", err)
		return
	}

	professional := s.pick()
	result := messaging.AssignResult{
		Identity:     req.Identity,
		Professional: professional,
		Message:      fmt.Sprintf("%s will follow up with you shortly.", professional),
	}

	out, err := json.Marshal(result)
	if err != nil {
		log.Printf("[assign] marshal result: %v", err)
		return
	}
	if err := s.bus.PublishAssignResult(req.Identity, out); err != nil {
		log.Printf("[assign] publish result for %s: %v", req.Identity, err)
		return
	}

	log.Printf("[assign] assigned %s to %s", professional, req.Identity)
}

// pick returns the next professional in round-robin order.
func (s *Service) pick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.roster[s.next%len(s.roster)]
	s.next++
	return p
}
