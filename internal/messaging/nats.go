// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the chat server and its external collaborators: the professional
// assignment service and any observers of pair lifecycle events.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across TalkToMe services.
const (
	SubjectAssignRequest = "assign.request"
	SubjectAssignResult  = "assign.result" // + .<identity>
	SubjectPairFormed    = "pairs.formed"
)

// AssignRequest asks the assignment service to route a user's message to a
// professional.
type AssignRequest struct {
	Identity string `json:"identity"`
	Text     string `json:"text"`
	Ts       int64  `json:"ts"`
}

// AssignResult is the assignment service's answer, published to
// assign.result.<identity>.
type AssignResult struct {
	Identity     string `json:"identity"`
	Professional string `json:"professional"`
	Message      string `json:"message"`
}

// PairFormedEvent announces a new pairing to external observers.
type PairFormedEvent struct {
	UserA string `json:"user_a"`
	UserB string `json:"user_b"`
	Ts    int64  `json:"ts"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "talktome",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup. Resubscribing to a subject
// replaces the previous subscription; the old one is unsubscribed so a
// rejoin does not deliver each message once per join.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	if old := c.swapSub(subject, sub); old != nil {
		if err := old.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe stale %s: %v", subject, err)
		}
	}

	return nil
}

// swapSub stores sub for subject and returns the subscription it replaced,
// if any.
func (c *NATSClient) swapSub(subject string, sub *nats.Subscription) *nats.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.subs[subject]
	c.subs[subject] = sub
	return old
}

// ForwardProfessional publishes an assignment request for a user's message.
// It implements the relay Forwarder interface.
func (c *NATSClient) ForwardProfessional(identity, text string) error {
	data, err := json.Marshal(AssignRequest{
		Identity: identity,
		Text:     text,
		Ts:       time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("nats: marshal assign request: %w", err)
	}
	return c.Publish(SubjectAssignRequest, data)
}

// SubscribeAssignRequest subscribes to assignment requests from chat servers.
func (c *NATSClient) SubscribeAssignRequest(handler func(data []byte)) error {
	return c.Subscribe(SubjectAssignRequest, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishAssignResult publishes an assignment result for a specific identity.
func (c *NATSClient) PublishAssignResult(identity string, data []byte) error {
	return c.Publish(SubjectAssignResult+"."+identity, data)
}

// SubscribeAssignResult subscribes to assignment results for a specific
// identity.
func (c *NATSClient) SubscribeAssignResult(identity string, handler func(data []byte)) error {
	subject := SubjectAssignResult + "." + identity
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeAssignResult unsubscribes from assignment results for an
// identity.
func (c *NATSClient) UnsubscribeAssignResult(identity string) error {
	return c.unsubscribe(SubjectAssignResult + "." + identity)
}

// PublishPairFormed announces a new pairing. It implements the pairing
// EventPublisher interface.
func (c *NATSClient) PublishPairFormed(a, b string) error {
	data, err := json.Marshal(PairFormedEvent{
		UserA: a,
		UserB: b,
		Ts:    time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("nats: marshal pair event: %w", err)
	}
	return c.Publish(SubjectPairFormed, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
