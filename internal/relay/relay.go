// Package relay dispatches inbound chat messages. It resolves the sender's
// category and partner through the registry, runs helper messages through the
// moderation rewrite (outside any registry lock), and emits the resulting
// delivery events. Routing is polymorphic per category: Human messages are
// relayed to the paired partner, AI messages go to the completion-based
// responder, Professional messages are forwarded to the external assignment
// service.
package relay

import (
	"context"
	"log"
	"time"

	"github.com/talktome/peerchat/internal/metrics"
	"github.com/talktome/peerchat/internal/protocol"
	"github.com/talktome/peerchat/internal/registry"
)

// AssistantName is the identity AI-companion replies are delivered under.
const AssistantName = "TalkToMe AI"

// Emitter delivers an encoded server message to the channel of a single
// identity. Implemented by the WebSocket server.
type Emitter interface {
	Emit(identity string, data []byte) error
}

// Moderator rewrites a helper's draft text. Implementations return the
// original text alongside any error so the caller can always deliver
// something; the relay treats an error as "use the original" (fail-open).
type Moderator interface {
	Rewrite(ctx context.Context, sender, text string) (string, error)
}

// Replier produces AI-companion responses.
type Replier interface {
	Reply(ctx context.Context, text string) (string, error)
}

// Forwarder hands Professional-category messages to the external assignment
// service.
type Forwarder interface {
	ForwardProfessional(identity, text string) error
}

// Router is the relay dispatcher. Any of mod, ai, and forward may be nil;
// the corresponding route then degrades to a plain echo.
type Router struct {
	reg     *registry.Registry
	emit    Emitter
	mod     Moderator
	ai      Replier
	forward Forwarder
}

// NewRouter creates a relay router over the given registry and emitter.
func NewRouter(reg *registry.Registry, emit Emitter, mod Moderator, ai Replier, forward Forwarder) *Router {
	return &Router{reg: reg, emit: emit, mod: mod, ai: ai, forward: forward}
}

// OnMessage dispatches one inbound message from identity. It emits one or two
// delivery events (or a single error event) and never mutates queue or
// pairing state.
func (rt *Router) OnMessage(ctx context.Context, identity, text string) {
	cat, err := rt.reg.Category(identity)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		rt.sendError(identity, "no_session", "join before sending messages")
		return
	}

	switch cat {
	case registry.CategoryHuman:
		rt.routeHuman(ctx, identity, text)
	case registry.CategoryAI:
		rt.routeAI(ctx, identity, text)
	case registry.CategoryProfessional:
		rt.routeProfessional(identity, text)
	}
}

// routeHuman relays a helper message to the paired partner after the
// moderation rewrite. The rewrite runs on the caller's goroutine with no
// registry lock held, so a slow moderation call cannot stall joins or
// disconnects.
func (rt *Router) routeHuman(ctx context.Context, identity, text string) {
	partner, ok := rt.reg.Partner(identity)
	if !ok {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		rt.sendError(identity, "no_partner", "No partner found")
		return
	}

	delivered := text
	if rt.mod != nil {
		rewritten, err := rt.mod.Rewrite(ctx, identity, text)
		if err != nil {
			// Fail-open: the moderation outage is logged and counted by the
			// gateway; delivery proceeds with the original text.
			delivered = text
		} else {
			delivered = rewritten
		}
	}

	rt.deliver(identity, identity, delivered)
	// The partner may have disconnected during the rewrite; its pairing entry
	// is already gone then and the emit fails without side effects.
	rt.deliver(partner, identity, delivered)
	metrics.MessagesTotal.WithLabelValues(string(registry.CategoryHuman)).Inc()
}

// routeAI echoes the message back and asks the completion responder for a
// supportive reply. Without a responder the route is a plain echo, matching
// the original placeholder behavior.
func (rt *Router) routeAI(ctx context.Context, identity, text string) {
	rt.deliver(identity, identity, text)
	metrics.MessagesTotal.WithLabelValues(string(registry.CategoryAI)).Inc()

	if rt.ai == nil {
		return
	}
	reply, err := rt.ai.Reply(ctx, text)
	if err != nil {
		log.Printf("[relay] ai reply failed identity=%s: %v", identity, err)
		return
	}
	rt.deliver(identity, AssistantName, reply)
}

// routeProfessional echoes the message back and forwards it to the external
// assignment service. Forwarding is fire-and-forget: a broken collaborator
// must not break the user's channel.
func (rt *Router) routeProfessional(identity, text string) {
	rt.deliver(identity, identity, text)
	metrics.MessagesTotal.WithLabelValues(string(registry.CategoryProfessional)).Inc()

	if rt.forward == nil {
		return
	}
	if err := rt.forward.ForwardProfessional(identity, text); err != nil {
		log.Printf("[relay] professional forward failed identity=%s: %v", identity, err)
	}
}

// deliver emits a receive_message event to the given recipient.
func (rt *Router) deliver(to, from, text string) {
	data, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		Username: from,
		Message:  text,
		Ts:       time.Now().Unix(),
	})
	if err != nil {
		log.Printf("[relay] build receive_message for %s: %v", to, err)
		return
	}
	if err := rt.emit.Emit(to, data); err != nil {
		log.Printf("[relay] emit to %s failed: %v", to, err)
	}
}

// sendError emits a protocol-level error event to the sender only.
func (rt *Router) sendError(to, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("[relay] build error message for %s: %v", to, err)
		return
	}
	if err := rt.emit.Emit(to, data); err != nil {
		log.Printf("[relay] emit error to %s failed: %v", to, err)
	}
}
