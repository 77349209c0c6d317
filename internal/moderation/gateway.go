// Package moderation wraps the external generative completion service used to
// soften unsafe or dismissive helper messages before delivery, and to produce
// replies for the AI-companion category. Failures of the external call are
// never allowed to block delivery: callers fall back to the original text.
package moderation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/talktome/peerchat/internal/metrics"
)

// rewritePrompt is the fixed system instruction for the safety-rewrite pass.
const rewritePrompt = "You are an AI moderation assistant. " +
	"When a helper sends a message in a mental health chat, " +
	"detect if the message might be dismissive, harsh, or unsafe. " +
	"If it's fine, return it as is. If not, rewrite it " +
	"to be supportive, kind, and emotionally safe."

// replyPrompt is the system instruction for the AI-companion responder.
const replyPrompt = "You are a warm, supportive mental health companion. " +
	"Listen carefully, validate the person's feelings, and respond with " +
	"short, kind, non-judgmental messages. You are not a therapist and " +
	"never give medical advice; gently suggest professional help when the " +
	"conversation calls for it."

// rewriteTemperature balances consistency of the rewrite against naturalness.
const rewriteTemperature = 0.4

// DefaultTimeout bounds a single completion call.
const DefaultTimeout = 5 * time.Second

// RewriteRecord captures one gateway invocation for the audit trail.
type RewriteRecord struct {
	Identity  string
	Original  string
	Rewritten string
	Model     string
	Latency   time.Duration
	Failed    bool
	Reason    string
}

// AuditSink receives gateway invocation records. Implementations must be
// best-effort and must never block the caller for long.
type AuditSink interface {
	RecordRewrite(ctx context.Context, rec RewriteRecord)
}

// Gateway calls the completion service with a fixed safety-rewrite
// instruction. A nil client disables the gateway: Rewrite then passes text
// through unchanged.
type Gateway struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	sink    AuditSink
}

// NewGateway creates a moderation gateway. client may be nil to disable the
// external call (pass-through mode). sink may be nil to disable auditing.
func NewGateway(client *openai.Client, model string, timeout time.Duration, sink AuditSink) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{client: client, model: model, timeout: timeout, sink: sink}
}

// Enabled reports whether the gateway will actually call the external service.
func (g *Gateway) Enabled() bool {
	return g.client != nil
}

// Rewrite sends the helper's draft text through the safety-rewrite pass and
// returns the (possibly rewritten) text. On any failure of the external call
// it returns the original text together with the error; callers deliver the
// original (fail-open) and must not surface the error to the end user.
func (g *Gateway) Rewrite(ctx context.Context, sender, text string) (string, error) {
	if g.client == nil {
		return text, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: rewriteTemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: rewritePrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	latency := time.Since(start)
	metrics.ModerationLatency.Observe(latency.Seconds())

	if err == nil && len(resp.Choices) == 0 {
		err = fmt.Errorf("moderation: completion returned no choices")
	}
	if err != nil {
		metrics.ModerationFailures.Inc()
		log.Printf("[moderation] rewrite failed sender=%s latency=%s: %v", sender, latency.Round(time.Millisecond), err)
		g.record(RewriteRecord{
			Identity: sender,
			Original: text,
			Model:    g.model,
			Latency:  latency,
			Failed:   true,
			Reason:   err.Error(),
		})
		return text, fmt.Errorf("moderation: rewrite: %w", err)
	}

	rewritten := strings.TrimSpace(resp.Choices[0].Message.Content)
	if rewritten == "" {
		rewritten = text
	}
	g.record(RewriteRecord{
		Identity:  sender,
		Original:  text,
		Rewritten: rewritten,
		Model:     g.model,
		Latency:   latency,
	})
	return rewritten, nil
}

func (g *Gateway) record(rec RewriteRecord) {
	if g.sink == nil {
		return
	}
	// Auditing stays off the delivery path: bounded, background, best-effort.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		g.sink.RecordRewrite(ctx, rec)
	}()
}

// Responder produces AI-companion replies using the same completion service.
type Responder struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewResponder creates an AI responder. client may be nil to disable it.
func NewResponder(client *openai.Client, model string, timeout time.Duration) *Responder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Responder{client: client, model: model, timeout: timeout}
}

// Enabled reports whether the responder will produce replies.
func (r *Responder) Enabled() bool {
	return r != nil && r.client != nil
}

// Reply asks the completion service for a supportive response to the user's
// message.
func (r *Responder) Reply(ctx context.Context, text string) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("moderation: responder disabled")
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       r.model,
		Temperature: 0.7,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: replyPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("moderation: reply: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("moderation: reply returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
