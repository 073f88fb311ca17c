// ABOUTME: Text completion contract used to match scenarios and write replies
// ABOUTME: Providers wrap the Anthropic and OpenAI SDKs behind one small interface

package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    Role
	Content string
}

// Request is a single completion call.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int // 0 uses the provider default
}

// Provider produces text for a request.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ErrEmptyResponse is returned when the provider answers with no text.
var ErrEmptyResponse = errors.New("completion returned no text")

// Config selects and configures a provider.
type Config struct {
	Provider  string // anthropic, openai
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// New builds the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic", "":
		return NewAnthropicProvider(cfg), nil
	case "openai":
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}

// mergeTurns collapses consecutive turns of the same role and drops empty ones,
// so the history always alternates and starts with the contact.
func mergeTurns(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		if len(out) == 0 && m.Role != RoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n" + text
			continue
		}
		out = append(out, Message{Role: m.Role, Content: text})
	}
	return out
}
