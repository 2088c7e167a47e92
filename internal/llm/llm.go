package llm

import (
	"context"
	"errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

var (
	ErrEmptyConversation = errors.New("conversation has no user message")
	ErrEmptyResponse     = errors.New("model returned no text")
)

// Provider is a chat model. Stream calls onFragment for every text delta in
// order; returning an error from onFragment aborts the stream with that error.
type Provider interface {
	Complete(ctx context.Context, msgs []Message) (string, error)
	Stream(ctx context.Context, msgs []Message, onFragment func(string) error) error
}

// Embedder maps texts to vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// split separates system instructions from the dialogue turns.
func split(msgs []Message) (system string, turns []Message) {
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}
