// Package rag holds the client-side contracts for the retrieval-augmented
// chat collaborators. Prompt construction, embedding, and ranking live in the
// upstream service; this package only carries messages to it and keeps
// per-session conversation memory.
package rag

import "context"

// Turn is one exchange element in a conversation.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Answer is the upstream engine's reply.
type Answer struct {
	Reply   string   `json:"reply"`
	Sources []string `json:"sources,omitempty"`
}

// Engine answers a chat message given the prior conversation turns.
type Engine interface {
	Chat(ctx context.Context, history []Turn, message string) (*Answer, error)
}
