// Package llm provides provider-abstracted chat clients with cached model
// listings, unified streaming and non-streaming completions, retry with
// exponential backoff, and per-provider rate limiting.
package llm

import (
	"context"
	"time"
)

// Provider identifiers for the supported backends.
const (
	ProviderOllama      = "ollama"
	ProviderOllamaCloud = "ollama-cloud"
	ProviderOpenAI      = "openai"
	ProviderDeepSeek    = "deepseek"
)

// Message represents a chat message.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// Request describes one chat completion call.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float32

	// YieldFull makes stream chunks carry the accumulated text so far
	// instead of the newly appended suffix.
	YieldFull bool
}

// Client is the interface shared by all provider backends.
//
// ChatStream returns a content channel and an error channel. The content
// channel is closed when the stream finishes; the error channel then holds
// at most one classified error. Cancelling the context stops iteration at
// the next chunk read.
type Client interface {
	Provider() string

	// ListModels returns the model catalogue, served from cache while the
	// cached listing is unexpired.
	ListModels(ctx context.Context) ([]string, error)

	// RefreshModels forces a re-fetch, replacing the cache.
	RefreshModels(ctx context.Context) ([]string, error)

	// ClearCache invalidates the cached catalogue.
	ClearCache()

	ChatComplete(ctx context.Context, req Request) (string, error)
	ChatStream(ctx context.Context, req Request) (<-chan string, <-chan error)
}

// Per-call timeout caps. The effective deadline is the shorter of these and
// any deadline already on the context (e.g. a dialogue time budget).
const (
	completeTimeout = 60 * time.Second
	streamTimeout   = 300 * time.Second

	// Model catalogue TTL.
	catalogueTTL = 30 * time.Minute
)

// SystemPrompt creates a system message.
func SystemPrompt(content string) Message {
	return Message{Role: "system", Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}
