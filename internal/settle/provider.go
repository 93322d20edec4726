// Package settle orchestrates the lifetime of one metered operation around
// the ledger engine: reserve before the provider is called, settle from the
// actual cost on success, release on cancellation or failure.
//
// Two shapes are covered. Image generation is a one-shot call whose cost is
// known atomically at completion, handled by TwoPhase. Chat streams for an
// unbounded time and can end three different ways (consumer finished,
// consumer aborted, upstream errored), handled by ChatSettler/MeteredStream.
package settle

import "context"

// Usage is provider-reported token consumption.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int64 { return u.PromptTokens + u.CompletionTokens }

// Message is one turn of a chat conversation.
type Message struct {
	Role    string
	Content string
}

// ChatRequest describes a streaming chat completion.
type ChatRequest struct {
	ModelID  string
	Messages []Message

	// MaxOutputTokens bounds the response length and sizes the upfront
	// reservation. Zero falls back to the orchestrator default.
	MaxOutputTokens int64
}

// ChatChunk is one streamed fragment. Providers attach Usage to the final
// chunk when they report it.
type ChatChunk struct {
	Content string
	Usage   *Usage
}

// ChatStream is the provider side of a streaming response. Recv returns
// io.EOF at the normal end of stream.
type ChatStream interface {
	Recv() (ChatChunk, error)
	Close() error
}

// ChatProvider starts streaming chat completions.
type ChatProvider interface {
	StreamChat(ctx context.Context, req ChatRequest) (ChatStream, error)
}

// ImageRequest describes an image generation.
type ImageRequest struct {
	ModelID string
	Prompt  string
	Count   int
}

// ImageResult is the provider's output. ReportedCredits is the provider
// usage converted to credits, zero when the provider reported nothing.
type ImageResult struct {
	Images          []string
	ReportedCredits int64
}

// ImageProvider performs one-shot image generations.
type ImageProvider interface {
	Generate(ctx context.Context, req ImageRequest) (ImageResult, error)
}

// Planner is an optional cheap pre-step that refines an image request
// before the main generation (prompt expansion and the like).
type Planner interface {
	Plan(ctx context.Context, req ImageRequest) (ImageRequest, error)
}

// EstimateTokens gives a rough token count for sizing chat reservations:
// ~4 chars per token plus per-message and per-request overhead.
func EstimateTokens(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		total += int64(len(m.Content))/4 + 4
	}
	return total + 3
}
