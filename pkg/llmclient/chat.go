package llmclient

import "context"

// ChatRole is the speaker of one ChatMessage, mirroring the teacher's
// RoleSystem/RoleUser/RoleAssistant constants in pkg/agent/llm_client.go.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn of a chat-completion request.
type ChatMessage struct {
	Role    ChatRole
	Content string
}

// ChatRequest asks for a streamed chat completion, the RAG reader's
// call into the model after it has packed a context (spec.md §4.9).
type ChatRequest struct {
	Messages     []ChatMessage
	MaxTokens    int
	SystemPrompt string
}

// StreamEventType identifies the kind of a streamed ChatClient event,
// generalizing the teacher's ChunkType enum to the three pieces of a
// chat completion the RAG reader needs: text deltas, final usage, and
// a terminal error.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventUsage StreamEventType = "usage"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is the interface every streamed chunk type implements,
// mirroring the teacher's Chunk sum type.
type StreamEvent interface {
	streamEventType() StreamEventType
}

// TokenDelta is one incremental piece of the model's text response.
type TokenDelta struct{ Content string }

// UsageDelta reports token consumption once the stream completes.
type UsageDelta struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamError signals the provider failed mid-stream or could not be
// reached at all.
type StreamError struct {
	Message   string
	Retryable bool
}

func (TokenDelta) streamEventType() StreamEventType  { return StreamEventToken }
func (UsageDelta) streamEventType() StreamEventType  { return StreamEventUsage }
func (StreamError) streamEventType() StreamEventType { return StreamEventError }

// ChatClient is a streaming chat-completion provider, the RAG reader's
// LLM call (spec.md §4.9 step 3). The returned channel is closed once
// the stream ends, whether by completion or by error; a StreamError is
// always the last value sent on error.
type ChatClient interface {
	Stream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}
