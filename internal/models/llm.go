package models

// CompletionRequest is the provider-neutral input of a model call. Messages start with the system
// prompt and end with the new user message.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the result of a blocking model call.
type Completion struct {
	Content string
	Model   string
	Usage
}

// CompletionChunk is one element of a streamed model call. Usage is only set on the chunk that
// reports it, usually the last one.
type CompletionChunk struct {
	Delta string
	Usage *Usage
}
