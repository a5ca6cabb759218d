package core

import "context"

// ThinkingConfig enables the optional extended reasoning feature on models
// that support it. When the upstream rejects the feature for the requested
// model the retry policy reissues the call once with Thinking removed.
type ThinkingConfig struct {
	BudgetTokens int64 `json:"budget_tokens,omitempty"`
}

// Usage captures token accounting for a completed exchange.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// QueryRequest is the normalized upstream input: the resolved model
// identifier, the full conversation (history plus the new user turn) and
// optional feature toggles.
type QueryRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Thinking *ThinkingConfig `json:"thinking,omitempty"`
	Offset   int             `json:"offset,omitempty"` // resume a disconnected stream from this fragment index
}

// QueryResult is a completed non-streamed exchange.
type QueryResult struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage *Usage `json:"usage,omitempty"`
}

// Fragment is one incremental piece of a streamed response. Indexes are
// assigned by the producing adapter, start at the request offset and
// increase by one per fragment. The terminal fragment carries Finished=true
// (and may carry empty text).
type Fragment struct {
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Finished bool   `json:"finished"`
	Usage    *Usage `json:"usage,omitempty"`
}

// UpstreamClient is the minimal contract a provider adapter must satisfy.
// Implementations translate the normalized request into the vendor wire
// format and map vendor failures onto the UpstreamError taxonomy.
type UpstreamClient interface {
	// Query performs a blocking exchange.
	Query(ctx context.Context, req QueryRequest) (*QueryResult, error)

	// QueryStream starts a streamed exchange. Fragments arrive on the first
	// channel until a Finished fragment or an error on the second; both
	// channels are closed when the call ends.
	QueryStream(ctx context.Context, req QueryRequest) (<-chan Fragment, <-chan error)

	// Provider names the backing vendor ("anthropic", "openai").
	Provider() string
}
