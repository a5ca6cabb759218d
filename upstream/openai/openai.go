// Package openai adapts the OpenAI Chat Completions API to the
// core.UpstreamClient contract. The extended-thinking feature is not part of
// this API, so requests carrying it are rejected as a protocol mismatch and
// the retry policy reissues them once with the feature disabled.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/poemux/poemux/core"
)

// Options configures the OpenAI upstream adapter.
type Options struct {
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

// Client wraps the Chat Completions API behind core.UpstreamClient.
type Client struct {
	client *openai.Client
	opts   Options
}

var _ core.UpstreamClient = (*Client)(nil)

// New creates an OpenAI upstream client using the official SDK.
func New(optFns ...func(o *Options)) *Client {
	opts := Options{
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

	return &Client{client: &client, opts: opts}
}

// NewFromClient creates an OpenAI upstream adapter from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Client {
	opts := Options{
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{client: client, opts: opts}
}

// Provider names the backing vendor.
func (c *Client) Provider() string { return "openai" }

// Query performs a blocking exchange against the Chat Completions API.
func (c *Client) Query(ctx context.Context, req core.QueryRequest) (*core.QueryResult, error) {
	if err := checkFeatures(req); err != nil {
		return nil, err
	}

	resp, err := c.client.Chat.Completions.New(ctx, c.buildParams(req))
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &core.UpstreamError{
			Category: core.CategoryInternal,
			Message:  "no choices returned",
		}
	}

	return &core.QueryResult{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: &core.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// QueryStream starts a streamed exchange. Content deltas are forwarded as
// fragments indexed from req.Offset; the terminal fragment carries usage.
func (c *Client) QueryStream(ctx context.Context, req core.QueryRequest) (<-chan core.Fragment, <-chan error) {
	out := make(chan core.Fragment, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if err := checkFeatures(req); err != nil {
			errCh <- err
			return
		}

		params := c.buildParams(req)
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		}
		stream := c.client.Chat.Completions.NewStreaming(ctx, params)

		next := req.Offset
		var usage *core.Usage
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = &core.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				select {
				case out <- core.Fragment{Index: next, Text: choice.Delta.Content}:
					next++
				case <-ctx.Done():
					errCh <- classify(ctx.Err())
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- classify(err)
			return
		}

		out <- core.Fragment{Index: next, Finished: true, Usage: usage}
	}()

	return out, errCh
}

// checkFeatures rejects request options this provider cannot express.
func checkFeatures(req core.QueryRequest) error {
	if req.Thinking != nil {
		return &core.UpstreamError{
			Code:     400,
			Category: core.CategoryProtocolMismatch,
			Message:  "thinking is not supported by this provider",
		}
	}
	return nil
}

// buildParams assembles the Chat Completions request from a normalized query.
func (c *Client) buildParams(req core.QueryRequest) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model:               req.Model,
		Messages:            buildMessages(req.Messages),
		Temperature:         openai.Float(c.opts.Temperature),
		MaxCompletionTokens: openai.Int(c.opts.MaxCompletionTokens),
	}
}

// buildMessages converts conversation turns to chat messages. Attachments
// are referenced inline because only the reference travels through the
// pipeline.
func buildMessages(messages []core.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, m := range messages {
		text := renderText(m)
		if text == "" {
			continue
		}
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(text))
		case "assistant":
			out = append(out, openai.AssistantMessage(text))
		default:
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}

// renderText flattens a message to plain text, appending attachment
// references after the body.
func renderText(m core.Message) string {
	var sb strings.Builder
	sb.WriteString(m.Text())
	for _, att := range m.Attachments() {
		fmt.Fprintf(&sb, "\n[attachment: %s (%s) %s]", att.Name, att.MimeType, att.URI)
	}
	return sb.String()
}

// classify maps SDK failures onto the UpstreamError taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		return &core.UpstreamError{
			Category: core.CategoryUnavailable,
			Message:  err.Error(),
		}
	}

	ue := &core.UpstreamError{Code: apierr.StatusCode, Message: apierr.Error()}
	switch {
	case apierr.StatusCode == 401 || apierr.StatusCode == 403:
		ue.Category = core.CategoryAuthentication
	case apierr.StatusCode == 429:
		ue.Category = core.CategoryThrottled
		ue.RetryAfter = retryAfter(apierr)
	case apierr.StatusCode == 408:
		ue.Category = core.CategoryTimeout
	case apierr.StatusCode >= 500:
		ue.Category = core.CategoryUnavailable
	default:
		ue.Category = core.CategoryInvalidRequest
	}
	return ue
}

// retryAfter parses the Retry-After response header (delta seconds form).
func retryAfter(apierr *openai.Error) time.Duration {
	if apierr.Response == nil {
		return 0
	}
	v := apierr.Response.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
