// Package anthropic adapts the Anthropic Messages API to the
// core.UpstreamClient contract, including streaming and the optional
// extended-thinking feature used by the protocol-compatibility fallback.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/poemux/poemux/core"
)

// Options configures the Anthropic upstream adapter. The model identifier
// travels per request, so only call-shaping knobs live here.
type Options struct {
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Client wraps the Anthropic Messages API behind core.UpstreamClient.
type Client struct {
	client *anthropic.Client
	opts   Options
}

var _ core.UpstreamClient = (*Client)(nil)

// New creates an Anthropic upstream client using the official SDK.
func New(optFns ...func(o *Options)) *Client {
	opts := Options{
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Client{client: &client, opts: opts}
}

// NewFromClient creates an Anthropic upstream adapter from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Client {
	opts := Options{
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{client: client, opts: opts}
}

// Provider names the backing vendor.
func (c *Client) Provider() string { return "anthropic" }

// Query performs a blocking exchange against the Messages API.
func (c *Client) Query(ctx context.Context, req core.QueryRequest) (*core.QueryResult, error) {
	params := c.buildParams(req)

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}

	return &core.QueryResult{
		Text:  sb.String(),
		Model: string(resp.Model),
		Usage: &core.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// QueryStream starts a streamed exchange. Text deltas are forwarded as
// fragments indexed from req.Offset; the terminal fragment carries usage.
func (c *Client) QueryStream(ctx context.Context, req core.QueryRequest) (<-chan core.Fragment, <-chan error) {
	out := make(chan core.Fragment, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := c.buildParams(req)
		stream := c.client.Messages.NewStreaming(ctx, params)

		next := req.Offset
		acc := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				errCh <- &core.UpstreamError{
					Category: core.CategoryInternal,
					Message:  fmt.Sprintf("accumulate stream event: %v", err),
				}
				return
			}
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					select {
					case out <- core.Fragment{Index: next, Text: delta.Text}:
						next++
					case <-ctx.Done():
						errCh <- classify(ctx.Err())
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- classify(err)
			return
		}

		out <- core.Fragment{
			Index:    next,
			Finished: true,
			Usage: &core.Usage{
				PromptTokens:     int(acc.Usage.InputTokens),
				CompletionTokens: int(acc.Usage.OutputTokens),
				TotalTokens:      int(acc.Usage.InputTokens + acc.Usage.OutputTokens),
			},
		}
	}()

	return out, errCh
}

// buildParams assembles the Messages API request from a normalized query.
func (c *Client) buildParams(req core.QueryRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		Messages:    buildMessages(req.Messages),
		MaxTokens:   c.opts.MaxTokens,
		Temperature: anthropic.Float(c.opts.Temperature),
	}
	if system := extractSystem(req.Messages); len(system) > 0 {
		params.System = system
	}
	if req.Thinking != nil {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(req.Thinking.BudgetTokens)
	}
	return params
}

// buildMessages converts conversation turns to Anthropic message params.
// System turns are handled separately; attachments are referenced inline
// because only the reference travels through the pipeline.
func buildMessages(messages []core.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		text := renderText(m)
		if text == "" {
			continue
		}
		switch m.Role {
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	return out
}

// extractSystem collects system turns into system prompt blocks.
func extractSystem(messages []core.Message) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for _, m := range messages {
		if m.Role == "system" {
			if text := m.Text(); text != "" {
				blocks = append(blocks, anthropic.TextBlockParam{Text: text})
			}
		}
	}
	return blocks
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

// classify maps SDK failures onto the UpstreamError taxonomy. A 400 that
// names the thinking feature is a protocol mismatch so the retry policy can
// reissue the call once with the feature disabled.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var apierr *anthropic.Error
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
	case apierr.StatusCode == 400 && strings.Contains(strings.ToLower(apierr.Error()), "thinking"):
		ue.Category = core.CategoryProtocolMismatch
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
func retryAfter(apierr *anthropic.Error) time.Duration {
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
