package tool

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/poemux/poemux/attachment"
	"github.com/poemux/poemux/core"
	"github.com/poemux/poemux/dispatch"
	"github.com/poemux/poemux/ratelimit"
	"github.com/poemux/poemux/upstream"
)

// askArgs describes the arguments of the ask operation.
type askArgs struct {
	Prompt         string   `json:"prompt" description:"The user prompt to send upstream"`
	SessionID      string   `json:"session_id,omitempty" description:"Continue an existing conversation"`
	Model          string   `json:"model,omitempty" description:"Public model name from the catalog"`
	Priority       string   `json:"priority,omitempty" description:"Admission priority: high, normal or low"`
	ThinkingBudget int      `json:"thinking_budget,omitempty" description:"Token budget for extended reasoning, 0 disables it"`
	Attachments    []string `json:"attachments,omitempty" description:"Attachment URIs from upload_attachment to include with the prompt"`
}

// uploadArgs describes the arguments of the upload_attachment operation.
type uploadArgs struct {
	Name     string `json:"name" description:"Filename hint for the attachment"`
	MimeType string `json:"mime_type,omitempty" description:"MIME type of the content"`
	Data     string `json:"data" description:"Base64-encoded file content"`
}

// clearArgs describes the arguments of the clear_session operation.
type clearArgs struct {
	SessionID string `json:"session_id" description:"Session identifier to clear"`
}

// modelArgs describes the arguments of the get_model_info operation.
type modelArgs struct {
	Model string `json:"model" description:"Public model name from the catalog"`
}

// Builtin assembles the standard operation set over a dispatcher and
// an attachment store.
func Builtin(d *dispatch.Dispatcher, atts attachment.Store, version string, optFns ...func(o *FuncOptions)) []Operation {
	return []Operation{
		NewFuncOperationFromStruct(
			"ask",
			"Send a prompt to a model and return the completed response",
			askArgs{},
			func(ctx context.Context, args map[string]any) (any, error) {
				req := dispatch.Request{
					Prompt:    stringArg(args, "prompt"),
					SessionID: stringArg(args, "session_id"),
					Model:     stringArg(args, "model"),
					Priority:  ratelimit.ParsePriority(stringArg(args, "priority")),
				}
				if budget := intArg(args, "thinking_budget"); budget > 0 {
					req.Thinking = &core.ThinkingConfig{BudgetTokens: int64(budget)}
				}
				for _, ref := range stringSliceArg(args, "attachments") {
					att, err := atts.Get(ref)
					if err != nil {
						return nil, NewOperationError("ask", fmt.Sprintf("attachment %q not found", ref), "VALIDATION_ERROR")
					}
					req.Attachments = append(req.Attachments, core.AttachmentPart{
						Name:     att.Name,
						MimeType: att.MimeType,
						URI:      att.URI(),
					})
				}
				return d.Ask(ctx, req)
			},
			optFns...,
		),
		NewFuncOperationFromStruct(
			"upload_attachment",
			"Store a file and return a URI usable in ask attachments",
			uploadArgs{},
			func(_ context.Context, args map[string]any) (any, error) {
				data, err := base64.StdEncoding.DecodeString(stringArg(args, "data"))
				if err != nil {
					return nil, NewOperationError("upload_attachment", "data is not valid base64", "VALIDATION_ERROR")
				}
				att := atts.Save(stringArg(args, "name"), stringArg(args, "mime_type"), data)
				return map[string]any{
					"id":        att.ID,
					"uri":       att.URI(),
					"name":      att.Name,
					"mime_type": att.MimeType,
					"size":      att.Size,
				}, nil
			},
			optFns...,
		),
		NewFuncOperationFromStruct(
			"clear_session",
			"Drop a session's conversation history",
			clearArgs{},
			func(_ context.Context, args map[string]any) (any, error) {
				id := stringArg(args, "session_id")
				return map[string]any{
					"session_id": id,
					"cleared":    d.Store().Clear(id),
				}, nil
			},
			optFns...,
		),
		NewFuncOperationFromStruct(
			"list_models",
			"List the models available through the proxy",
			struct{}{},
			func(context.Context, map[string]any) (any, error) {
				return map[string]any{
					"models":  upstream.ModelNames(),
					"default": upstream.DefaultModel,
				}, nil
			},
			optFns...,
		),
		NewFuncOperationFromStruct(
			"get_model_info",
			"Describe one catalog model: provider, context length, capabilities",
			modelArgs{},
			func(_ context.Context, args map[string]any) (any, error) {
				return upstream.Lookup(stringArg(args, "model"))
			},
			optFns...,
		),
		NewFuncOperationFromStruct(
			"server_info",
			"Report server health, circuit state and session counts",
			struct{}{},
			func(context.Context, map[string]any) (any, error) {
				health := d.Metrics().Health(d.Store().Active())
				return map[string]any{
					"version":         version,
					"status":          health.Status,
					"uptime_seconds":  health.UptimeSeconds,
					"active_sessions": health.ActiveSessions,
					"providers":       d.Providers(),
					"circuit_state":   d.Limiter().State(),
					"queued":          d.Limiter().QueueLen(),
					"models":          len(upstream.ModelNames()),
				}, nil
			},
			optFns...,
		),
	}
}

// stringArg reads an optional string argument.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// stringSliceArg reads an optional list-of-strings argument, accepting the
// []any shape JSON decoding produces.
func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// intArg reads an optional integer argument, accepting the float64 shape
// JSON decoding produces.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
