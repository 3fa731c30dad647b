// Package translate builds backend chat completion requests from inbound
// Messages requests. Roles map 1:1, structured content blocks flatten into
// the backend's message format, and every tool schema passes through the
// compatibility transformer unless the fingerprint cache already holds a
// transformed copy for this (system, tools) context.
package translate

import (
	"encoding/json"
	"fmt"

	"github.com/claudeshim/claudeshim/internal/api/anthropic"
	"github.com/claudeshim/claudeshim/internal/api/openai"
	"github.com/claudeshim/claudeshim/internal/domain"
	"github.com/claudeshim/claudeshim/internal/fingerprint"
	"github.com/claudeshim/claudeshim/internal/schema"
)

// Options tunes backend-dialect quirks that are not schema concerns.
type Options struct {
	// LegacyMaxTokens also sets the deprecated max_tokens field for backends
	// that predate max_completion_tokens.
	LegacyMaxTokens bool
}

// Translator converts Messages requests into chat completion requests.
// Stateless apart from the shared fingerprint cache; safe for concurrent use.
type Translator struct {
	cache   *fingerprint.Cache
	profile schema.Profile
	opts    Options
}

// Result is a translated request plus what the translation observed.
type Result struct {
	Request openai.ChatCompletionRequest

	// Warnings collects schema-incompatibility notes. The request proceeds
	// with the degraded schemas; warnings are metadata, not failures.
	Warnings []schema.Warning

	// CacheHit reports whether the (system, tools) fingerprint was already
	// known, in which case schema transforms were reused rather than redone.
	CacheHit       bool
	FingerprintKey string
}

// New creates a translator targeting the given compatibility profile.
func New(cache *fingerprint.Cache, profile schema.Profile, opts Options) *Translator {
	return &Translator{cache: cache, profile: profile, opts: opts}
}

// Translate maps req into the backend dialect. Content the backend cannot
// represent returns an invalid-request error; nothing is retried.
func (t *Translator) Translate(req *anthropic.MessagesRequest) (*Result, error) {
	res := &Result{}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if sys := req.System.Text(); sys != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    "system",
			Content: sys,
		})
	}

	for i, msg := range req.Messages {
		flat, err := flattenMessage(msg)
		if err != nil {
			return nil, domain.AsAPIError(err).WithParam(fmt.Sprintf("messages[%d]", i))
		}
		messages = append(messages, flat...)
	}

	tools, err := t.translateTools(req, res)
	if err != nil {
		return nil, err
	}

	out := openai.ChatCompletionRequest{
		Model:               req.Model,
		Messages:            messages,
		MaxCompletionTokens: req.MaxTokens,
		Temperature:         req.Temperature,
		TopP:                req.TopP,
		Stream:              req.Stream,
		Stop:                req.StopSequences,
		Tools:               tools,
		ToolChoice:          translateToolChoice(req.ToolChoice),
	}
	if t.opts.LegacyMaxTokens {
		out.MaxTokens = req.MaxTokens
	}
	if req.Stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.Metadata != nil {
		out.User = req.Metadata.UserID
	}

	res.Request = out
	return res, nil
}

// flattenMessage converts one conversation turn into the backend's flat
// messages. A user turn carrying tool results expands into tool-role
// messages followed by the user's own text, matching the backend's
// convention that tool output follows the assistant call that requested it.
func flattenMessage(msg anthropic.Message) ([]openai.ChatCompletionMessage, error) {
	switch msg.Role {
	case "user":
		return flattenUserMessage(msg)
	case "assistant":
		return flattenAssistantMessage(msg)
	default:
		return nil, domain.ErrUnsupportedContent(
			fmt.Sprintf("role %q has no backend equivalent", msg.Role))
	}
}

func flattenUserMessage(msg anthropic.Message) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage
	var text string

	for _, part := range msg.Content {
		switch part.Type {
		case "text", "":
			text += part.Text
		case "tool_result":
			if part.ToolUseID == "" {
				return nil, domain.ErrUnsupportedContent("tool_result block missing tool_use_id")
			}
			content := string(part.Content)
			if part.IsError && content == "" {
				content = "tool execution failed"
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: part.ToolUseID,
			})
		default:
			return nil, domain.ErrUnsupportedContent(
				fmt.Sprintf("content block type %q has no backend equivalent", part.Type))
		}
	}

	if text != "" || len(out) == 0 {
		out = append(out, openai.ChatCompletionMessage{Role: "user", Content: text})
	}
	return out, nil
}

func flattenAssistantMessage(msg anthropic.Message) ([]openai.ChatCompletionMessage, error) {
	flat := openai.ChatCompletionMessage{Role: "assistant"}

	for _, part := range msg.Content {
		switch part.Type {
		case "text", "":
			flat.Content += part.Text
		case "tool_use":
			args, err := json.Marshal(part.Input)
			if err != nil {
				return nil, domain.ErrUnsupportedContent(
					fmt.Sprintf("tool_use input for %q is not serializable", part.Name))
			}
			flat.ToolCalls = append(flat.ToolCalls, openai.ToolCall{
				ID:   part.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      part.Name,
					Arguments: string(args),
				},
			})
		default:
			return nil, domain.ErrUnsupportedContent(
				fmt.Sprintf("content block type %q has no backend equivalent", part.Type))
		}
	}
	return []openai.ChatCompletionMessage{flat}, nil
}

// translateTools produces function tool definitions, reusing cached schema
// transforms when this (system, tools) context has been seen before.
func (t *Translator) translateTools(req *anthropic.MessagesRequest, res *Result) ([]openai.Tool, error) {
	if len(req.Tools) == 0 {
		// Still consult the cache so repeated tool-free contexts count as
		// hits in the metrics.
		if t.cache != nil {
			r := t.cache.Lookup(req.System.Text(), nil)
			res.CacheHit, res.FingerprintKey = r.Hit, r.Key
			if !r.Hit {
				t.cache.Record(r.Key, 0, nil)
			}
		}
		return nil, nil
	}

	specs := make([]fingerprint.ToolSpec, len(req.Tools))
	for i, tool := range req.Tools {
		specs[i] = fingerprint.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.InputSchema,
		}
	}

	var cached []any
	if t.cache != nil {
		r := t.cache.Lookup(req.System.Text(), specs)
		res.CacheHit, res.FingerprintKey = r.Hit, r.Key
		if r.Hit && len(r.Transformed) == len(req.Tools) {
			cached = r.Transformed
		}
	}

	out := make([]openai.Tool, len(req.Tools))
	transformed := make([]any, len(req.Tools))
	for i, tool := range req.Tools {
		if tool.Name == "" {
			return nil, domain.ErrInvalidRequest("tool definition missing name").
				WithParam(fmt.Sprintf("tools[%d]", i))
		}

		params := tool.InputSchema
		if cached != nil {
			params = cached[i]
		} else {
			var warnings []schema.Warning
			params, warnings = schema.Transform(tool.InputSchema, t.profile)
			res.Warnings = append(res.Warnings, warnings...)
		}
		transformed[i] = params

		out[i] = openai.Tool{
			Type: "function",
			Function: openai.FunctionTool{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}

	if t.cache != nil && cached == nil {
		t.cache.Record(res.FingerprintKey, len(req.Tools), transformed)
	}
	return out, nil
}

// translateToolChoice maps the tool selection directive. The backend uses
// "required" where the client protocol says "any".
func translateToolChoice(tc *anthropic.ToolChoice) any {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	default:
		return nil
	}
}
