package stream

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/claudeshim/claudeshim/internal/api/anthropic"
	"github.com/claudeshim/claudeshim/internal/api/openai"
)

// AssembleResponse converts a complete backend response into a Messages
// response. It shares ParseArguments and MapStopReason with the streaming
// path so the two never diverge on tool-argument or stop-reason handling.
func AssembleResponse(resp *openai.ChatCompletionResponse) (*anthropic.MessagesResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("backend response has no choices")
	}
	choice := resp.Choices[0]

	var content []anthropic.ResponseContent
	if choice.Message.Content != "" {
		content = append(content, anthropic.ResponseContent{
			Type: "text",
			Text: choice.Message.Content,
		})
	}

	for _, call := range choice.Message.ToolCalls {
		id := call.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args, err := ParseArguments(call.Function.Arguments)
		if err != nil {
			content = append(content, anthropic.ResponseContent{
				Type: "text",
				Text: fmt.Sprintf("tool call %s (%s) produced malformed arguments: %v",
					id, call.Function.Name, err),
			})
			continue
		}
		content = append(content, anthropic.ResponseContent{
			Type:  "tool_use",
			ID:    id,
			Name:  call.Function.Name,
			Input: args,
		})
	}

	if len(content) == 0 {
		content = append(content, anthropic.ResponseContent{Type: "text", Text: ""})
	}

	id := resp.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &anthropic.MessagesResponse{
		ID:         "msg_" + id,
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      resp.Model,
		StopReason: MapStopReason(choice.FinishReason),
		Usage: anthropic.MessagesUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
