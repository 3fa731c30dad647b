package tokens

import (
	"testing"

	"github.com/claudeshim/claudeshim/internal/api/openai"
)

func TestCountTextNonZero(t *testing.T) {
	e := NewEstimator()

	n := e.CountText("local-model", "The quick brown fox jumps over the lazy dog.")
	if n <= 0 {
		t.Fatalf("expected a positive count, got %d", n)
	}
	// Nine words should land well under one token per character.
	if n >= 45 {
		t.Fatalf("count %d is implausibly high", n)
	}
}

func TestCountTextEmpty(t *testing.T) {
	e := NewEstimator()
	if n := e.CountText("local-model", ""); n != 0 {
		t.Fatalf("empty text counted %d tokens", n)
	}
}

func TestEstimateRequestIncludesToolDefinitions(t *testing.T) {
	e := NewEstimator()

	base := &openai.ChatCompletionRequest{
		Model: "local-model",
		Messages: []openai.ChatCompletionMessage{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "2+2?"},
		},
	}
	withTools := &openai.ChatCompletionRequest{
		Model:    base.Model,
		Messages: base.Messages,
		Tools: []openai.Tool{{
			Type: "function",
			Function: openai.FunctionTool{
				Name:        "read_file",
				Description: "Read a file from disk",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": map[string]any{"type": "string"}},
				},
			},
		}},
	}

	plain := e.EstimateRequest(base)
	tooled := e.EstimateRequest(withTools)
	if plain <= 0 {
		t.Fatalf("plain estimate = %d", plain)
	}
	if tooled <= plain {
		t.Fatalf("tool definitions not counted: %d <= %d", tooled, plain)
	}
}

func TestCountTextStableAcrossCalls(t *testing.T) {
	e := NewEstimator()

	first := e.CountText("local-model", "hello world")
	second := e.CountText("local-model", "hello world")
	if first != second {
		t.Fatalf("counts diverged across calls: %d vs %d", first, second)
	}
}
