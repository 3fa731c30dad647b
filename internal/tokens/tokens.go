// Package tokens estimates token usage for responses where the backend
// omitted usage counts. Counts are tiktoken-based when an encoding is
// available and fall back to a character heuristic otherwise; results are
// estimates, not billing-grade numbers.
package tokens

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/claudeshim/claudeshim/internal/api/openai"
)

// Estimator counts tokens for arbitrary model names. Safe for concurrent use.
type Estimator struct {
	// CharsPerToken drives the heuristic fallback (default: 4).
	CharsPerToken float64

	mu     sync.Mutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewEstimator creates an estimator with the default heuristic.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
		codecs:        make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// CountText counts tokens in text for the given model.
func (e *Estimator) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	if codec := e.codec(model); codec != nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return int(float64(len(text)) / e.CharsPerToken)
}

// EstimateRequest approximates the input token count of a backend request:
// message content plus per-message formatting overhead plus tool definitions.
func (e *Estimator) EstimateRequest(req *openai.ChatCompletionRequest) int {
	total := 0
	for _, msg := range req.Messages {
		// 3 tokens of chat formatting plus 1 for the role, per message.
		total += 4
		total += e.CountText(req.Model, msg.Content)
		for _, call := range msg.ToolCalls {
			total += e.CountText(req.Model, call.Function.Name)
			total += e.CountText(req.Model, call.Function.Arguments)
		}
	}
	for _, tool := range req.Tools {
		total += e.CountText(req.Model, tool.Function.Name)
		total += e.CountText(req.Model, tool.Function.Description)
		if raw, err := json.Marshal(tool.Function.Parameters); err == nil {
			total += e.CountText(req.Model, string(raw))
		}
	}
	// Assistant priming.
	total += 3
	return total
}

func (e *Estimator) codec(model string) tokenizer.Codec {
	encoding := modelToEncoding(model)

	e.mu.Lock()
	defer e.mu.Unlock()
	if codec, ok := e.codecs[encoding]; ok {
		return codec
	}
	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil
	}
	e.codecs[encoding] = codec
	return codec
}

// modelToEncoding picks a tokenizer encoding for a model name. Local models
// served through OpenAI-compatible backends rarely match a known encoding;
// cl100k_base is the closest widely shared vocabulary.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-5"), strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	default:
		return tokenizer.Cl100kBase
	}
}
