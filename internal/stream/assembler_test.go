package stream

import (
	"strings"
	"testing"

	"github.com/claudeshim/claudeshim/internal/api/anthropic"
	"github.com/claudeshim/claudeshim/internal/api/openai"
)

type recEvent struct {
	name    string
	payload any
}

// recEmitter records the emitted event sequence for assertions.
type recEmitter struct {
	events []recEvent
}

func (r *recEmitter) Emit(name string, payload any) error {
	r.events = append(r.events, recEvent{name: name, payload: payload})
	return nil
}

func (r *recEmitter) names() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.name
	}
	return out
}

func strPtr(s string) *string { return &s }

func textChunk(fragment string) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		Choices: []openai.ChunkChoice{{Delta: openai.ChunkDelta{Content: fragment}}},
	}
}

func toolChunk(index int, id, name, args string) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		Choices: []openai.ChunkChoice{{Delta: openai.ChunkDelta{
			ToolCalls: []openai.ToolCallChunk{{
				Index:    index,
				ID:       id,
				Function: &openai.FunctionCallChunk{Name: name, Arguments: args},
			}},
		}}},
	}
}

func finishChunk(reason string) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		Choices: []openai.ChunkChoice{{FinishReason: strPtr(reason)}},
	}
}

func assertSequence(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event sequence mismatch:\ngot:  %v\nwant: %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s\nfull: %v", i, got[i], want[i], got)
		}
	}
}

func TestTextOnlySession(t *testing.T) {
	rec := &recEmitter{}
	a := NewAssembler(rec, "local-model")

	fragments := []string{"The answer", " is", " 4."}
	for _, f := range fragments {
		if err := a.Push(textChunk(f)); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}
	if err := a.Push(finishChunk("stop")); err != nil {
		t.Fatalf("finish push failed: %v", err)
	}
	if err := a.Push(&openai.ChatCompletionChunk{Usage: &openai.Usage{CompletionTokens: 7}}); err != nil {
		t.Fatalf("usage push failed: %v", err)
	}

	sum, err := a.Close()
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}

	assertSequence(t, rec.names(), []string{
		"message_start", "ping",
		"content_block_start",
		"content_block_delta", "content_block_delta", "content_block_delta",
		"content_block_stop",
		"message_delta", "message_stop",
	})

	if sum.StopReason != "end_turn" {
		t.Fatalf("stop reason = %s, want end_turn", sum.StopReason)
	}
	if sum.OutputText != "The answer is 4." {
		t.Fatalf("accumulated text = %q", sum.OutputText)
	}

	delta := rec.events[7].payload.(anthropic.MessageDeltaEvent)
	if delta.Delta.StopReason != "end_turn" {
		t.Fatalf("message_delta stop reason = %s", delta.Delta.StopReason)
	}
	if delta.Usage == nil || delta.Usage.OutputTokens != 7 {
		t.Fatalf("message_delta usage wrong: %+v", delta.Usage)
	}
}

func TestToolCallArgumentsAcrossFragments(t *testing.T) {
	rec := &recEmitter{}
	a := NewAssembler(rec, "local-model")

	if err := a.Push(toolChunk(0, "call_abc", "read_file", "")); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	fragments := []string{`{"pa`, `th": "RE`, `ADME`, `.md"`, `}`}
	for _, f := range fragments {
		if err := a.Push(toolChunk(0, "", "", f)); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}
	if err := a.Push(finishChunk("tool_calls")); err != nil {
		t.Fatalf("finish push failed: %v", err)
	}

	sum, err := a.Close()
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}

	assertSequence(t, rec.names(), []string{
		"message_start", "ping",
		"content_block_start",
		"content_block_delta", "content_block_delta", "content_block_delta",
		"content_block_delta", "content_block_delta",
		"content_block_stop",
		"message_delta", "message_stop",
	})

	start := rec.events[2].payload.(anthropic.ContentBlockStartEvent)
	if start.ContentBlock.Type != "tool_use" || start.ContentBlock.ID != "call_abc" ||
		start.ContentBlock.Name != "read_file" {
		t.Fatalf("tool block start wrong: %+v", start.ContentBlock)
	}

	var joined string
	for _, e := range rec.events[3:8] {
		joined += e.payload.(anthropic.ContentBlockDeltaEvent).Delta.PartialJSON
	}
	args, parseErr := ParseArguments(joined)
	if parseErr != nil {
		t.Fatalf("concatenated fragments do not parse: %v", parseErr)
	}
	if args["path"] != "README.md" {
		t.Fatalf("reassembled arguments wrong: %v", args)
	}

	if sum.StopReason != "tool_use" || sum.ToolCalls != 1 || sum.FailedCalls != 0 {
		t.Fatalf("summary wrong: %+v", sum)
	}
}

func TestSynthesizesCallIDWhenBackendOmitsIt(t *testing.T) {
	rec := &recEmitter{}
	a := NewAssembler(rec, "local-model")
	a.newCallID = func() string { return "call_local_1" }

	if err := a.Push(toolChunk(0, "", "read_file", `{}`)); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := a.Push(finishChunk("tool_calls")); err != nil {
		t.Fatalf("finish push failed: %v", err)
	}
	if _, err := a.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	start := rec.events[2].payload.(anthropic.ContentBlockStartEvent)
	if start.ContentBlock.ID != "call_local_1" {
		t.Fatalf("expected synthesized call id, got %q", start.ContentBlock.ID)
	}
}

func TestMalformedArgumentsIsolatedToOneCall(t *testing.T) {
	rec := &recEmitter{}
	a := NewAssembler(rec, "local-model")

	if err := a.Push(toolChunk(0, "call_good", "read_file", `{"path": "a.txt"}`)); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := a.Push(toolChunk(1, "call_bad", "list_dir", `{"path": "b`)); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := a.Push(finishChunk("tool_calls")); err != nil {
		t.Fatalf("finish push failed: %v", err)
	}

	sum, err := a.Close()
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if sum.ToolCalls != 2 || sum.FailedCalls != 1 {
		t.Fatalf("summary wrong: %+v", sum)
	}

	// Both tool blocks stream normally; the failed parse adds one error
	// block after the terminal close of the second tool block.
	var errorBlocks []string
	for i, e := range rec.events {
		if e.name != "content_block_start" {
			continue
		}
		start := e.payload.(anthropic.ContentBlockStartEvent)
		if start.ContentBlock.Type == "text" {
			delta := rec.events[i+1].payload.(anthropic.ContentBlockDeltaEvent)
			errorBlocks = append(errorBlocks, delta.Delta.Text)
		}
	}
	if len(errorBlocks) != 1 {
		t.Fatalf("expected exactly one error block, got %v", errorBlocks)
	}
	if !strings.Contains(errorBlocks[0], "call_bad") || !strings.Contains(errorBlocks[0], "list_dir") {
		t.Fatalf("error block does not name the failed call: %q", errorBlocks[0])
	}
	if strings.Contains(errorBlocks[0], "call_good") {
		t.Fatalf("error block mentions the healthy call: %q", errorBlocks[0])
	}
}

func TestOneBlockOpenAtATime(t *testing.T) {
	rec := &recEmitter{}
	a := NewAssembler(rec, "local-model")

	if err := a.Push(textChunk("Let me check.")); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := a.Push(toolChunk(0, "call_1", "read_file", `{}`)); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := a.Push(finishChunk("tool_calls")); err != nil {
		t.Fatalf("finish push failed: %v", err)
	}
	if _, err := a.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// The text block must fully close before the tool block opens.
	assertSequence(t, rec.names(), []string{
		"message_start", "ping",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	})

	toolStart := rec.events[5].payload.(anthropic.ContentBlockStartEvent)
	if toolStart.Index != 1 {
		t.Fatalf("tool block index = %d, want 1", toolStart.Index)
	}
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]string{
		"stop":           "end_turn",
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"content_filter": "refusal",
		"":               "end_turn",
		"weird_reason":   "end_turn",
	}
	for in, want := range cases {
		if got := MapStopReason(in); got != want {
			t.Fatalf("MapStopReason(%q) = %s, want %s", in, got, want)
		}
	}
}
