// Package stream assembles backend chat completion output into the
// client-facing Messages protocol. The Assembler is a per-session state
// machine: backend chunks go in, named SSE events come out through an
// Emitter. The same assembler state drives text-only and tool-call sessions,
// and the non-streaming path shares its argument parsing and stop-reason
// mapping.
package stream

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/claudeshim/claudeshim/internal/api/anthropic"
	"github.com/claudeshim/claudeshim/internal/api/openai"
)

// Emitter receives named protocol events in emission order. Implementations
// write SSE frames or, in tests, record the sequence.
type Emitter interface {
	Emit(event string, payload any) error
}

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockTool
)

// toolCall buffers one in-flight tool call keyed by the backend's call index.
type toolCall struct {
	id    string
	name  string
	args  string
	block int // emitted content block index
	seen  int // arrival order
}

// Summary reports what a finished session produced, for breaker accounting,
// usage fill-in, and tracing.
type Summary struct {
	StopReason   string
	ToolCalls    int
	FailedCalls  int
	OutputText   string
	Usage        *openai.Usage
}

// Assembler translates one streaming session. Not safe for concurrent use;
// each session owns one assembler.
type Assembler struct {
	emitter   Emitter
	model     string
	messageID string

	started   bool
	open      blockKind
	openTool  int // backend index of the open tool call
	nextBlock int
	text      string
	calls     map[int]*toolCall
	arrivals  int

	finishReason string
	usage        *openai.Usage

	// newCallID is swapped in tests for deterministic IDs.
	newCallID func() string
}

// NewAssembler creates an assembler for one session.
func NewAssembler(emitter Emitter, model string) *Assembler {
	return &Assembler{
		emitter:   emitter,
		model:     model,
		messageID: "msg_" + uuid.NewString(),
		openTool:  -1,
		calls:     make(map[int]*toolCall),
		newCallID: func() string { return "call_" + uuid.NewString() },
	}
}

// Push feeds one backend chunk through the state machine. The first chunk
// opens the message; later chunks open, extend, and close content blocks so
// that at most one block is open at any time.
func (a *Assembler) Push(chunk *openai.ChatCompletionChunk) error {
	if err := a.start(); err != nil {
		return err
	}
	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			if err := a.pushText(choice.Delta.Content); err != nil {
				return err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if err := a.pushToolCall(tc); err != nil {
				return err
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			a.finishReason = *choice.FinishReason
		}
	}
	return nil
}

// Close ends the session: closes any open block, emits an error block for
// each tool call whose buffered arguments fail to parse, then emits the
// terminal message_delta and message_stop events.
func (a *Assembler) Close() (*Summary, error) {
	if err := a.start(); err != nil {
		return nil, err
	}
	if err := a.closeOpenBlock(); err != nil {
		return nil, err
	}

	sum := &Summary{
		StopReason: MapStopReason(a.finishReason),
		ToolCalls:  len(a.calls),
		OutputText: a.text,
		Usage:      a.usage,
	}

	for _, call := range a.orderedCalls() {
		if _, err := ParseArguments(call.args); err != nil {
			sum.FailedCalls++
			if emitErr := a.emitCallError(call, err); emitErr != nil {
				return nil, emitErr
			}
		}
	}

	delta := anthropic.MessageDeltaEvent{
		Type:  "message_delta",
		Delta: anthropic.MessageDelta{StopReason: sum.StopReason},
	}
	if a.usage != nil {
		delta.Usage = &anthropic.DeltaUsage{OutputTokens: a.usage.CompletionTokens}
	}
	if err := a.emitter.Emit("message_delta", delta); err != nil {
		return nil, err
	}
	if err := a.emitter.Emit("message_stop", anthropic.MessageStopEvent{Type: "message_stop"}); err != nil {
		return nil, err
	}
	return sum, nil
}

func (a *Assembler) start() error {
	if a.started {
		return nil
	}
	a.started = true

	ev := anthropic.MessageStartEvent{
		Type: "message_start",
		Message: anthropic.MessagesResponse{
			ID:      a.messageID,
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ResponseContent{},
			Model:   a.model,
		},
	}
	if err := a.emitter.Emit("message_start", ev); err != nil {
		return err
	}
	return a.emitter.Emit("ping", anthropic.PingEvent{Type: "ping"})
}

func (a *Assembler) pushText(fragment string) error {
	if a.open != blockText {
		if err := a.closeOpenBlock(); err != nil {
			return err
		}
		ev := anthropic.ContentBlockStartEvent{
			Type:         "content_block_start",
			Index:        a.nextBlock,
			ContentBlock: anthropic.ResponseContent{Type: "text"},
		}
		if err := a.emitter.Emit("content_block_start", ev); err != nil {
			return err
		}
		a.open = blockText
	}
	a.text += fragment

	return a.emitter.Emit("content_block_delta", anthropic.ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: a.nextBlock,
		Delta: anthropic.BlockDelta{Type: "text_delta", Text: fragment},
	})
}

func (a *Assembler) pushToolCall(tc openai.ToolCallChunk) error {
	call, exists := a.calls[tc.Index]
	if !exists {
		if err := a.closeOpenBlock(); err != nil {
			return err
		}
		call = &toolCall{id: tc.ID, block: a.nextBlock, seen: a.arrivals}
		a.arrivals++
		if call.id == "" {
			call.id = a.newCallID()
		}
		if tc.Function != nil {
			call.name = tc.Function.Name
		}
		a.calls[tc.Index] = call
		a.open = blockTool
		a.openTool = tc.Index

		ev := anthropic.ContentBlockStartEvent{
			Type:  "content_block_start",
			Index: call.block,
			ContentBlock: anthropic.ResponseContent{
				Type:  "tool_use",
				ID:    call.id,
				Name:  call.name,
				Input: map[string]any{},
			},
		}
		if err := a.emitter.Emit("content_block_start", ev); err != nil {
			return err
		}
	} else if a.open != blockTool || a.openTool != tc.Index {
		// Interleaved chunks for a call whose block already closed would
		// violate ordering; treat the fragment as part of that call's buffer
		// without emitting a delta for a closed block.
		if tc.Function != nil {
			call.args += tc.Function.Arguments
		}
		return nil
	}

	if tc.Function == nil {
		return nil
	}
	if call.name == "" && tc.Function.Name != "" {
		call.name = tc.Function.Name
	}
	if tc.Function.Arguments == "" {
		return nil
	}
	call.args += tc.Function.Arguments

	return a.emitter.Emit("content_block_delta", anthropic.ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: call.block,
		Delta: anthropic.BlockDelta{Type: "input_json_delta", PartialJSON: tc.Function.Arguments},
	})
}

func (a *Assembler) closeOpenBlock() error {
	if a.open == blockNone {
		return nil
	}
	ev := anthropic.ContentBlockStopEvent{Type: "content_block_stop", Index: a.nextBlock}
	a.open = blockNone
	a.openTool = -1
	a.nextBlock++
	return a.emitter.Emit("content_block_stop", ev)
}

// emitCallError reports a malformed-argument tool call as its own text block
// naming the call, so the failure is visible instead of surfacing as a tool
// call with silently empty arguments.
func (a *Assembler) emitCallError(call *toolCall, parseErr error) error {
	msg := fmt.Sprintf("tool call %s (%s) produced malformed arguments: %v", call.id, call.name, parseErr)

	start := anthropic.ContentBlockStartEvent{
		Type:         "content_block_start",
		Index:        a.nextBlock,
		ContentBlock: anthropic.ResponseContent{Type: "text"},
	}
	if err := a.emitter.Emit("content_block_start", start); err != nil {
		return err
	}
	delta := anthropic.ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: a.nextBlock,
		Delta: anthropic.BlockDelta{Type: "text_delta", Text: msg},
	}
	if err := a.emitter.Emit("content_block_delta", delta); err != nil {
		return err
	}
	stop := anthropic.ContentBlockStopEvent{Type: "content_block_stop", Index: a.nextBlock}
	a.nextBlock++
	return a.emitter.Emit("content_block_stop", stop)
}

// orderedCalls returns the buffered calls in arrival order.
func (a *Assembler) orderedCalls() []*toolCall {
	calls := make([]*toolCall, 0, len(a.calls))
	for _, c := range a.calls {
		calls = append(calls, c)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].seen < calls[j].seen })
	return calls
}

// ParseArguments parses accumulated tool-call argument text. An empty buffer
// means the model called the tool with no arguments, which is valid.
func ParseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// MapStopReason maps the backend's terminal reason onto the client
// protocol's enumerated stop reasons.
func MapStopReason(finishReason string) string {
	switch finishReason {
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "refusal"
	default:
		return "end_turn"
	}
}
