package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tjfontaine/llm-bridge/internal/domain"
)

// blockState tracks which kind of content block is currently open on the
// wire.
type blockState int

const (
	blockNone blockState = iota
	blockText
	blockThinking
)

// toolBuffer accumulates the slices of one tool call until the target
// stream closes it. The two protocols segment tool calls differently, so
// the call is reassembled here and re-emitted as a single source-shaped
// tool_use block.
type toolBuffer struct {
	id   string
	name string
	args strings.Builder
}

// StreamWriter re-emits relay events in the Messages API's SSE framing.
// Events are written in the order received; the only buffering is tool-call
// reassembly, which holds a call's slices until its stop event.
type StreamWriter struct {
	w       io.Writer
	flusher http.Flusher

	messageID   string
	model       string
	inputTokens int
	started     bool
	open        blockState
	blockIndex  int
	signature   string
	tools       map[int]*toolBuffer
}

// NewStreamWriter prepares SSE emission onto w. Headers are written and
// flushed immediately so the caller sees first bytes as soon as the target
// stream opens. inputTokens is reported in message_start usage; callers
// estimate it up front because the target only reports usage at stream end.
func NewStreamWriter(w http.ResponseWriter, model string, inputTokens int) *StreamWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	sw := &StreamWriter{
		w:           w,
		flusher:     flusher,
		messageID:   "msg_" + uuid.New().String(),
		model:       model,
		inputTokens: inputTokens,
		tools:       make(map[int]*toolBuffer),
	}
	sw.flush()
	return sw
}

// WriteEvent translates one relay event into source-protocol frames.
func (sw *StreamWriter) WriteEvent(ev domain.RelayEvent) error {
	if err := sw.ensureStarted(); err != nil {
		return err
	}

	switch ev.Kind {
	case domain.EventTextDelta:
		if err := sw.ensureBlock(blockText); err != nil {
			return err
		}
		return sw.emit("content_block_delta", ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: sw.blockIndex,
			Delta: BlockDelta{Type: "text_delta", Text: ev.TextDelta},
		})

	case domain.EventReasoningDelta:
		if err := sw.ensureBlock(blockThinking); err != nil {
			return err
		}
		if ev.ReasoningSignature != "" {
			sw.signature = ev.ReasoningSignature
		}
		return sw.emit("content_block_delta", ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: sw.blockIndex,
			Delta: BlockDelta{Type: "thinking_delta", Thinking: ev.ReasoningDelta},
		})

	case domain.EventToolCallStart:
		tb := &toolBuffer{id: ev.ToolCall.ID, name: ev.ToolCall.Name}
		if tb.id == "" {
			tb.id = "toolu_" + uuid.New().String()
		}
		sw.tools[ev.ToolCall.Index] = tb
		if ev.ToolCall.ArgumentsDelta != "" {
			tb.args.WriteString(ev.ToolCall.ArgumentsDelta)
		}
		return nil

	case domain.EventToolCallDelta:
		tb, ok := sw.tools[ev.ToolCall.Index]
		if !ok {
			return domain.ErrTransformation("tool call delta for unknown index %d", ev.ToolCall.Index)
		}
		tb.args.WriteString(ev.ToolCall.ArgumentsDelta)
		return nil

	case domain.EventToolCallStop:
		return sw.flushTool(ev.ToolCall.Index)

	case domain.EventTurnEnd:
		return sw.finish(ev.StopReason, ev.Usage)

	case domain.EventError:
		return sw.WriteError(ev.Err)

	default:
		return domain.ErrTransformation("unknown relay event kind %q", ev.Kind)
	}
}

// WriteError emits a source-shaped error event and terminates the stream.
// The caller never sees the target provider's native error format.
func (sw *StreamWriter) WriteError(err error) error {
	bridgeErr := AsBridgeError(err)
	payload := ErrorResponse{
		Type: "error",
		Error: &APIError{
			Type:    string(bridgeErr.Type),
			Message: bridgeErr.Message,
		},
	}
	return sw.emit("error", payload)
}

func (sw *StreamWriter) ensureStarted() error {
	if sw.started {
		return nil
	}
	sw.started = true

	start := MessageStartEvent{
		Type: "message_start",
		Message: MessagesResponse{
			ID:      sw.messageID,
			Type:    "message",
			Role:    "assistant",
			Model:   sw.model,
			Content: []ResponseContent{},
			Usage:   MessagesUsage{InputTokens: sw.inputTokens},
		},
	}
	return sw.emit("message_start", start)
}

// ensureBlock closes the open block if it is of a different kind and opens
// a fresh one of the wanted kind.
func (sw *StreamWriter) ensureBlock(want blockState) error {
	if sw.open == want {
		return nil
	}
	if err := sw.closeBlock(); err != nil {
		return err
	}

	blockType := "text"
	if want == blockThinking {
		blockType = "thinking"
	}
	if err := sw.emit("content_block_start", ContentBlockStartEvent{
		Type:         "content_block_start",
		Index:        sw.blockIndex,
		ContentBlock: ResponseContent{Type: blockType},
	}); err != nil {
		return err
	}
	sw.open = want
	return nil
}

func (sw *StreamWriter) closeBlock() error {
	if sw.open == blockNone {
		return nil
	}
	if sw.open == blockThinking && sw.signature != "" {
		if err := sw.emit("content_block_delta", ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: sw.blockIndex,
			Delta: BlockDelta{Type: "signature_delta", Signature: sw.signature},
		}); err != nil {
			return err
		}
		sw.signature = ""
	}
	if err := sw.emit("content_block_stop", ContentBlockStopEvent{
		Type:  "content_block_stop",
		Index: sw.blockIndex,
	}); err != nil {
		return err
	}
	sw.open = blockNone
	sw.blockIndex++
	return nil
}

// flushTool re-emits one reassembled tool call as a complete tool_use
// block: start, a single input_json_delta with the full arguments, stop.
func (sw *StreamWriter) flushTool(index int) error {
	tb, ok := sw.tools[index]
	if !ok {
		return domain.ErrTransformation("tool call stop for unknown index %d", index)
	}
	delete(sw.tools, index)

	if err := sw.closeBlock(); err != nil {
		return err
	}

	if err := sw.emit("content_block_start", ContentBlockStartEvent{
		Type:  "content_block_start",
		Index: sw.blockIndex,
		ContentBlock: ResponseContent{
			Type:  "tool_use",
			ID:    tb.id,
			Name:  tb.name,
			Input: json.RawMessage("{}"),
		},
	}); err != nil {
		return err
	}

	args := tb.args.String()
	if args == "" {
		args = "{}"
	}
	if err := sw.emit("content_block_delta", ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: sw.blockIndex,
		Delta: BlockDelta{Type: "input_json_delta", PartialJSON: args},
	}); err != nil {
		return err
	}

	if err := sw.emit("content_block_stop", ContentBlockStopEvent{
		Type:  "content_block_stop",
		Index: sw.blockIndex,
	}); err != nil {
		return err
	}
	sw.blockIndex++
	return nil
}

func (sw *StreamWriter) finish(stopReason string, usage *domain.Usage) error {
	// Any tool call still buffered at turn end was never closed by the
	// target; flush in index order so nothing is silently dropped.
	for len(sw.tools) > 0 {
		lowest := -1
		for idx := range sw.tools {
			if lowest == -1 || idx < lowest {
				lowest = idx
			}
		}
		if err := sw.flushTool(lowest); err != nil {
			return err
		}
	}

	if err := sw.closeBlock(); err != nil {
		return err
	}

	delta := MessageDeltaEvent{
		Type:  "message_delta",
		Delta: MessageDelta{StopReason: stopReason},
	}
	if usage != nil {
		delta.Usage = &DeltaUsage{OutputTokens: usage.OutputTokens}
	}
	if err := sw.emit("message_delta", delta); err != nil {
		return err
	}
	return sw.emit("message_stop", MessageStopEvent{Type: "message_stop"})
}

// MessageStopEvent terminates a streamed message.
type MessageStopEvent struct {
	Type string `json:"type"`
}

func (sw *StreamWriter) emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.ErrTransformation("encode %s event: %v", event, err).WithCause(err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	sw.flush()
	return nil
}

func (sw *StreamWriter) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}
