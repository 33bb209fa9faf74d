package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/tjfontaine/llm-bridge/internal/domain"
)

// Assembler collects relay events into a complete non-streaming Messages
// API response. The relay uses it when the original caller did not ask for
// a stream but the target call was still consumed incrementally.
type Assembler struct {
	model      string
	content    []ResponseContent
	text       strings.Builder
	thinking   strings.Builder
	signature  string
	tools      map[int]*toolBuffer
	toolOrder  []int
	stopReason string
	usage      domain.Usage
}

// NewAssembler creates an assembler for one response.
func NewAssembler(model string) *Assembler {
	return &Assembler{
		model: model,
		tools: make(map[int]*toolBuffer),
	}
}

// Add folds one relay event into the response being assembled.
func (a *Assembler) Add(ev domain.RelayEvent) error {
	switch ev.Kind {
	case domain.EventTextDelta:
		a.flushThinking()
		a.text.WriteString(ev.TextDelta)

	case domain.EventReasoningDelta:
		a.flushText()
		a.thinking.WriteString(ev.ReasoningDelta)
		if ev.ReasoningSignature != "" {
			a.signature = ev.ReasoningSignature
		}

	case domain.EventToolCallStart:
		tb := &toolBuffer{id: ev.ToolCall.ID, name: ev.ToolCall.Name}
		if tb.id == "" {
			tb.id = "toolu_" + uuid.New().String()
		}
		a.tools[ev.ToolCall.Index] = tb
		a.toolOrder = append(a.toolOrder, ev.ToolCall.Index)
		if ev.ToolCall.ArgumentsDelta != "" {
			tb.args.WriteString(ev.ToolCall.ArgumentsDelta)
		}

	case domain.EventToolCallDelta:
		tb, ok := a.tools[ev.ToolCall.Index]
		if !ok {
			return domain.ErrTransformation("tool call delta for unknown index %d", ev.ToolCall.Index)
		}
		tb.args.WriteString(ev.ToolCall.ArgumentsDelta)

	case domain.EventToolCallStop:
		// Calls are emitted in start order at finalization; nothing to do.

	case domain.EventTurnEnd:
		a.stopReason = ev.StopReason
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}

	case domain.EventError:
		return ev.Err
	}
	return nil
}

func (a *Assembler) flushText() {
	if a.text.Len() == 0 {
		return
	}
	a.content = append(a.content, ResponseContent{Type: "text", Text: a.text.String()})
	a.text.Reset()
}

func (a *Assembler) flushThinking() {
	if a.thinking.Len() == 0 {
		return
	}
	a.content = append(a.content, ResponseContent{
		Type:      "thinking",
		Thinking:  a.thinking.String(),
		Signature: a.signature,
	})
	a.thinking.Reset()
	a.signature = ""
}

// Response finalizes and returns the assembled Messages API response.
func (a *Assembler) Response() *MessagesResponse {
	a.flushThinking()
	a.flushText()

	for _, idx := range a.toolOrder {
		tb := a.tools[idx]
		args := tb.args.String()
		if args == "" {
			args = "{}"
		}
		a.content = append(a.content, ResponseContent{
			Type:  "tool_use",
			ID:    tb.id,
			Name:  tb.name,
			Input: json.RawMessage(args),
		})
	}
	a.toolOrder = nil
	a.tools = make(map[int]*toolBuffer)

	stopReason := a.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	return &MessagesResponse{
		ID:         "msg_" + uuid.New().String(),
		Type:       "message",
		Role:       "assistant",
		Model:      a.model,
		Content:    a.content,
		StopReason: stopReason,
		Usage: MessagesUsage{
			InputTokens:  a.usage.InputTokens,
			OutputTokens: a.usage.OutputTokens,
		},
	}
}
