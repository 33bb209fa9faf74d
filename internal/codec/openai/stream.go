package openai

import (
	"sort"

	"github.com/tjfontaine/llm-bridge/internal/domain"
)

// StreamDecoder classifies streamed chunks into relay events. It is
// stateful: tool call indexes must be tracked across chunks so the first
// slice of a call becomes a start event and the rest become deltas, and the
// finish reason and usage are held back until Finish because usage arrives
// in a trailing chunk with no choices.
type StreamDecoder struct {
	started    map[int]bool
	stopReason string
	usage      *domain.Usage
}

// NewStreamDecoder creates a decoder for one streamed call.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{started: make(map[int]bool)}
}

// Decode maps one chunk onto zero or more relay events in the order the
// chunk carries them.
func (d *StreamDecoder) Decode(chunk *ChatCompletionChunk) []domain.RelayEvent {
	var events []domain.RelayEvent

	if chunk.Usage != nil {
		d.usage = &domain.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.ReasoningContent != "" {
			events = append(events, domain.RelayEvent{
				Kind:           domain.EventReasoningDelta,
				ReasoningDelta: choice.Delta.ReasoningContent,
			})
		}
		if choice.Delta.Content != "" {
			events = append(events, domain.RelayEvent{
				Kind:      domain.EventTextDelta,
				TextDelta: choice.Delta.Content,
			})
		}
		for _, tc := range choice.Delta.ToolCalls {
			events = append(events, d.decodeToolChunk(tc))
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			d.stopReason = mapFinishReason(*choice.FinishReason)
		}
	}

	return events
}

func (d *StreamDecoder) decodeToolChunk(tc ToolCallChunk) domain.RelayEvent {
	delta := &domain.ToolCallDelta{Index: tc.Index, ID: tc.ID}
	if tc.Function != nil {
		delta.Name = tc.Function.Name
		delta.ArgumentsDelta = tc.Function.Arguments
	}

	kind := domain.EventToolCallDelta
	if !d.started[tc.Index] {
		d.started[tc.Index] = true
		kind = domain.EventToolCallStart
	}
	return domain.RelayEvent{Kind: kind, ToolCall: delta}
}

// Finish emits the closing events once the target stream ends: a stop for
// every tool call seen, then the turn end carrying the held-back stop
// reason and usage.
func (d *StreamDecoder) Finish() []domain.RelayEvent {
	var events []domain.RelayEvent

	indexes := make([]int, 0, len(d.started))
	for idx := range d.started {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		events = append(events, domain.RelayEvent{
			Kind:     domain.EventToolCallStop,
			ToolCall: &domain.ToolCallDelta{Index: idx},
		})
	}
	d.started = make(map[int]bool)

	stopReason := d.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	events = append(events, domain.RelayEvent{
		Kind:       domain.EventTurnEnd,
		StopReason: stopReason,
		Usage:      d.usage,
	})
	return events
}

// Usage returns the usage reported by the stream so far, or nil when the
// target never surfaced one.
func (d *StreamDecoder) Usage() *domain.Usage {
	return d.usage
}

// DecodeResponse maps a complete non-streaming response onto the same
// relay event sequence a streamed call would have produced.
func DecodeResponse(resp *ChatCompletionResponse) ([]domain.RelayEvent, error) {
	if len(resp.Choices) == 0 {
		return nil, domain.ErrForwarding(false, "response contained no choices")
	}
	choice := resp.Choices[0]

	var events []domain.RelayEvent
	if text := choice.Message.Content.Text; text != "" {
		events = append(events, domain.RelayEvent{
			Kind:      domain.EventTextDelta,
			TextDelta: text,
		})
	}
	for i, tc := range choice.Message.ToolCalls {
		events = append(events,
			domain.RelayEvent{
				Kind: domain.EventToolCallStart,
				ToolCall: &domain.ToolCallDelta{
					Index:          i,
					ID:             tc.ID,
					Name:           tc.Function.Name,
					ArgumentsDelta: tc.Function.Arguments,
				},
			},
			domain.RelayEvent{
				Kind:     domain.EventToolCallStop,
				ToolCall: &domain.ToolCallDelta{Index: i},
			},
		)
	}

	events = append(events, domain.RelayEvent{
		Kind:       domain.EventTurnEnd,
		StopReason: mapFinishReason(choice.FinishReason),
		Usage: &domain.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	})
	return events, nil
}
