package openai

import (
	"testing"

	"github.com/tjfontaine/llm-bridge/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestStreamDecoderTextDeltas(t *testing.T) {
	d := NewStreamDecoder()

	events := d.Decode(&ChatCompletionChunk{
		Choices: []ChunkChoice{{Delta: ChunkDelta{Role: "assistant", Content: "po"}}},
	})
	events = append(events, d.Decode(&ChatCompletionChunk{
		Choices: []ChunkChoice{{Delta: ChunkDelta{Content: "ng!"}, FinishReason: strPtr("stop")}},
	})...)
	events = append(events, d.Finish()...)

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Kind != domain.EventTextDelta || events[0].TextDelta != "po" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != domain.EventTextDelta || events[1].TextDelta != "ng!" {
		t.Errorf("event 1 = %+v", events[1])
	}
	end := events[2]
	if end.Kind != domain.EventTurnEnd || end.StopReason != "end_turn" {
		t.Errorf("event 2 = %+v, want turn end with end_turn", end)
	}
}

func TestStreamDecoderToolCallLifecycle(t *testing.T) {
	d := NewStreamDecoder()

	first := d.Decode(&ChatCompletionChunk{
		Choices: []ChunkChoice{{Delta: ChunkDelta{ToolCalls: []ToolCallChunk{{
			Index:    0,
			ID:       "call_1",
			Function: &FunctionCallChunk{Name: "get_weather", Arguments: `{"ci`},
		}}}}},
	})
	if len(first) != 1 || first[0].Kind != domain.EventToolCallStart {
		t.Fatalf("first slice = %+v, want tool call start", first)
	}
	if first[0].ToolCall.ID != "call_1" || first[0].ToolCall.Name != "get_weather" {
		t.Errorf("start delta = %+v", first[0].ToolCall)
	}

	second := d.Decode(&ChatCompletionChunk{
		Choices: []ChunkChoice{{Delta: ChunkDelta{ToolCalls: []ToolCallChunk{{
			Index:    0,
			Function: &FunctionCallChunk{Arguments: `ty":"SF"}`},
		}}}, FinishReason: strPtr("tool_calls")}},
	})
	if len(second) != 1 || second[0].Kind != domain.EventToolCallDelta {
		t.Fatalf("second slice = %+v, want tool call delta", second)
	}

	closing := d.Finish()
	if len(closing) != 2 {
		t.Fatalf("closing = %+v, want stop then turn end", closing)
	}
	if closing[0].Kind != domain.EventToolCallStop || closing[0].ToolCall.Index != 0 {
		t.Errorf("closing 0 = %+v", closing[0])
	}
	if closing[1].Kind != domain.EventTurnEnd || closing[1].StopReason != "tool_use" {
		t.Errorf("closing 1 = %+v", closing[1])
	}
}

func TestStreamDecoderUsageArrivesInTrailingChunk(t *testing.T) {
	d := NewStreamDecoder()
	d.Decode(&ChatCompletionChunk{
		Choices: []ChunkChoice{{Delta: ChunkDelta{Content: "hi"}, FinishReason: strPtr("stop")}},
	})
	d.Decode(&ChatCompletionChunk{
		Usage: &Usage{PromptTokens: 12, CompletionTokens: 3},
	})

	events := d.Finish()
	end := events[len(events)-1]
	if end.Usage == nil || end.Usage.InputTokens != 12 || end.Usage.OutputTokens != 3 {
		t.Errorf("turn end usage = %+v, want 12/3", end.Usage)
	}
}

func TestStreamDecoderReasoningContent(t *testing.T) {
	d := NewStreamDecoder()
	events := d.Decode(&ChatCompletionChunk{
		Choices: []ChunkChoice{{Delta: ChunkDelta{ReasoningContent: "thinking hard"}}},
	})
	if len(events) != 1 || events[0].Kind != domain.EventReasoningDelta || events[0].ReasoningDelta != "thinking hard" {
		t.Errorf("events = %+v, want reasoning delta", events)
	}
}

func TestDecodeResponseToolCalls(t *testing.T) {
	resp := &ChatCompletionResponse{
		Choices: []Choice{{
			Message: ChatCompletionMessage{
				Role:    "assistant",
				Content: MessageContent{Text: "checking"},
				ToolCalls: []ToolCall{{
					ID:       "call_9",
					Type:     "function",
					Function: FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`},
				}},
			},
			FinishReason: "tool_calls",
		}},
		Usage: Usage{PromptTokens: 5, CompletionTokens: 7},
	}

	events, err := DecodeResponse(resp)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	// text, tool start, tool stop, turn end
	if len(events) != 4 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[1].Kind != domain.EventToolCallStart || events[1].ToolCall.ArgumentsDelta != `{"q":"x"}` {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[3].StopReason != "tool_use" || events[3].Usage.OutputTokens != 7 {
		t.Errorf("turn end = %+v", events[3])
	}
}

func TestDecodeResponseNoChoices(t *testing.T) {
	if _, err := DecodeResponse(&ChatCompletionResponse{}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}
