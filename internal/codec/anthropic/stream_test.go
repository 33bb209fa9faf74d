package anthropic

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/llm-bridge/internal/domain"
)

func writeAll(t *testing.T, sw *StreamWriter, events []domain.RelayEvent) {
	t.Helper()
	for _, ev := range events {
		if err := sw.WriteEvent(ev); err != nil {
			t.Fatalf("WriteEvent(%+v): %v", ev, err)
		}
	}
}

// parseSSE splits a stream into (event, data) frames.
func parseSSE(body string) [][2]string {
	var frames [][2]string
	for _, block := range strings.Split(body, "\n\n") {
		var event, data string
		for _, line := range strings.Split(block, "\n") {
			if after, ok := strings.CutPrefix(line, "event: "); ok {
				event = after
			}
			if after, ok := strings.CutPrefix(line, "data: "); ok {
				data = after
			}
		}
		if event != "" {
			frames = append(frames, [2]string{event, data})
		}
	}
	return frames
}

func TestStreamWriterTextDeltas(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec, "claude-x", 7)

	writeAll(t, sw, []domain.RelayEvent{
		{Kind: domain.EventTextDelta, TextDelta: "po"},
		{Kind: domain.EventTextDelta, TextDelta: "ng!"},
		{Kind: domain.EventTurnEnd, StopReason: "end_turn", Usage: &domain.Usage{InputTokens: 2, OutputTokens: 3}},
	})

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	frames := parseSSE(rec.Body.String())
	order := []string{}
	for _, f := range frames {
		order = append(order, f[0])
	}
	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if len(order) != len(want) {
		t.Fatalf("frames = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("frame %d = %q, want %q (all: %v)", i, order[i], want[i], order)
		}
	}

	var start MessageStartEvent
	if err := json.Unmarshal([]byte(frames[0][1]), &start); err != nil {
		t.Fatalf("unmarshal message_start: %v", err)
	}
	if start.Message.Usage.InputTokens != 7 {
		t.Errorf("message_start input tokens = %d, want 7", start.Message.Usage.InputTokens)
	}

	var delta MessageDeltaEvent
	if err := json.Unmarshal([]byte(frames[5][1]), &delta); err != nil {
		t.Fatalf("unmarshal message_delta: %v", err)
	}
	if delta.Delta.StopReason != "end_turn" || delta.Usage.OutputTokens != 3 {
		t.Errorf("message_delta = %+v", delta)
	}
}

func TestStreamWriterToolCallReassembly(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec, "claude-x", 0)

	// Target segments the call arbitrarily; text keeps flowing between the
	// argument slices.
	writeAll(t, sw, []domain.RelayEvent{
		{Kind: domain.EventTextDelta, TextDelta: "checking"},
		{Kind: domain.EventToolCallStart, ToolCall: &domain.ToolCallDelta{Index: 0, ID: "call_1", Name: "get_weather", ArgumentsDelta: `{"ci`}},
		{Kind: domain.EventTextDelta, TextDelta: " now"},
		{Kind: domain.EventToolCallDelta, ToolCall: &domain.ToolCallDelta{Index: 0, ArgumentsDelta: `ty":"SF"}`}},
		{Kind: domain.EventToolCallStop, ToolCall: &domain.ToolCallDelta{Index: 0}},
		{Kind: domain.EventTurnEnd, StopReason: "tool_use"},
	})

	body := rec.Body.String()

	// The reassembled call appears as one complete tool_use block.
	var start ContentBlockStartEvent
	for _, f := range parseSSE(body) {
		if f[0] != "content_block_start" {
			continue
		}
		var ev ContentBlockStartEvent
		if err := json.Unmarshal([]byte(f[1]), &ev); err != nil {
			t.Fatalf("unmarshal content_block_start: %v", err)
		}
		if ev.ContentBlock.Type == "tool_use" {
			start = ev
		}
	}
	if start.ContentBlock.Name != "get_weather" || start.ContentBlock.ID != "call_1" {
		t.Fatalf("tool_use start = %+v", start)
	}

	if !strings.Contains(body, `"partial_json":"{\"city\":\"SF\"}"`) {
		t.Errorf("arguments not reassembled into one input_json_delta:\n%s", body)
	}
}

func TestStreamWriterThinkingSignature(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec, "claude-x", 0)

	writeAll(t, sw, []domain.RelayEvent{
		{Kind: domain.EventReasoningDelta, ReasoningDelta: "hmm", ReasoningSignature: "sig-abc"},
		{Kind: domain.EventTextDelta, TextDelta: "answer"},
		{Kind: domain.EventTurnEnd, StopReason: "end_turn"},
	})

	body := rec.Body.String()
	sigIdx := strings.Index(body, `"signature_delta"`)
	textIdx := strings.Index(body, `"text_delta"`)
	if sigIdx == -1 {
		t.Fatal("signature_delta never emitted")
	}
	if textIdx != -1 && sigIdx > textIdx {
		t.Error("signature must be emitted before the thinking block closes")
	}
	if !strings.Contains(body, `"thinking":"hmm"`) {
		t.Errorf("thinking delta missing:\n%s", body)
	}
}

func TestStreamWriterErrorEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec, "claude-x", 0)

	writeAll(t, sw, []domain.RelayEvent{
		{Kind: domain.EventTextDelta, TextDelta: "par"},
	})
	if err := sw.WriteError(domain.ErrForwarding(false, "target hung up")); err != nil {
		t.Fatalf("WriteError: %v", err)
	}

	frames := parseSSE(rec.Body.String())
	last := frames[len(frames)-1]
	if last[0] != "error" {
		t.Fatalf("last frame = %q, want error", last[0])
	}
	var envelope ErrorResponse
	if err := json.Unmarshal([]byte(last[1]), &envelope); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if envelope.Error.Type != "api_error" || !strings.Contains(envelope.Error.Message, "target hung up") {
		t.Errorf("error payload = %+v", envelope.Error)
	}
}

func TestStreamWriterFlushesUnstoppedToolsAtTurnEnd(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec, "claude-x", 0)

	writeAll(t, sw, []domain.RelayEvent{
		{Kind: domain.EventToolCallStart, ToolCall: &domain.ToolCallDelta{Index: 1, Name: "second", ArgumentsDelta: "{}"}},
		{Kind: domain.EventToolCallStart, ToolCall: &domain.ToolCallDelta{Index: 0, Name: "first", ArgumentsDelta: "{}"}},
		{Kind: domain.EventTurnEnd, StopReason: "tool_use"},
	})

	body := rec.Body.String()
	firstIdx := strings.Index(body, `"name":"first"`)
	secondIdx := strings.Index(body, `"name":"second"`)
	if firstIdx == -1 || secondIdx == -1 {
		t.Fatalf("buffered tools not flushed:\n%s", body)
	}
	if firstIdx > secondIdx {
		t.Error("leftover tools must flush in index order")
	}
}

func TestAssemblerBuildsResponse(t *testing.T) {
	asm := NewAssembler("claude-x")
	events := []domain.RelayEvent{
		{Kind: domain.EventReasoningDelta, ReasoningDelta: "let me think", ReasoningSignature: "sig-1"},
		{Kind: domain.EventTextDelta, TextDelta: "the answer "},
		{Kind: domain.EventTextDelta, TextDelta: "is 4"},
		{Kind: domain.EventToolCallStart, ToolCall: &domain.ToolCallDelta{Index: 0, ID: "call_1", Name: "verify", ArgumentsDelta: `{"n":4}`}},
		{Kind: domain.EventToolCallStop, ToolCall: &domain.ToolCallDelta{Index: 0}},
		{Kind: domain.EventTurnEnd, StopReason: "tool_use", Usage: &domain.Usage{InputTokens: 7, OutputTokens: 9}},
	}
	for _, ev := range events {
		if err := asm.Add(ev); err != nil {
			t.Fatalf("Add(%+v): %v", ev, err)
		}
	}

	resp := asm.Response()
	if resp.Role != "assistant" || resp.Model != "claude-x" {
		t.Errorf("envelope = %+v", resp)
	}
	if len(resp.Content) != 3 {
		t.Fatalf("content = %+v, want thinking+text+tool_use", resp.Content)
	}
	if resp.Content[0].Type != "thinking" || resp.Content[0].Signature != "sig-1" {
		t.Errorf("content 0 = %+v", resp.Content[0])
	}
	if resp.Content[1].Type != "text" || resp.Content[1].Text != "the answer is 4" {
		t.Errorf("content 1 = %+v", resp.Content[1])
	}
	if resp.Content[2].Type != "tool_use" || resp.Content[2].Name != "verify" {
		t.Errorf("content 2 = %+v", resp.Content[2])
	}
	if resp.StopReason != "tool_use" || resp.Usage.OutputTokens != 9 {
		t.Errorf("stop/usage = %q/%+v", resp.StopReason, resp.Usage)
	}
}

func TestAssemblerDefaultsStopReason(t *testing.T) {
	asm := NewAssembler("claude-x")
	asm.Add(domain.RelayEvent{Kind: domain.EventTextDelta, TextDelta: "hi"})
	resp := asm.Response()
	if resp.StopReason != "end_turn" {
		t.Errorf("stop reason = %q, want end_turn default", resp.StopReason)
	}
}
