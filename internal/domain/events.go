package domain

// EventKind classifies a chunk of target-provider output after it has been
// mapped out of the target protocol's framing.
type EventKind string

const (
	EventTextDelta      EventKind = "text_delta"
	EventToolCallStart  EventKind = "tool_call_start"
	EventToolCallDelta  EventKind = "tool_call_delta"
	EventToolCallStop   EventKind = "tool_call_stop"
	EventReasoningDelta EventKind = "reasoning_delta"
	EventTurnEnd        EventKind = "turn_end"
	EventError          EventKind = "error"
)

// Usage reports token consumption for a completed turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolCallDelta carries an incremental slice of a tool call. The target
// protocol may segment a call arbitrarily; Index ties the slices of one call
// together so the source codec can reassemble them.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// RelayEvent is one classified chunk of target output flowing back through
// the reverse transformation. Within a call, events are delivered in the
// exact order the target stream produced them.
type RelayEvent struct {
	Kind           EventKind
	TextDelta      string
	ReasoningDelta string

	// ReasoningSignature is the opaque integrity token attached to a
	// reasoning block, when the target protocol surfaces one.
	ReasoningSignature string

	ToolCall   *ToolCallDelta
	StopReason string
	Usage      *Usage
	Err        error
}
