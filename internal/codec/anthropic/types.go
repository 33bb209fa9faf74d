// Package anthropic implements the source-protocol codec: it maps Anthropic
// Messages API payloads into the neutral conversation model and re-emits
// relay output in the Messages API's exact framing, streaming included.
package anthropic

import (
	"encoding/json"
	"fmt"
)

// MessagesRequest is the Anthropic Messages API request. Only fields the
// forward mapping interprets are typed; everything else rides through the
// opaque passthrough in SourceParameters.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	System        SystemMessages  `json:"system,omitempty"`
	Temperature   *float32        `json:"temperature,omitempty"`
	TopP          *float32        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         json.RawMessage `json:"tools,omitempty"`
}

// Message is one conversation message.
type Message struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// ContentBlock accepts both the string shortcut and the array-of-blocks
// form.
type ContentBlock []ContentPart

// UnmarshalJSON handles both string and array content formats.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*c = ContentBlock{{Type: "text", Text: str}}
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*c = parts
	return nil
}

// MarshalJSON serializes the content block array form.
func (c ContentBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal([]ContentPart(c))
}

// ContentPart is a single content block within a message.
type ContentPart struct {
	Type string `json:"type"` // "text", "image", "tool_use", "tool_result", "thinking"
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string            `json:"tool_use_id,omitempty"`
	Content   ToolResultContent `json:"content,omitempty"`
	IsError   bool              `json:"is_error,omitempty"`

	// For image blocks
	Source *ImageSource `json:"source,omitempty"`

	// For thinking blocks; Signature is an opaque integrity token
	// preserved byte-for-byte.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ToolResultContent accepts a string or an array of text blocks.
type ToolResultContent string

// UnmarshalJSON flattens tool result content to text.
func (t *ToolResultContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*t = ToolResultContent(str)
		return nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" || b.Type == "" {
			out += b.Text
		}
	}
	*t = ToolResultContent(out)
	return nil
}

// ImageSource is the image payload of an image block.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// SystemMessages is the system prompt, string or array of text blocks.
type SystemMessages []SystemBlock

// UnmarshalJSON handles both string and array system formats.
func (s *SystemMessages) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = SystemMessages{{Type: "text", Text: str}}
		return nil
	}

	var blocks []SystemBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*s = blocks
	return nil
}

// SystemBlock is one block of the system prompt.
type SystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MessagesResponse is the non-streaming Messages API response.
type MessagesResponse struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Role         string            `json:"role"`
	Content      []ResponseContent `json:"content"`
	Model        string            `json:"model"`
	StopReason   string            `json:"stop_reason"`
	StopSequence *string           `json:"stop_sequence"`
	Usage        MessagesUsage     `json:"usage"`
}

// ResponseContent is one content block of a response.
type ResponseContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// MessagesUsage reports token usage.
type MessagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Streaming event payloads.

// MessageStartEvent opens a streamed message.
type MessageStartEvent struct {
	Type    string           `json:"type"`
	Message MessagesResponse `json:"message"`
}

// ContentBlockStartEvent opens a content block.
type ContentBlockStartEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock ResponseContent `json:"content_block"`
}

// ContentBlockDeltaEvent carries an in-block delta.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

// BlockDelta is the delta body: text, partial tool-call JSON, thinking text,
// or a thinking signature.
type BlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// ContentBlockStopEvent closes a content block.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaEvent carries message-level updates before message_stop.
type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage *DeltaUsage  `json:"usage,omitempty"`
}

// MessageDelta is the message-level delta body.
type MessageDelta struct {
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence"`
}

// DeltaUsage is the usage payload of a message_delta event.
type DeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

// ErrorResponse is the Messages API error envelope.
type ErrorResponse struct {
	Type  string    `json:"type"`
	Error *APIError `json:"error"`
}

// APIError is the error body inside the envelope.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
