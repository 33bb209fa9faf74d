// Package domain defines the provider-neutral conversation model that the
// bridge pivots through, the relay event stream model, and the canonical
// error taxonomy.
package domain

import "encoding/json"

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ItemKind is the tag of a ContentItem variant.
type ItemKind string

const (
	ItemText       ItemKind = "text"
	ItemAttachment ItemKind = "attachment"
	ItemToolCall   ItemKind = "tool_call"
	ItemToolResult ItemKind = "tool_result"
	ItemReasoning  ItemKind = "reasoning"
)

// ContentItem is a tagged union over the content variants a turn may carry.
// Exactly one of the variant pointers is set for non-text kinds.
type ContentItem struct {
	Kind ItemKind `json:"kind"`

	// For text items
	Text string `json:"text,omitempty"`

	Attachment *Attachment `json:"attachment,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Reasoning  *Reasoning  `json:"reasoning,omitempty"`
}

// Attachment is a binary content item with a declared media type.
// Data is base64-encoded as received from the source protocol.
type Attachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ToolCall is an assistant-issued tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult answers a preceding assistant tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Reasoning carries a thinking block. Signature is an opaque integrity token
// that must round-trip byte-for-byte if the content is ever sent back to the
// source provider.
type Reasoning struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// Turn is one conversation turn. Item order is meaningful and must be
// preserved through every transformation.
type Turn struct {
	Role  Role          `json:"role"`
	Items []ContentItem `json:"items"`
}

// Conversation is the neutral multi-turn exchange. A zero-turn conversation
// is valid (system-only priming) but always carries a stable ID for logging.
type Conversation struct {
	ID     string `json:"id"`
	System string `json:"system,omitempty"`
	Turns  []Turn `json:"turns"`
}

// SourceParameters carries the source request's call parameters that have no
// neutral representation. Tool definitions stay in source-provider shape:
// schema dialects differ enough across providers that a lossy neutral form
// would corrupt tool calling, so translation happens in the target adapter
// at request-construction time. Extra holds every unrecognized request field
// verbatim, keyed by name.
type SourceParameters struct {
	Model         string                     `json:"model"`
	MaxTokens     int                        `json:"max_tokens,omitempty"`
	Temperature   *float32                   `json:"temperature,omitempty"`
	TopP          *float32                   `json:"top_p,omitempty"`
	TopK          *int                       `json:"top_k,omitempty"`
	StopSequences []string                   `json:"stop_sequences,omitempty"`
	Stream        bool                       `json:"stream,omitempty"`
	Tools         json.RawMessage            `json:"tools,omitempty"`
	Extra         map[string]json.RawMessage `json:"extra,omitempty"`
}

// TargetSelector identifies the provider a conversation is forwarded to.
type TargetSelector struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"-"`
	BaseURL  string `json:"base_url,omitempty"`
}

// TextItem creates a text content item.
func TextItem(text string) ContentItem {
	return ContentItem{Kind: ItemText, Text: text}
}

// AttachmentItem creates an attachment content item.
func AttachmentItem(mediaType, data string) ContentItem {
	return ContentItem{Kind: ItemAttachment, Attachment: &Attachment{MediaType: mediaType, Data: data}}
}

// ToolCallItem creates a tool call content item.
func ToolCallItem(id, name string, args json.RawMessage) ContentItem {
	return ContentItem{Kind: ItemToolCall, ToolCall: &ToolCall{ID: id, Name: name, Arguments: args}}
}

// ToolResultItem creates a tool result content item.
func ToolResultItem(toolCallID, content string, isError bool) ContentItem {
	return ContentItem{Kind: ItemToolResult, ToolResult: &ToolResult{ToolCallID: toolCallID, Content: content, IsError: isError}}
}

// ReasoningItem creates a reasoning content item.
func ReasoningItem(text, signature string) ContentItem {
	return ContentItem{Kind: ItemReasoning, Reasoning: &Reasoning{Text: text, Signature: signature}}
}

// ToolCallIDs returns the identifiers of every tool call issued in the
// conversation so far, in turn order.
func (c *Conversation) ToolCallIDs() []string {
	var ids []string
	for _, turn := range c.Turns {
		for _, item := range turn.Items {
			if item.Kind == ItemToolCall && item.ToolCall != nil {
				ids = append(ids, item.ToolCall.ID)
			}
		}
	}
	return ids
}
