// Package openai implements the target-protocol adapter: it builds native
// Chat Completions requests from the neutral conversation model and
// classifies the provider's output chunks into relay events.
package openai

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/llm-bridge/internal/domain"
)

// ChatCompletionRequest is the Chat Completions request body.
type ChatCompletionRequest struct {
	Model               string                  `json:"model"`
	Messages            []ChatCompletionMessage `json:"messages"`
	MaxCompletionTokens int                     `json:"max_completion_tokens,omitempty"`
	Temperature         *float32                `json:"temperature,omitempty"`
	TopP                *float32                `json:"top_p,omitempty"`
	Stream              bool                    `json:"stream,omitempty"`
	StreamOptions       *StreamOptions          `json:"stream_options,omitempty"`
	Stop                []string                `json:"stop,omitempty"`
	Tools               []Tool                  `json:"tools,omitempty"`
}

// StreamOptions configures streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatCompletionMessage is one message in the request or response.
type ChatCompletionMessage struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// MessageContent is either plain text or an array of multimodal parts.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// MarshalJSON emits the string shortcut when the content is plain text.
func (mc MessageContent) MarshalJSON() ([]byte, error) {
	if len(mc.Parts) == 0 {
		return json.Marshal(mc.Text)
	}
	return json.Marshal(mc.Parts)
}

// UnmarshalJSON accepts both forms.
func (mc *MessageContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		mc.Text = str
		mc.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	mc.Parts = parts
	mc.Text = ""
	return nil
}

// ContentPart is one multimodal content part.
type ContentPart struct {
	Type     string    `json:"type"` // "text", "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image, here always a data: URI built from the
// source attachment.
type ImageURL struct {
	URL string `json:"url"`
}

// Tool is a function tool definition in the OpenAI schema dialect.
type Tool struct {
	Type     string       `json:"type"`
	Function FunctionTool `json:"function"`
}

// FunctionTool describes the function signature.
type FunctionTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a completed tool call in a response message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the call's name and serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse is the non-streaming response body.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage,omitempty"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one streamed SSE chunk.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is one choice inside a streamed chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental content of a streamed chunk.
// ReasoningContent is emitted by OpenAI-compatible servers that stream
// reasoning tokens separately.
type ChunkDelta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallChunk `json:"tool_calls,omitempty"`
}

// ToolCallChunk is a partial tool call slice within a streamed chunk.
type ToolCallChunk struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function *FunctionCallChunk `json:"function,omitempty"`
}

// FunctionCallChunk is a partial function call.
type FunctionCallChunk struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ErrorResponse is the OpenAI error envelope.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError contains error details.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ToBridgeError maps a target-provider error into the canonical taxonomy so
// it can be re-rendered in source-protocol shape. The caller never sees the
// OpenAI error format.
func (e *APIError) ToBridgeError(statusCode int) *domain.BridgeError {
	retryable := statusCode == http.StatusTooManyRequests || statusCode >= 500

	bridgeErr := domain.ErrForwarding(retryable, "%s", e.Message).WithStatusCode(statusCode)
	switch e.Type {
	case "invalid_request_error":
		bridgeErr.Type = domain.ErrorTypeInvalidRequest
	case "authentication_error":
		bridgeErr.Type = domain.ErrorTypeAuthentication
	case "permission_denied":
		bridgeErr.Type = domain.ErrorTypePermission
	case "not_found":
		bridgeErr.Type = domain.ErrorTypeNotFound
	case "rate_limit_error":
		bridgeErr.Type = domain.ErrorTypeRateLimit
	case "service_unavailable":
		bridgeErr.Type = domain.ErrorTypeOverloaded
	default:
		bridgeErr.Type = domain.ErrorTypeAPI
	}
	return bridgeErr
}

// ParseErrorResponse attempts to parse an error envelope from a response
// body.
func ParseErrorResponse(data []byte) (*APIError, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	if errResp.Error == nil {
		return nil, nil
	}
	return errResp.Error, nil
}
