package openai

import (
	"encoding/json"

	"github.com/tjfontaine/llm-bridge/internal/domain"
)

// sourceTool is the minimal shape of a tool definition in the source
// provider's dialect. Definitions are carried verbatim until this point and
// translated only when the target request is constructed.
type sourceTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// EncodeRequest builds a native Chat Completions request from the neutral
// conversation and the caller's generation parameters. The system prompt
// becomes the leading system message and every turn maps positionally, so
// relative ordering of content is preserved.
func EncodeRequest(conv *domain.Conversation, params *domain.SourceParameters, model string) (*ChatCompletionRequest, error) {
	req := &ChatCompletionRequest{
		Model:               model,
		MaxCompletionTokens: params.MaxTokens,
		Temperature:         params.Temperature,
		TopP:                params.TopP,
		Stream:              params.Stream,
		Stop:                params.StopSequences,
	}
	if params.Stream {
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	if len(params.Tools) > 0 {
		tools, err := translateTools(params.Tools)
		if err != nil {
			return nil, err
		}
		req.Tools = tools
	}

	if conv.System != "" {
		req.Messages = append(req.Messages, ChatCompletionMessage{
			Role:    "system",
			Content: MessageContent{Text: conv.System},
		})
	}

	for _, turn := range conv.Turns {
		msgs, err := encodeTurn(turn)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msgs...)
	}

	return req, nil
}

// translateTools converts tool definitions from the source dialect into the
// target's function-tool schema.
func translateTools(raw json.RawMessage) ([]Tool, error) {
	var defs []sourceTool
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, domain.ErrTransformation("parse tool definitions: %v", err).WithCause(err)
	}

	tools := make([]Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, domain.ErrTransformation("tool definition missing name")
		}
		tools = append(tools, Tool{
			Type: "function",
			Function: FunctionTool{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return tools, nil
}

// encodeTurn maps one neutral turn onto target messages. Tool results must
// be standalone "tool" role messages, so a user turn containing them fans
// out into several messages while preserving item order.
func encodeTurn(turn domain.Turn) ([]ChatCompletionMessage, error) {
	switch turn.Role {
	case domain.RoleAssistant:
		return encodeAssistantTurn(turn)
	case domain.RoleUser:
		return encodeUserTurn(turn)
	default:
		return nil, domain.ErrTransformation("unsupported turn role %q", turn.Role)
	}
}

func encodeAssistantTurn(turn domain.Turn) ([]ChatCompletionMessage, error) {
	msg := ChatCompletionMessage{Role: "assistant"}
	var text string

	for _, item := range turn.Items {
		switch item.Kind {
		case domain.ItemText:
			text += item.Text
		case domain.ItemToolCall:
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   item.ToolCall.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      item.ToolCall.Name,
					Arguments: string(item.ToolCall.Arguments),
				},
			})
		case domain.ItemReasoning:
			// The target protocol has no slot for prior-turn reasoning.
		default:
			return nil, domain.ErrTransformation("unsupported assistant item kind %q", item.Kind)
		}
	}

	msg.Content = MessageContent{Text: text}
	return []ChatCompletionMessage{msg}, nil
}

func encodeUserTurn(turn domain.Turn) ([]ChatCompletionMessage, error) {
	var msgs []ChatCompletionMessage
	var parts []ContentPart

	flushParts := func() {
		if len(parts) == 0 {
			return
		}
		content := MessageContent{Parts: parts}
		if len(parts) == 1 && parts[0].Type == "text" {
			content = MessageContent{Text: parts[0].Text}
		}
		msgs = append(msgs, ChatCompletionMessage{Role: "user", Content: content})
		parts = nil
	}

	for _, item := range turn.Items {
		switch item.Kind {
		case domain.ItemText:
			parts = append(parts, ContentPart{Type: "text", Text: item.Text})

		case domain.ItemAttachment:
			parts = append(parts, ContentPart{
				Type: "image_url",
				ImageURL: &ImageURL{
					URL: "data:" + item.Attachment.MediaType + ";base64," + item.Attachment.Data,
				},
			})

		case domain.ItemToolResult:
			flushParts()
			msgs = append(msgs, ChatCompletionMessage{
				Role:       "tool",
				ToolCallID: item.ToolResult.ToolCallID,
				Content:    MessageContent{Text: item.ToolResult.Content},
			})

		default:
			return nil, domain.ErrTransformation("unsupported user item kind %q", item.Kind)
		}
	}
	flushParts()

	return msgs, nil
}

// mapFinishReason translates the target's finish reason into the source
// protocol's stop reason vocabulary.
func mapFinishReason(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}
