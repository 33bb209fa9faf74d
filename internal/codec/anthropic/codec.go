package anthropic

import (
	"encoding/json"

	"github.com/tjfontaine/llm-bridge/internal/capture"
	"github.com/tjfontaine/llm-bridge/internal/domain"
)

// interpretedFields are the request keys the forward mapping understands.
// Every other top-level field is preserved verbatim in
// SourceParameters.Extra so nothing is dropped even if uninterpreted.
var interpretedFields = map[string]bool{
	"model":          true,
	"messages":       true,
	"system":         true,
	"max_tokens":     true,
	"temperature":    true,
	"top_p":          true,
	"top_k":          true,
	"stream":         true,
	"stop_sequences": true,
	"tools":          true,
}

// DecodeRequest maps a Messages API request body into the neutral
// conversation model plus the opaque source parameters. Malformed blocks,
// unsupported attachment encodings, and dangling tool-result references are
// transformation errors; they fail this request only.
func DecodeRequest(data []byte) (*domain.Conversation, *domain.SourceParameters, error) {
	var req MessagesRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, nil, domain.ErrTransformation("malformed request body: %v", err).WithCause(err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, domain.ErrTransformation("malformed request body: %v", err).WithCause(err)
	}

	params := &domain.SourceParameters{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
		Tools:         req.Tools,
	}
	for key, value := range raw {
		if interpretedFields[key] {
			continue
		}
		if params.Extra == nil {
			params.Extra = make(map[string]json.RawMessage)
		}
		params.Extra[key] = value
	}

	conv := &domain.Conversation{
		// A conversation always carries a stable identity, even with zero
		// turns (system-only priming).
		ID: capture.NewCorrelationID(),
	}

	for i, sys := range req.System {
		if sys.Type != "" && sys.Type != "text" {
			return nil, nil, domain.ErrTransformation("system block %d: unsupported type %q", i, sys.Type)
		}
		conv.System += sys.Text
	}

	seenToolCalls := make(map[string]bool)

	for i, msg := range req.Messages {
		var role domain.Role
		switch msg.Role {
		case "user":
			role = domain.RoleUser
		case "assistant":
			role = domain.RoleAssistant
		default:
			return nil, nil, domain.ErrTransformation("message %d: unsupported role %q", i, msg.Role)
		}

		turn := domain.Turn{Role: role}
		for j, part := range msg.Content {
			item, err := decodePart(i, j, part, seenToolCalls)
			if err != nil {
				return nil, nil, err
			}
			turn.Items = append(turn.Items, item)
		}
		conv.Turns = append(conv.Turns, turn)
	}

	return conv, params, nil
}

func decodePart(msgIdx, partIdx int, part ContentPart, seenToolCalls map[string]bool) (domain.ContentItem, error) {
	switch part.Type {
	case "", "text":
		return domain.TextItem(part.Text), nil

	case "image":
		if part.Source == nil {
			return domain.ContentItem{}, domain.ErrTransformation("message %d block %d: image block without source", msgIdx, partIdx)
		}
		if part.Source.Type != "base64" {
			return domain.ContentItem{}, domain.ErrTransformation("message %d block %d: unsupported image encoding %q", msgIdx, partIdx, part.Source.Type)
		}
		return domain.AttachmentItem(part.Source.MediaType, part.Source.Data), nil

	case "tool_use":
		seenToolCalls[part.ID] = true
		return domain.ToolCallItem(part.ID, part.Name, part.Input), nil

	case "tool_result":
		if !seenToolCalls[part.ToolUseID] {
			return domain.ContentItem{}, domain.ErrTransformation("message %d block %d: tool_result references unknown tool_use id %q", msgIdx, partIdx, part.ToolUseID)
		}
		return domain.ToolResultItem(part.ToolUseID, string(part.Content), part.IsError), nil

	case "thinking":
		return domain.ReasoningItem(part.Thinking, part.Signature), nil

	default:
		return domain.ContentItem{}, domain.ErrTransformation("message %d block %d: unsupported content block type %q", msgIdx, partIdx, part.Type)
	}
}

// EncodeRequest maps a neutral conversation back into a Messages API
// request body. Opaque passthrough fields are merged back in verbatim, so
// decode/encode round-trips preserve them byte-for-byte.
func EncodeRequest(conv *domain.Conversation, params *domain.SourceParameters) ([]byte, error) {
	req := MessagesRequest{
		Model:         params.Model,
		MaxTokens:     params.MaxTokens,
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		TopK:          params.TopK,
		StopSequences: params.StopSequences,
		Stream:        params.Stream,
		Tools:         params.Tools,
	}

	if conv.System != "" {
		req.System = SystemMessages{{Type: "text", Text: conv.System}}
	}

	for _, turn := range conv.Turns {
		msg := Message{Role: string(turn.Role)}
		for _, item := range turn.Items {
			part, err := encodeItem(item)
			if err != nil {
				return nil, err
			}
			msg.Content = append(msg.Content, part)
		}
		req.Messages = append(req.Messages, msg)
	}

	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, domain.ErrTransformation("encode request: %v", err).WithCause(err)
	}
	if len(params.Extra) == 0 {
		return encoded, nil
	}

	// Merge passthrough fields into the encoded object.
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &merged); err != nil {
		return nil, domain.ErrTransformation("merge passthrough fields: %v", err).WithCause(err)
	}
	for key, value := range params.Extra {
		merged[key] = value
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, domain.ErrTransformation("merge passthrough fields: %v", err).WithCause(err)
	}
	return out, nil
}

func encodeItem(item domain.ContentItem) (ContentPart, error) {
	switch item.Kind {
	case domain.ItemText:
		return ContentPart{Type: "text", Text: item.Text}, nil

	case domain.ItemAttachment:
		return ContentPart{
			Type: "image",
			Source: &ImageSource{
				Type:      "base64",
				MediaType: item.Attachment.MediaType,
				Data:      item.Attachment.Data,
			},
		}, nil

	case domain.ItemToolCall:
		return ContentPart{
			Type:  "tool_use",
			ID:    item.ToolCall.ID,
			Name:  item.ToolCall.Name,
			Input: item.ToolCall.Arguments,
		}, nil

	case domain.ItemToolResult:
		return ContentPart{
			Type:      "tool_result",
			ToolUseID: item.ToolResult.ToolCallID,
			Content:   ToolResultContent(item.ToolResult.Content),
			IsError:   item.ToolResult.IsError,
		}, nil

	case domain.ItemReasoning:
		return ContentPart{
			Type:      "thinking",
			Thinking:  item.Reasoning.Text,
			Signature: item.Reasoning.Signature,
		}, nil

	default:
		return ContentPart{}, domain.ErrTransformation("unsupported content item kind %q", item.Kind)
	}
}
