// Package tokens estimates token usage with tiktoken for calls where the
// target provider did not report usage. Counts feed the usage fields of the
// re-framed response, so a missing upstream report degrades to an estimate
// instead of zeros.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/llm-bridge/internal/domain"
)

// Per-message overhead for chat models, per OpenAI's accounting: 3 tokens
// per message plus 1 for the role, plus 3 for assistant priming.
const (
	tokensPerMessage   = 3
	tokensPerRole      = 1
	assistantPriming   = 3
	toolCallOverhead   = 3
	toolResultOverhead = 2
)

// Estimator counts tokens for a model family using tiktoken encodings.
type Estimator struct {
	cacheMu    sync.RWMutex
	codecCache map[tokenizer.Encoding]tokenizer.Codec
}

// NewEstimator creates an estimator with an empty codec cache.
func NewEstimator() *Estimator {
	return &Estimator{codecCache: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

func (e *Estimator) getCodec(model string) (tokenizer.Codec, error) {
	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err == nil {
		return codec, nil
	}

	encoding := modelToEncoding(model)

	e.cacheMu.RLock()
	if cached, ok := e.codecCache[encoding]; ok {
		e.cacheMu.RUnlock()
		return cached, nil
	}
	e.cacheMu.RUnlock()

	codec, err = tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("get tokenizer encoding: %w", err)
	}

	e.cacheMu.Lock()
	e.codecCache[encoding] = codec
	e.cacheMu.Unlock()
	return codec, nil
}

// modelToEncoding picks an encoding by model prefix. Newer families use
// o200k_base; gpt-4 and gpt-3.5 use cl100k_base.
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// CountText counts tokens in a plain string.
func (e *Estimator) CountText(model, text string) (int, error) {
	codec, err := e.getCodec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// EstimateInput estimates the prompt token count of a conversation as the
// target provider would bill it.
func (e *Estimator) EstimateInput(model string, conv *domain.Conversation) (int, error) {
	codec, err := e.getCodec(model)
	if err != nil {
		return 0, err
	}

	count := func(text string) int {
		ids, _, _ := codec.Encode(text)
		return len(ids)
	}

	total := 0
	if conv.System != "" {
		total += tokensPerMessage + tokensPerRole + count(conv.System)
	}

	for _, turn := range conv.Turns {
		total += tokensPerMessage + tokensPerRole
		for _, item := range turn.Items {
			switch item.Kind {
			case domain.ItemText:
				total += count(item.Text)
			case domain.ItemReasoning:
				total += count(item.Reasoning.Text)
			case domain.ItemToolCall:
				total += count(item.ToolCall.Name)
				total += count(string(item.ToolCall.Arguments))
				total += toolCallOverhead
			case domain.ItemToolResult:
				total += count(item.ToolResult.Content)
				total += toolResultOverhead
			case domain.ItemAttachment:
				// Image token accounting is provider-specific; attachments
				// are not estimated.
			}
		}
	}

	total += assistantPriming
	return total, nil
}
