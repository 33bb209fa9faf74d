// Package relay forwards transformed conversations to the target provider
// and streams the classified results back toward the source codec.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	api "github.com/tjfontaine/llm-bridge/internal/api/openai"
	codec "github.com/tjfontaine/llm-bridge/internal/codec/openai"
	"github.com/tjfontaine/llm-bridge/internal/domain"
	"github.com/tjfontaine/llm-bridge/internal/tokens"
)

const (
	defaultMaxRetries = 2
	defaultBackoff    = 500 * time.Millisecond
)

// TargetClient is the provider call surface the relay depends on.
type TargetClient interface {
	CreateChatCompletion(ctx context.Context, req *codec.ChatCompletionRequest) (*codec.ChatCompletionResponse, error)
	StreamChatCompletion(ctx context.Context, req *codec.ChatCompletionRequest) (<-chan api.StreamResult, error)
}

// EventSink receives relay events in stream order.
type EventSink interface {
	WriteEvent(ev domain.RelayEvent) error
}

// Option configures a Relay.
type Option func(*Relay)

// WithMaxRetries overrides the retry budget for attempts that have not yet
// emitted a byte to the caller.
func WithMaxRetries(n int) Option {
	return func(r *Relay) { r.maxRetries = n }
}

// WithBackoff overrides the base backoff interval.
func WithBackoff(d time.Duration) Option {
	return func(r *Relay) { r.backoff = d }
}

// Relay drives one target call per invocation. It retries retryable
// failures with exponential backoff, but only while nothing has been
// emitted to the caller; the first emitted event commits the call.
type Relay struct {
	client     TargetClient
	estimator  *tokens.Estimator
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration
}

// New creates a relay around the given target client.
func New(client TargetClient, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		client:     client,
		estimator:  tokens.NewEstimator(),
		logger:     logger,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Complete forwards a non-streaming call and returns the classified events.
func (r *Relay) Complete(ctx context.Context, conv *domain.Conversation, params *domain.SourceParameters, target domain.TargetSelector) ([]domain.RelayEvent, error) {
	req, err := codec.EncodeRequest(conv, params, target.Model)
	if err != nil {
		return nil, err
	}
	req.Stream = false
	req.StreamOptions = nil

	var resp *codec.ChatCompletionResponse
	for attempt := 0; ; attempt++ {
		resp, err = r.client.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}
		if !r.shouldRetry(ctx, err, attempt) {
			return nil, err
		}
		r.waitBackoff(ctx, attempt)
	}

	events, err := codec.DecodeResponse(resp)
	if err != nil {
		return nil, err
	}
	r.fillUsage(events, conv, target.Model)
	return events, nil
}

// Stream forwards a streaming call, pushing classified events into sink as
// the target produces them. Event order within the call is preserved; the
// only reordering the caller observes downstream is tool-call reassembly in
// the source codec.
func (r *Relay) Stream(ctx context.Context, conv *domain.Conversation, params *domain.SourceParameters, target domain.TargetSelector, sink EventSink) error {
	req, err := codec.EncodeRequest(conv, params, target.Model)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		committed, err := r.streamOnce(ctx, req, conv, target.Model, sink)
		if err == nil {
			return nil
		}
		if committed || !r.shouldRetry(ctx, err, attempt) {
			return err
		}
		r.logger.Warn("retrying target call",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
		r.waitBackoff(ctx, attempt)
	}
}

// streamOnce runs one attempt. committed reports whether any event reached
// the sink, after which the call can no longer be retried.
func (r *Relay) streamOnce(ctx context.Context, req *codec.ChatCompletionRequest, conv *domain.Conversation, model string, sink EventSink) (committed bool, err error) {
	stream, err := r.client.StreamChatCompletion(ctx, req)
	if err != nil {
		return false, err
	}

	decoder := codec.NewStreamDecoder()
	var outputText strings.Builder

	emit := func(ev domain.RelayEvent) error {
		committed = true
		switch ev.Kind {
		case domain.EventTextDelta:
			outputText.WriteString(ev.TextDelta)
		case domain.EventReasoningDelta:
			outputText.WriteString(ev.ReasoningDelta)
		case domain.EventToolCallStart, domain.EventToolCallDelta:
			outputText.WriteString(ev.ToolCall.ArgumentsDelta)
		}
		return sink.WriteEvent(ev)
	}

	for res := range stream {
		if res.Err != nil {
			return committed, res.Err
		}
		for _, ev := range decoder.Decode(res.Chunk) {
			if err := emit(ev); err != nil {
				return committed, err
			}
		}
		if ctx.Err() != nil {
			return committed, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return committed, ctx.Err()
	}

	closing := decoder.Finish()
	r.estimateMissing(closing, conv, model, outputText.String())
	for _, ev := range closing {
		if err := emit(ev); err != nil {
			return committed, err
		}
	}
	return committed, nil
}

// fillUsage backfills missing usage on the turn end event of a completed
// call.
func (r *Relay) fillUsage(events []domain.RelayEvent, conv *domain.Conversation, model string) {
	var outputText strings.Builder
	for _, ev := range events {
		switch ev.Kind {
		case domain.EventTextDelta:
			outputText.WriteString(ev.TextDelta)
		case domain.EventReasoningDelta:
			outputText.WriteString(ev.ReasoningDelta)
		case domain.EventToolCallStart, domain.EventToolCallDelta:
			outputText.WriteString(ev.ToolCall.ArgumentsDelta)
		}
	}
	r.estimateMissing(events, conv, model, outputText.String())
}

// estimateMissing replaces an absent or empty usage report on the turn end
// event with tokenizer estimates.
func (r *Relay) estimateMissing(events []domain.RelayEvent, conv *domain.Conversation, model, outputText string) {
	for i := range events {
		ev := &events[i]
		if ev.Kind != domain.EventTurnEnd {
			continue
		}
		if ev.Usage != nil && (ev.Usage.InputTokens > 0 || ev.Usage.OutputTokens > 0) {
			return
		}

		input, err := r.estimator.EstimateInput(model, conv)
		if err != nil {
			r.logger.Warn("input token estimate failed", slog.String("error", err.Error()))
			return
		}
		output, err := r.estimator.CountText(model, outputText)
		if err != nil {
			r.logger.Warn("output token estimate failed", slog.String("error", err.Error()))
			return
		}
		ev.Usage = &domain.Usage{InputTokens: input, OutputTokens: output}
		return
	}
}

func (r *Relay) shouldRetry(ctx context.Context, err error, attempt int) bool {
	if ctx.Err() != nil || attempt >= r.maxRetries {
		return false
	}
	var bridgeErr *domain.BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Retryable
	}
	return false
}

func (r *Relay) waitBackoff(ctx context.Context, attempt int) {
	d := r.backoff << attempt
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
