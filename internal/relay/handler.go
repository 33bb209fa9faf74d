package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/llm-bridge/internal/capture"
	"github.com/tjfontaine/llm-bridge/internal/codec/anthropic"
	"github.com/tjfontaine/llm-bridge/internal/domain"
	"github.com/tjfontaine/llm-bridge/internal/server"
	"github.com/tjfontaine/llm-bridge/internal/storage"
	"github.com/tjfontaine/llm-bridge/internal/tokens"
	"github.com/tjfontaine/llm-bridge/internal/tracelog"
)

// ConversationSink receives the transformed-conversation record of each
// bridged request.
type ConversationSink interface {
	AppendConversation(rec *tracelog.ConversationRecord)
}

// Handler is the exchange handler for intercepted Messages API calls: it
// decodes the source request into the neutral model, logs the transformed
// conversation, drives the relay, and re-frames the result in source shape.
type Handler struct {
	relay     *Relay
	target    domain.TargetSelector
	convLog   ConversationSink
	records   storage.RecordStore
	estimator *tokens.Estimator
	logger    *slog.Logger
}

// NewHandler wires the exchange handler. records may be nil when
// persistence is disabled.
func NewHandler(r *Relay, target domain.TargetSelector, convLog ConversationSink, records storage.RecordStore, logger *slog.Logger) *Handler {
	return &Handler{
		relay:     r,
		target:    target,
		convLog:   convLog,
		records:   records,
		estimator: tokens.NewEstimator(),
		logger:    logger,
	}
}

// lazyStreamWriter defers SSE header emission until the first relay event,
// so failures before the first byte can still produce a proper HTTP error
// response.
type lazyStreamWriter struct {
	w           http.ResponseWriter
	model       string
	inputTokens int
	sw          *anthropic.StreamWriter
}

func (l *lazyStreamWriter) WriteEvent(ev domain.RelayEvent) error {
	if l.sw == nil {
		l.sw = anthropic.NewStreamWriter(l.w, l.model, l.inputTokens)
	}
	return l.sw.WriteEvent(ev)
}

func (l *lazyStreamWriter) started() bool {
	return l.sw != nil
}

// ServeExchange handles one intercepted call end to end.
func (h *Handler) ServeExchange(w http.ResponseWriter, r *http.Request, body []byte) {
	ctx := r.Context()
	requestID := server.GetRequestID(ctx)
	start := time.Now()

	conv, params, err := anthropic.DecodeRequest(body)
	if err != nil {
		server.AddError(ctx, err)
		anthropic.WriteError(w, err)
		return
	}
	server.AddLogField(ctx, "source_model", params.Model)
	server.AddLogField(ctx, "target_model", h.target.Model)

	if h.convLog != nil {
		h.convLog.AppendConversation(&tracelog.ConversationRecord{
			Timestamp:       capture.Now(),
			RequestID:       requestID,
			OriginalRequest: json.RawMessage(body),
			Conversation:    conv,
			Parameters:      params,
			Target:          &h.target,
			LoggedAt:        time.Now().UTC().Format(time.RFC3339Nano),
		})
	}

	var relayErr error
	var stopReason string
	var usage *domain.Usage

	if params.Stream {
		// message_start carries input usage, but the target only reports
		// usage at stream end; estimate up front.
		inputTokens, err := h.estimator.EstimateInput(h.target.Model, conv)
		if err != nil {
			h.logger.Warn("input token estimate failed", slog.String("error", err.Error()))
		}
		sink := &lazyStreamWriter{w: w, model: params.Model, inputTokens: inputTokens}
		observed := &observingSink{next: sink}
		relayErr = h.relay.Stream(ctx, conv, params, h.target, observed)
		stopReason, usage = observed.stopReason, observed.usage

		if relayErr != nil {
			server.AddError(ctx, relayErr)
			if sink.started() {
				sink.sw.WriteError(relayErr)
			} else {
				anthropic.WriteError(w, relayErr)
			}
		}
	} else {
		var events []domain.RelayEvent
		events, relayErr = h.relay.Complete(ctx, conv, params, h.target)
		if relayErr != nil {
			server.AddError(ctx, relayErr)
			anthropic.WriteError(w, relayErr)
		} else {
			asm := anthropic.NewAssembler(params.Model)
			for _, ev := range events {
				if err := asm.Add(ev); err != nil {
					relayErr = err
					break
				}
				if ev.Kind == domain.EventTurnEnd {
					stopReason = ev.StopReason
					usage = ev.Usage
				}
			}
			if relayErr != nil {
				server.AddError(ctx, relayErr)
				anthropic.WriteError(w, relayErr)
			} else {
				resp := asm.Response()
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(resp)
			}
		}
	}

	h.saveRecord(r, requestID, conv, params, stopReason, usage, relayErr, time.Since(start))
}

// observingSink captures the turn-end outcome on its way to the real sink.
type observingSink struct {
	next       EventSink
	stopReason string
	usage      *domain.Usage
}

func (o *observingSink) WriteEvent(ev domain.RelayEvent) error {
	if ev.Kind == domain.EventTurnEnd {
		o.stopReason = ev.StopReason
		o.usage = ev.Usage
	}
	return o.next.WriteEvent(ev)
}

// saveRecord persists the bridge record. Storage failure is diagnostic
// only.
func (h *Handler) saveRecord(r *http.Request, requestID string, conv *domain.Conversation, params *domain.SourceParameters, stopReason string, usage *domain.Usage, relayErr error, duration time.Duration) {
	if h.records == nil {
		return
	}

	rec := &storage.BridgeRecord{
		ID:          requestID,
		SourceModel: params.Model,
		TargetModel: h.target.Model,
		Provider:    h.target.Provider,
		Streaming:   params.Stream,
		Status:      storage.StatusCompleted,
		Duration:    duration,
		StopReason:  stopReason,
		Usage:       usage,
	}
	if data, err := json.Marshal(conv); err == nil {
		rec.Conversation = data
	}
	if data, err := json.Marshal(params); err == nil {
		rec.Parameters = data
	}
	if relayErr != nil {
		bridgeErr := anthropic.AsBridgeError(relayErr)
		rec.Status = storage.StatusFailed
		rec.ErrorType = string(bridgeErr.Type)
		rec.ErrorMessage = bridgeErr.Message
	}

	// Records persist even when the caller has already disconnected.
	if err := h.records.SaveRecord(context.WithoutCancel(r.Context()), rec); err != nil {
		h.logger.Error("failed to save bridge record",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
	}
}
