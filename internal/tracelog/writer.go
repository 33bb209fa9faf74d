// Package tracelog provides the append-only JSON-lines record of captured
// traffic. One file per run; every line is a complete self-contained JSON
// object written as a single atomic append, so concurrent completions can
// interleave lines but never bytes.
package tracelog

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/tjfontaine/llm-bridge/internal/capture"
	"github.com/tjfontaine/llm-bridge/internal/domain"
)

// ConversationRecord is the transformed-conversation line exposed to
// reporting collaborators, one per bridged request.
type ConversationRecord struct {
	Timestamp       float64                  `json:"timestamp"`
	RequestID       string                   `json:"request_id"`
	OriginalRequest json.RawMessage          `json:"original_source_request"`
	Conversation    *domain.Conversation     `json:"neutral_conversation"`
	Parameters      *domain.SourceParameters `json:"source_parameters"`
	Target          *domain.TargetSelector   `json:"target_selector"`
	LoggedAt        string                   `json:"logged_at"`
}

// Writer owns the trace and conversation log files for one run. All appends
// funnel through a single goroutine; Append never blocks the request path
// beyond a channel send.
type Writer struct {
	runID     string
	traceFile *os.File
	convFile  *os.File
	lock      *flock.Flock
	logger    *slog.Logger

	lines   chan line
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

type line struct {
	payload []byte
	conv    bool
}

// Open creates the per-run log files in dir and starts the writer loop. The
// trace file is flocked for the lifetime of the run so two processes never
// interleave appends into the same file.
func Open(dir string, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	runID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()

	tracePath := filepath.Join(dir, fmt.Sprintf("trace-%s.jsonl", runID))
	traceFile, err := os.OpenFile(tracePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace log: %w", err)
	}

	lock := flock.New(tracePath)
	locked, err := lock.TryLock()
	if err != nil || !locked {
		traceFile.Close()
		if err == nil {
			err = fmt.Errorf("already locked")
		}
		return nil, fmt.Errorf("lock trace log %s: %w", tracePath, err)
	}

	convPath := filepath.Join(dir, fmt.Sprintf("conversations-%s.jsonl", runID))
	convFile, err := os.OpenFile(convPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lock.Unlock()
		traceFile.Close()
		return nil, fmt.Errorf("open conversation log: %w", err)
	}

	w := &Writer{
		runID:     runID,
		traceFile: traceFile,
		convFile:  convFile,
		lock:      lock,
		logger:    logger,
		lines:     make(chan line, 64),
		done:      make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// RunID returns the identifier embedded in this run's file names.
func (w *Writer) RunID() string {
	return w.runID
}

// TracePath returns the trace log file path.
func (w *Writer) TracePath() string {
	return w.traceFile.Name()
}

// AppendPair serializes a trace pair as one line. Failure is reported to the
// diagnostic log only; capture is best-effort and must never fail the call.
func (w *Writer) AppendPair(pair *capture.TracePair) {
	data, err := json.Marshal(pair)
	if err != nil {
		w.logger.Error("failed to serialize trace pair",
			slog.String("correlation_id", pair.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.enqueue(line{payload: data})
}

// AppendConversation serializes a transformed-conversation record as one
// line of the conversation log.
func (w *Writer) AppendConversation(rec *ConversationRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		w.logger.Error("failed to serialize conversation record",
			slog.String("request_id", rec.RequestID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.enqueue(line{payload: data, conv: true})
}

func (w *Writer) enqueue(l line) {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if w.closed {
		w.logger.Warn("trace log closed, dropping line")
		return
	}
	w.lines <- l
}

func (w *Writer) run() {
	defer close(w.done)
	for l := range w.lines {
		file := w.traceFile
		if l.conv {
			file = w.convFile
		}
		// Single Write call per line keeps the append atomic.
		if _, err := file.Write(append(l.payload, '\n')); err != nil {
			w.logger.Error("trace log append failed", slog.String("error", err.Error()))
		}
	}
	w.traceFile.Sync()
	w.convFile.Sync()
}

// Close drains queued lines, syncs both files, and releases the lock. Safe
// to call once; the teardown path is the only caller.
func (w *Writer) Close() error {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return nil
	}
	w.closed = true
	close(w.lines)
	w.closeMu.Unlock()

	<-w.done

	var firstErr error
	if err := w.traceFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.convFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
