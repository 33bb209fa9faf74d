package tracelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/tjfontaine/llm-bridge/internal/capture"
)

func openTestWriter(t *testing.T) *Writer {
	t.Helper()
	w, err := Open(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return w
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var obj map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &obj); err != nil {
			t.Fatalf("line is not self-contained JSON: %v: %s", err, scanner.Text())
		}
		lines = append(lines, obj)
	}
	return lines
}

func TestAppendPairWritesOneCompleteLine(t *testing.T) {
	w := openTestWriter(t)

	pair := &capture.TracePair{
		ID:       "01TEST",
		Request:  &capture.CapturedRequest{Method: "POST", URL: "https://api.example.com/v1/messages"},
		Response: &capture.CapturedResponse{StatusCode: 200},
		LoggedAt: "2026-01-01T00:00:00Z",
	}
	w.AppendPair(pair)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, w.TracePath())
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	req := lines[0]["request"].(map[string]any)
	if req["url"] != "https://api.example.com/v1/messages" {
		t.Fatalf("unexpected url: %v", req["url"])
	}
	if _, present := lines[0]["note"]; present {
		t.Fatal("completed pair must not carry a note")
	}
}

func TestConcurrentAppendsNeverInterleave(t *testing.T) {
	w := openTestWriter(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.AppendPair(&capture.TracePair{
				ID:       fmt.Sprintf("id-%d", i),
				Request:  &capture.CapturedRequest{URL: fmt.Sprintf("https://api.example.com/%d", i)},
				Response: &capture.CapturedResponse{StatusCode: 200},
			})
		}(i)
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, w.TracePath())
	if len(lines) != n {
		t.Fatalf("expected %d complete lines, got %d", n, len(lines))
	}
}

func TestOrphanLineCarriesNoteAndNullResponse(t *testing.T) {
	w := openTestWriter(t)

	store := capture.NewStore()
	store.Begin(&capture.CapturedRequest{URL: "https://api.example.com/v1/messages"})
	for _, orphan := range store.DrainOrphans() {
		w.AppendPair(orphan)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, w.TracePath())
	if len(lines) != 1 {
		t.Fatalf("expected 1 orphan line, got %d", len(lines))
	}
	if lines[0]["response"] != nil {
		t.Fatalf("orphan response must be null, got %v", lines[0]["response"])
	}
	if note, _ := lines[0]["note"].(string); note == "" {
		t.Fatal("orphan line must carry a note")
	}
}

func TestAppendAfterCloseIsDropped(t *testing.T) {
	w := openTestWriter(t)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Must not panic or block.
	w.AppendPair(&capture.TracePair{ID: "late"})
}
