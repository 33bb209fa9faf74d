// Package testutil provides recorded-HTTP helpers for tests that exercise
// the target provider client against real fixture traffic.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// NewRecorder creates a VCR recorder replaying from testdata/fixtures.
// Set VCR_MODE=record to capture fresh cassettes. Credential headers are
// scrubbed before a cassette is saved, mirroring the redaction the bridge
// applies to its own trace log.
func NewRecorder(t *testing.T, cassetteName string) (*recorder.Recorder, func()) {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}

	// Match on method and URL; bodies vary with synthetic ids.
	r.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})

	r.AddSaveFilter(func(i *cassette.Interaction) error {
		for _, name := range []string{"Authorization", "X-Api-Key", "Api-Key"} {
			delete(i.Request.Headers, name)
		}
		return nil
	})

	cleanup := func() {
		if err := r.Stop(); err != nil {
			t.Errorf("failed to stop recorder: %v", err)
		}
	}
	return r, cleanup
}

// HTTPClient returns an HTTP client whose transport replays through r.
func HTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{Transport: r}
}
