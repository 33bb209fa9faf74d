// Package capture holds the immutable request/response records produced by
// the interception layer, the in-memory correlation store that pairs them,
// and the sanitation helpers that run before anything is persisted.
package capture

import (
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// CapturedRequest is the sanitized record of one outbound call. Immutable
// once captured.
type CapturedRequest struct {
	Timestamp float64           `json:"timestamp"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      json.RawMessage   `json:"body,omitempty"`
	BodyRaw   string            `json:"body_raw,omitempty"`
}

// CapturedResponse is the sanitized record of the eventual response.
// Immutable once captured.
type CapturedResponse struct {
	Timestamp  float64           `json:"timestamp"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body,omitempty"`
	BodyRaw    string            `json:"body_raw,omitempty"`
}

// TracePair correlates a captured request with its response. Response is nil
// only for orphaned pairs flushed at shutdown.
type TracePair struct {
	ID       string            `json:"-"`
	Request  *CapturedRequest  `json:"request"`
	Response *CapturedResponse `json:"response"`
	LoggedAt string            `json:"logged_at"`
	Note     string            `json:"note,omitempty"`
}

// NewCorrelationID returns a pairing key combining a millisecond timestamp
// with monotonic random entropy, so concurrent calls never collide.
func NewCorrelationID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// SetBody stores a body on the request, parsed when it is valid JSON and raw
// otherwise.
func (r *CapturedRequest) SetBody(data []byte) {
	if json.Valid(data) {
		r.Body = json.RawMessage(data)
		return
	}
	r.BodyRaw = NormalizeText(string(data))
}

// SetBody stores a body on the response, parsed when it is valid JSON and
// raw otherwise (streamed SSE bodies land in BodyRaw).
func (r *CapturedResponse) SetBody(data []byte) {
	if json.Valid(data) {
		r.Body = json.RawMessage(data)
		return
	}
	r.BodyRaw = NormalizeText(string(data))
}

// Store is the in-memory correlation store for in-flight pairs. It is
// bounded by the number of concurrent calls: entries are removed atomically
// when completed, and whatever remains at shutdown is the orphan set.
type Store struct {
	mu      sync.Mutex
	pending map[string]*CapturedRequest
}

// NewStore creates an empty correlation store.
func NewStore() *Store {
	return &Store{pending: make(map[string]*CapturedRequest)}
}

// Begin registers an in-flight request under a fresh correlation ID.
func (s *Store) Begin(req *CapturedRequest) string {
	id := NewCorrelationID()
	s.mu.Lock()
	s.pending[id] = req
	s.mu.Unlock()
	return id
}

// Complete pairs a response with its request and removes the entry. Removal
// is atomic with the pairing so the shutdown sweep can never observe a
// completed entry. Returns nil if the ID is unknown (already completed).
func (s *Store) Complete(id string, resp *CapturedResponse) *TracePair {
	s.mu.Lock()
	req, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return &TracePair{
		ID:       id,
		Request:  req,
		Response: resp,
		LoggedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// DrainOrphans removes and returns every still-pending pair, marked with an
// orphan note. Called exactly once from the teardown path.
func (s *Store) DrainOrphans() []*TracePair {
	s.mu.Lock()
	defer s.mu.Unlock()

	orphans := make([]*TracePair, 0, len(s.pending))
	for id, req := range s.pending {
		orphans = append(orphans, &TracePair{
			ID:       id,
			Request:  req,
			LoggedAt: time.Now().UTC().Format(time.RFC3339Nano),
			Note:     "orphaned: no response captured before shutdown",
		})
	}
	s.pending = make(map[string]*CapturedRequest)
	return orphans
}

// InFlight reports the number of pending pairs.
func (s *Store) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Now returns the current time as float seconds, the trace log's timestamp
// unit.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
