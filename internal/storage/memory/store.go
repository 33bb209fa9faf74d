// Package memory is an in-memory RecordStore used in tests and when
// persistence is disabled.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/llm-bridge/internal/storage"
)

// Store is an in-memory implementation of RecordStore.
type Store struct {
	mu      sync.RWMutex
	records map[string]*storage.BridgeRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]*storage.BridgeRecord)}
}

func (s *Store) SaveRecord(ctx context.Context, rec *storage.BridgeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	clone := *rec
	s.records[rec.ID] = &clone
	return nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (*storage.BridgeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, fmt.Errorf("record %s not found", id)
	}
	clone := *rec
	return &clone, nil
}

func (s *Store) ListRecords(ctx context.Context, opts storage.ListOptions) ([]*storage.BridgeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.BridgeRecord
	for _, rec := range s.records {
		if opts.Provider != "" && rec.Provider != opts.Provider {
			continue
		}
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		clone := *rec
		result = append(result, &clone)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	start := opts.Offset
	if start >= len(result) {
		return []*storage.BridgeRecord{}, nil
	}
	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}
	return result[start:end], nil
}

func (s *Store) Close() error {
	return nil
}
