// Package storage defines the conversation record store interface the
// bridge persists per-request records into, alongside the JSONL streams.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tjfontaine/llm-bridge/internal/domain"
)

// RecordStatus is the terminal state of one bridged call.
type RecordStatus string

const (
	StatusCompleted RecordStatus = "completed"
	StatusFailed    RecordStatus = "failed"
)

// BridgeRecord is the persisted record of one bridged call: the neutral
// conversation and parameters as JSON, the models involved, and the
// outcome. Credentials are never part of the record.
type BridgeRecord struct {
	ID           string          `json:"id"`
	SourceModel  string          `json:"source_model"`
	TargetModel  string          `json:"target_model"`
	Provider     string          `json:"provider"`
	Streaming    bool            `json:"streaming"`
	Status       RecordStatus    `json:"status"`
	Duration     time.Duration   `json:"duration"`
	Conversation json.RawMessage `json:"conversation,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	StopReason   string          `json:"stop_reason,omitempty"`
	Usage        *domain.Usage   `json:"usage,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ListOptions filters and pages record listings.
type ListOptions struct {
	Provider string
	Status   RecordStatus
	Limit    int
	Offset   int
}

// RecordStore persists bridge records. Failures are diagnostic only; the
// bridged call itself never fails on storage errors.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec *BridgeRecord) error
	GetRecord(ctx context.Context, id string) (*BridgeRecord, error)
	ListRecords(ctx context.Context, opts ListOptions) ([]*BridgeRecord, error)
	Close() error
}
