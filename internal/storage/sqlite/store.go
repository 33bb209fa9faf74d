// Package sqlite is the SQLite implementation of the bridge record store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/llm-bridge/internal/domain"
	"github.com/tjfontaine/llm-bridge/internal/storage"
)

// Store is a SQLite implementation of RecordStore.
type Store struct {
	db *sql.DB
}

var _ storage.RecordStore = (*Store)(nil)

// New opens (or creates) the database at dbPath and ensures the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS bridge_records (
			id TEXT PRIMARY KEY,
			source_model TEXT NOT NULL,
			target_model TEXT NOT NULL,
			provider TEXT NOT NULL,
			streaming INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			duration_ns INTEGER,
			conversation TEXT,
			parameters TEXT,
			stop_reason TEXT,
			usage TEXT,
			error_type TEXT,
			error_message TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bridge_records_provider ON bridge_records(provider)`,
		`CREATE INDEX IF NOT EXISTS idx_bridge_records_status ON bridge_records(status)`,
		`CREATE INDEX IF NOT EXISTS idx_bridge_records_updated ON bridge_records(updated_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveRecord inserts or replaces one record.
func (s *Store) SaveRecord(ctx context.Context, rec *storage.BridgeRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	var conversation, parameters, stopReason, usageJSON sql.NullString
	var errorType, errorMessage sql.NullString

	if len(rec.Conversation) > 0 {
		conversation = sql.NullString{String: string(rec.Conversation), Valid: true}
	}
	if len(rec.Parameters) > 0 {
		parameters = sql.NullString{String: string(rec.Parameters), Valid: true}
	}
	if rec.StopReason != "" {
		stopReason = sql.NullString{String: rec.StopReason, Valid: true}
	}
	if rec.Usage != nil {
		data, err := json.Marshal(rec.Usage)
		if err != nil {
			return fmt.Errorf("failed to marshal usage: %w", err)
		}
		usageJSON = sql.NullString{String: string(data), Valid: true}
	}
	if rec.ErrorType != "" {
		errorType = sql.NullString{String: rec.ErrorType, Valid: true}
		errorMessage = sql.NullString{String: rec.ErrorMessage, Valid: true}
	}

	streaming := 0
	if rec.Streaming {
		streaming = 1
	}

	query := `INSERT OR REPLACE INTO bridge_records (
		id, source_model, target_model, provider, streaming, status, duration_ns,
		conversation, parameters, stop_reason, usage,
		error_type, error_message, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.SourceModel, rec.TargetModel, rec.Provider, streaming,
		string(rec.Status), int64(rec.Duration),
		conversation, parameters, stopReason, usageJSON,
		errorType, errorMessage, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// GetRecord retrieves a record by ID.
func (s *Store) GetRecord(ctx context.Context, id string) (*storage.BridgeRecord, error) {
	query := `SELECT
		id, source_model, target_model, provider, streaming, status, duration_ns,
		conversation, parameters, stop_reason, usage,
		error_type, error_message, created_at, updated_at
	FROM bridge_records WHERE id = ?`

	var rec storage.BridgeRecord
	var status string
	var streaming int
	var durationNs int64
	var conversation, parameters, stopReason, usageJSON sql.NullString
	var errorType, errorMessage sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.SourceModel, &rec.TargetModel, &rec.Provider,
		&streaming, &status, &durationNs,
		&conversation, &parameters, &stopReason, &usageJSON,
		&errorType, &errorMessage, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	rec.Status = storage.RecordStatus(status)
	rec.Streaming = streaming == 1
	rec.Duration = time.Duration(durationNs)

	if conversation.Valid {
		rec.Conversation = json.RawMessage(conversation.String)
	}
	if parameters.Valid {
		rec.Parameters = json.RawMessage(parameters.String)
	}
	if stopReason.Valid {
		rec.StopReason = stopReason.String
	}
	if usageJSON.Valid {
		rec.Usage = &domain.Usage{}
		json.Unmarshal([]byte(usageJSON.String), rec.Usage)
	}
	if errorType.Valid {
		rec.ErrorType = errorType.String
		rec.ErrorMessage = errorMessage.String
	}
	return &rec, nil
}

// ListRecords lists records with pagination and optional filtering, most
// recently updated first.
func (s *Store) ListRecords(ctx context.Context, opts storage.ListOptions) ([]*storage.BridgeRecord, error) {
	query := `SELECT
		id, source_model, target_model, provider, streaming, status, duration_ns,
		stop_reason, usage, error_type, error_message, created_at, updated_at
	FROM bridge_records WHERE 1=1`

	var args []interface{}
	if opts.Provider != "" {
		query += " AND provider = ?"
		args = append(args, opts.Provider)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY updated_at DESC"

	limit := opts.Limit
	if limit == 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*storage.BridgeRecord
	for rows.Next() {
		var rec storage.BridgeRecord
		var status string
		var streaming int
		var durationNs int64
		var stopReason, usageJSON, errorType, errorMessage sql.NullString

		if err := rows.Scan(
			&rec.ID, &rec.SourceModel, &rec.TargetModel, &rec.Provider,
			&streaming, &status, &durationNs,
			&stopReason, &usageJSON, &errorType, &errorMessage,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		rec.Status = storage.RecordStatus(status)
		rec.Streaming = streaming == 1
		rec.Duration = time.Duration(durationNs)
		if stopReason.Valid {
			rec.StopReason = stopReason.String
		}
		if usageJSON.Valid {
			rec.Usage = &domain.Usage{}
			json.Unmarshal([]byte(usageJSON.String), rec.Usage)
		}
		if errorType.Valid {
			rec.ErrorType = errorType.String
			rec.ErrorMessage = errorMessage.String
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
