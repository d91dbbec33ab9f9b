package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rpggio/kairos/internal/apperror"
	"github.com/rpggio/kairos/internal/domain/syncstate"
	"github.com/rpggio/kairos/internal/repository"
)

// SyncRepository implements syncstate.Store for SQLite
type SyncRepository struct {
	db  *DB
	now func() time.Time
}

// SyncLogEntry is one row of the write log
type SyncLogEntry struct {
	ID        int64     `json:"id"`
	Version   int64     `json:"version"`
	Operation string    `json:"operation"`
	Bytes     int       `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

var _ syncstate.Store = (*SyncRepository)(nil)

// NewSyncRepository creates a new SyncRepository
func NewSyncRepository(db *DB) *SyncRepository {
	return &SyncRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Load returns the stored payload or repository.ErrNotFound
func (r *SyncRepository) Load(ctx context.Context) (syncstate.Envelope, error) {
	var (
		raw string
		env syncstate.Envelope
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT data, version, timestamp FROM sync_data WHERE id = 1`,
	).Scan(&raw, &env.Version, &env.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return syncstate.Envelope{}, repository.ErrNotFound
	}
	if err != nil {
		return syncstate.Envelope{}, fmt.Errorf("failed to load sync data: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &env.Data); err != nil {
		return syncstate.Envelope{}, apperror.Wrap(apperror.SyncCorrupt, "stored sync data is not valid JSON", err)
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	return env, nil
}

// Save atomically increments the version and replaces the payload
func (r *SyncRepository) Save(ctx context.Context, data map[string]any) (syncstate.Envelope, error) {
	return r.write(ctx, data, 0, "save")
}

// Import stores an envelope keeping its version, for moving a payload over
// from another store
func (r *SyncRepository) Import(ctx context.Context, env syncstate.Envelope) error {
	_, err := r.write(ctx, env.Data, env.Version, "import")
	return err
}

func (r *SyncRepository) write(ctx context.Context, data map[string]any, version int64, op string) (syncstate.Envelope, error) {
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return syncstate.Envelope{}, apperror.Wrap(apperror.SyncFormat, "encode sync data", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return syncstate.Envelope{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if version == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM sync_data`).Scan(&current)
		if err != nil {
			return syncstate.Envelope{}, fmt.Errorf("failed to read version: %w", err)
		}
		version = current + 1
	}
	ts := r.now()

	upsert := `
		INSERT INTO sync_data (id, data, version, timestamp)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			timestamp = excluded.timestamp
	`
	if _, err := tx.ExecContext(ctx, upsert, string(payload), version, ts); err != nil {
		return syncstate.Envelope{}, fmt.Errorf("failed to write sync data: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_log (version, operation, bytes, created_at) VALUES (?, ?, ?, ?)`,
		version, op, len(payload), ts,
	); err != nil {
		return syncstate.Envelope{}, fmt.Errorf("failed to log sync write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return syncstate.Envelope{}, fmt.Errorf("failed to commit sync write: %w", err)
	}

	return syncstate.Envelope{Timestamp: ts, Version: version, Data: data}, nil
}

// ListLog returns the most recent write log entries, newest first
func (r *SyncRepository) ListLog(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	query := `SELECT id, version, operation, bytes, created_at FROM sync_log ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync log: %w", err)
	}
	defer rows.Close()

	var entries []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		if err := rows.Scan(&e.ID, &e.Version, &e.Operation, &e.Bytes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync log rows: %w", err)
	}
	return entries, nil
}

// Close is a no-op; the DB is owned by whoever opened it
func (r *SyncRepository) Close() error { return nil }
