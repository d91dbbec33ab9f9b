package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rpggio/kairos/internal/domain/audit"
)

// AuditRepository implements audit.Repository for SQLite
type AuditRepository struct {
	db *DB
}

var _ audit.Repository = (*AuditRepository)(nil)

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a batch of events in one transaction
func (r *AuditRepository) Append(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO audit_events (
			id, timestamp, type, severity, component, message, details, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		var details sql.NullString
		if len(e.Details) > 0 {
			data, err := json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("failed to encode audit details: %w", err)
			}
			details = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID,
			e.Timestamp.UTC(),
			e.Type,
			e.Severity,
			e.Component,
			e.Message,
			details,
			sql.NullString{String: e.Error, Valid: e.Error != ""},
		); err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
	}

	return tx.Commit()
}

// List returns events matching the query, newest first
func (r *AuditRepository) List(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	query := `
		SELECT id, timestamp, type, severity, component, message, details, error
		FROM audit_events
	`

	args := []interface{}{}
	conditions := []string{}

	if !q.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.Since.UTC())
	}
	if !q.Until.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, q.Until.UTC())
	}
	if len(q.Types) > 0 {
		conditions = append(conditions, "type IN ("+placeholders(len(q.Types))+")")
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	if len(q.Severities) > 0 {
		conditions = append(conditions, "severity IN ("+placeholders(len(q.Severities))+")")
		for _, s := range q.Severities {
			args = append(args, s)
		}
	}
	if q.Component != "" {
		conditions = append(conditions, "LOWER(component) LIKE ?")
		args = append(args, "%"+strings.ToLower(q.Component)+"%")
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY timestamp DESC"

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var e audit.Event
		var details, errText sql.NullString
		if err := rows.Scan(
			&e.ID,
			&e.Timestamp,
			&e.Type,
			&e.Severity,
			&e.Component,
			&e.Message,
			&details,
			&errText,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		e.Error = errText.String
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}

	return events, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
