package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertSpan records an open span and creates its trace session if needed.
func (s *Store) InsertSpan(ctx context.Context, sp SpanRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning span transaction: %w", err)
	}
	defer tx.Rollback()

	started := formatTime(sp.StartedAt)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO trace_sessions (correlation_id, started_at) VALUES (?, ?)`,
		sp.CorrelationID, started); err != nil {
		return fmt.Errorf("opening trace session %s: %w", sp.CorrelationID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trace_spans (id, correlation_id, stage, started_at, status, input)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.CorrelationID, sp.Stage, started, sp.Status, sp.Input); err != nil {
		return fmt.Errorf("inserting span %s: %w", sp.ID, err)
	}
	return tx.Commit()
}

// FinishSpan closes a span previously stored with InsertSpan.
func (s *Store) FinishSpan(ctx context.Context, sp SpanRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trace_spans SET ended_at = ?, status = ?, error = ?, output = ?
		WHERE id = ?`,
		formatTime(sp.EndedAt), sp.Status, sp.Error, sp.Output, sp.ID)
	if err != nil {
		return fmt.Errorf("finishing span %s: %w", sp.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EndTraceSession marks the session ended. Repeated calls keep the first end time.
func (s *Store) EndTraceSession(ctx context.Context, correlationID string, at time.Time) error {
	ts := formatTime(at)
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trace_sessions (correlation_id, started_at) VALUES (?, ?)`,
		correlationID, ts); err != nil {
		return fmt.Errorf("opening trace session %s: %w", correlationID, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE trace_sessions SET ended_at = ? WHERE correlation_id = ? AND ended_at IS NULL`,
		ts, correlationID); err != nil {
		return fmt.Errorf("ending trace session %s: %w", correlationID, err)
	}
	return nil
}

// TraceSessionEnded reports whether the session exists and has been ended.
func (s *Store) TraceSessionEnded(ctx context.Context, correlationID string) (bool, error) {
	var ended sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT ended_at FROM trace_sessions WHERE correlation_id = ?`, correlationID).Scan(&ended)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ended.Valid, nil
}

// ListSpans returns the spans of one correlation id in start order.
func (s *Store) ListSpans(ctx context.Context, correlationID string) ([]SpanRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correlation_id, stage, started_at, ended_at, status, error, input, output
		FROM trace_spans WHERE correlation_id = ?
		ORDER BY started_at ASC, rowid ASC`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spans []SpanRecord
	for rows.Next() {
		var sp SpanRecord
		var started string
		var ended sql.NullString
		if err := rows.Scan(&sp.ID, &sp.CorrelationID, &sp.Stage, &started, &ended,
			&sp.Status, &sp.Error, &sp.Input, &sp.Output); err != nil {
			return nil, err
		}
		if sp.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("parsing started_at for span %s: %w", sp.ID, err)
		}
		if ended.Valid {
			if sp.EndedAt, err = parseTime(ended.String); err != nil {
				return nil, fmt.Errorf("parsing ended_at for span %s: %w", sp.ID, err)
			}
		}
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}
