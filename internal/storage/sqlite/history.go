package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flightdeck-io/flightdeck/internal/types"
)

// AppendHistory writes one journal row. Callers treat failures as
// best-effort: the task write has already committed by the time this runs.
func (s *Store) AppendHistory(ctx context.Context, entry *types.HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (id, task_id, event, agent, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.TaskID, entry.Event, entry.Agent, entry.Details, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory returns the journal for a task, newest first.
func (s *Store) ListHistory(ctx context.Context, taskID string, limit int) ([]*types.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event, agent, details, created_at
		FROM task_history
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.HistoryEntry
	for rows.Next() {
		var e types.HistoryEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Event, &e.Agent, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
