package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flightdeck-io/flightdeck/internal/types"
)

// CreateMessage persists a scoped message.
func (s *Store) CreateMessage(ctx context.Context, m *types.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, scope, sender, recipient, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.Scope, m.Sender, m.Recipient, m.Body, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// ListMessages returns messages for a scope, newest first.
func (s *Store) ListMessages(ctx context.Context, scope string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, sender, recipient, body, created_at
		FROM messages WHERE scope = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.ID, &m.Scope, &m.Sender, &m.Recipient, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CreateAction persists a scoped action record.
func (s *Store) CreateAction(ctx context.Context, a *types.Action) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = "pending"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (id, scope, kind, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.Scope, a.Kind, a.Payload, a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create action: %w", err)
	}
	return nil
}

// ListActions returns actions for a scope, newest first.
func (s *Store) ListActions(ctx context.Context, scope string, limit int) ([]*types.Action, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, kind, payload, status, created_at
		FROM actions WHERE scope = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Action
	for rows.Next() {
		var a types.Action
		if err := rows.Scan(&a.ID, &a.Scope, &a.Kind, &a.Payload, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
