package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/storage"
	"github.com/flightdeck-io/flightdeck/internal/types"
)

// RegisterOrchestrator upserts a fleet member. Re-registration refreshes
// scope and heartbeat and flips status back to active.
func (s *Store) RegisterOrchestrator(ctx context.Context, o *types.Orchestrator) error {
	now := time.Now().UTC()
	if o.RegisteredAt.IsZero() {
		o.RegisteredAt = now
	}
	o.LastHeartbeat = now
	o.Status = types.OrchestratorActive

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestrators (id, cluster, machine_id, scope, status, last_heartbeat, registered_at)
		VALUES (?, ?, ?, ?, 'active', ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			scope = excluded.scope,
			status = 'active',
			last_heartbeat = excluded.last_heartbeat
	`, o.ID, o.Cluster, o.MachineID, o.Scope, o.LastHeartbeat, o.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to register orchestrator: %w", err)
	}
	return nil
}

// GetOrchestrator returns one fleet member by id.
func (s *Store) GetOrchestrator(ctx context.Context, id string) (*types.Orchestrator, error) {
	var o types.Orchestrator
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cluster, machine_id, scope, status, last_heartbeat, registered_at
		FROM orchestrators WHERE id = ?
	`, id).Scan(&o.ID, &o.Cluster, &o.MachineID, &o.Scope, &o.Status, &o.LastHeartbeat, &o.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("orchestrator %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get orchestrator: %w", err)
	}
	return &o, nil
}

// ListOrchestrators returns fleet members, optionally filtered by scope.
func (s *Store) ListOrchestrators(ctx context.Context, scope string) ([]*types.Orchestrator, error) {
	query := `
		SELECT id, cluster, machine_id, scope, status, last_heartbeat, registered_at
		FROM orchestrators
	`
	var args []any
	if scope != "" {
		query += ` WHERE scope = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orchestrators: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Orchestrator
	for rows.Next() {
		var o types.Orchestrator
		if err := rows.Scan(&o.ID, &o.Cluster, &o.MachineID, &o.Scope, &o.Status, &o.LastHeartbeat, &o.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan orchestrator: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// Heartbeat updates last_heartbeat and reactivates the orchestrator.
func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestrators SET last_heartbeat = ?, status = 'active' WHERE id = ?
	`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("orchestrator %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// MarkStaleOrchestrators flips every active orchestrator whose heartbeat
// is older than cutoff to offline. No cascade to tasks; their leases age
// out through the lease sweep instead.
func (s *Store) MarkStaleOrchestrators(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestrators SET status = 'offline'
		WHERE status = 'active' AND last_heartbeat < ?
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale orchestrators: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}
