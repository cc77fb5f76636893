package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/flightdeck-io/flightdeck/internal/storage"
	"github.com/flightdeck-io/flightdeck/internal/types"
)

// UpsertRole registers or updates a role.
func (s *Store) UpsertRole(ctx context.Context, role *types.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (name, claims_from, description)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			claims_from = excluded.claims_from,
			description = excluded.description
	`, role.Name, string(role.ClaimsFrom), role.Describe)
	if err != nil {
		return fmt.Errorf("failed to upsert role: %w", err)
	}
	return nil
}

// GetRole returns one registered role.
func (s *Store) GetRole(ctx context.Context, name string) (*types.Role, error) {
	var role types.Role
	var claimsFrom string
	err := s.db.QueryRowContext(ctx, `
		SELECT name, claims_from, description FROM roles WHERE name = ?
	`, name).Scan(&role.Name, &claimsFrom, &role.Describe)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role %s: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	role.ClaimsFrom = types.Queue(claimsFrom)
	return &role, nil
}

// ListRoles returns all registered roles.
func (s *Store) ListRoles(ctx context.Context) ([]*types.Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, claims_from, description FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []*types.Role
	for rows.Next() {
		var role types.Role
		var claimsFrom string
		if err := rows.Scan(&role.Name, &claimsFrom, &role.Describe); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		role.ClaimsFrom = types.Queue(claimsFrom)
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

// CountRoles reports how many roles are registered. Role validation on
// task create only applies when the registry is non-empty.
func (s *Store) CountRoles(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM roles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count roles: %w", err)
	}
	return n, nil
}

// UpsertFlow registers or updates a flow definition.
func (s *Store) UpsertFlow(ctx context.Context, flow *types.Flow) error {
	stages := "[]"
	if len(flow.Stages) > 0 {
		stages = string(flow.Stages)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flows (name, stages)
		VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET stages = excluded.stages
	`, flow.Name, stages)
	if err != nil {
		return fmt.Errorf("failed to upsert flow: %w", err)
	}
	return nil
}

// ListFlows returns all registered flows.
func (s *Store) ListFlows(ctx context.Context) ([]*types.Flow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, stages FROM flows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var flows []*types.Flow
	for rows.Next() {
		var flow types.Flow
		var stages string
		if err := rows.Scan(&flow.Name, &stages); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		if stages != "" {
			flow.Stages = json.RawMessage(stages)
		}
		flows = append(flows, &flow)
	}
	return flows, rows.Err()
}
