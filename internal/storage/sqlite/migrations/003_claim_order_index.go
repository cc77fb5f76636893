package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// MigrateClaimOrderIndex adds the composite index backing the claim
// selector's ORDER BY priority, created_at scan.
func MigrateClaimOrderIndex(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_tasks_claim_order
		ON tasks(scope, queue, priority, created_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to create claim order index: %w", err)
	}
	return nil
}
