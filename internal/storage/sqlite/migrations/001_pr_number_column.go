package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// MigratePRNumberColumn adds the pr_number column used by the scheduler
// poll's provisional-task projection.
func MigratePRNumberColumn(ctx context.Context, conn *sql.Conn) error {
	var colName string
	err := conn.QueryRowContext(ctx, `
		SELECT name FROM pragma_table_info('tasks')
		WHERE name = 'pr_number'
	`).Scan(&colName)

	if err == sql.ErrNoRows {
		if _, err := conn.ExecContext(ctx, `ALTER TABLE tasks ADD COLUMN pr_number INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add pr_number column: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check pr_number column: %w", err)
	}
	return nil
}
