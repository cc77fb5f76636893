package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// MigrateActionStatusColumn adds the status column to actions.
func MigrateActionStatusColumn(ctx context.Context, conn *sql.Conn) error {
	var colName string
	err := conn.QueryRowContext(ctx, `
		SELECT name FROM pragma_table_info('actions')
		WHERE name = 'status'
	`).Scan(&colName)

	if err == sql.ErrNoRows {
		if _, err := conn.ExecContext(ctx, `ALTER TABLE actions ADD COLUMN status TEXT NOT NULL DEFAULT 'pending'`); err != nil {
			return fmt.Errorf("failed to add action status column: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check action status column: %w", err)
	}
	return nil
}
