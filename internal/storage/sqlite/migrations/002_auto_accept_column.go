package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// MigrateAutoAcceptColumn adds the auto_accept flag to tasks.
func MigrateAutoAcceptColumn(ctx context.Context, conn *sql.Conn) error {
	var colName string
	err := conn.QueryRowContext(ctx, `
		SELECT name FROM pragma_table_info('tasks')
		WHERE name = 'auto_accept'
	`).Scan(&colName)

	if err == sql.ErrNoRows {
		if _, err := conn.ExecContext(ctx, `ALTER TABLE tasks ADD COLUMN auto_accept INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add auto_accept column: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check auto_accept column: %w", err)
	}
	return nil
}
