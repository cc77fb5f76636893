// Package sqlite - database migrations
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flightdeck-io/flightdeck/internal/storage/sqlite/migrations"
)

// Migration represents a single database migration.
type Migration struct {
	Name string
	Func func(context.Context, *sql.Conn) error
}

// migrationsList is the ordered list of all migrations. Each is
// idempotent: fresh databases get the full schema from schema.go, and
// migrations only patch databases created before the matching change.
var migrationsList = []Migration{
	{"pr_number_column", migrations.MigratePRNumberColumn},
	{"auto_accept_column", migrations.MigrateAutoAcceptColumn},
	{"claim_order_index", migrations.MigrateClaimOrderIndex},
	{"action_status_column", migrations.MigrateActionStatusColumn},
}

// RunMigrations executes all registered migrations in order inside an
// EXCLUSIVE transaction so concurrent server starts cannot race on
// check-then-alter operations. The whole pass is pinned to a single
// connection; BEGIN and COMMIT issued through the pool could otherwise
// land on different conns.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire migration connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock for migrations: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	for _, migration := range migrationsList {
		if err := migration.Func(ctx, conn); err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	committed = true

	return nil
}
