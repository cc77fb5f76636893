package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/storage"
	"github.com/flightdeck-io/flightdeck/internal/types"
)

// taskColumns is the canonical SELECT column list for task scans.
const taskColumns = `id, queue, priority, role, type, scope, file_path, branch, project_id,
	blocked_by, claimed_by, orchestrator_id, claimed_at, lease_expires_at, version,
	commits_count, turns_used, check_results, execution_notes, rejection_count,
	submitted_at, completed_at, hooks, flow, flow_overrides, auto_accept, pr_number,
	created_at, updated_at`

// writableColumns whitelists the columns a TransitionWrite or generic
// update may touch. Anything else is a programming error, not user input.
var writableColumns = map[string]bool{
	"queue":            true,
	"priority":         true,
	"role":             true,
	"type":             true,
	"file_path":        true,
	"branch":           true,
	"project_id":       true,
	"blocked_by":       true,
	"claimed_by":       true,
	"orchestrator_id":  true,
	"claimed_at":       true,
	"lease_expires_at": true,
	"commits_count":    true,
	"turns_used":       true,
	"check_results":    true,
	"execution_notes":  true,
	"rejection_count":  true,
	"submitted_at":     true,
	"completed_at":     true,
	"hooks":            true,
	"flow":             true,
	"flow_overrides":   true,
	"auto_accept":      true,
	"pr_number":        true,
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// CreateTask inserts a new task with version 1.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Queue == "" {
		task.Queue = types.QueueIncoming
	}
	if task.Priority == "" {
		task.Priority = types.PriorityP2
	}
	task.Version = 1

	hooks, err := marshalHooks(task.Hooks)
	if err != nil {
		return fmt.Errorf("failed to encode hooks: %w", err)
	}

	autoAccept := 0
	if task.AutoAccept {
		autoAccept = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, queue, priority, role, type, scope, file_path, branch, project_id,
			blocked_by, version, hooks, flow, flow_overrides, auto_accept, pr_number,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, string(task.Queue), string(task.Priority), task.Role, task.Type,
		task.Scope, task.FilePath, task.Branch, task.ProjectID, task.BlockedBy,
		hooks, task.Flow, string(task.FlowOverrides), autoAccept, task.PRNumber,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("task %s: %w", task.ID, storage.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first. Scope is
// always required; an empty-scope filter matches nothing by design.
func (s *Store) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	conds := []string{"scope = ?"}
	args := []any{filter.Scope}

	if filter.Queue != "" {
		conds = append(conds, "queue = ?")
		args = append(args, string(filter.Queue))
	}
	if filter.Role != "" {
		conds = append(conds, "role = ?")
		args = append(args, filter.Role)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, string(filter.Priority))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	// #nosec G201 - conditions are fixed strings, values are bound
	query := fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE %s
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, taskColumns, strings.Join(conds, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task; history rows follow via FK cascade.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// UpdateTaskFields applies a generic field update. Version is bumped so
// observers see the write; there is no queue predicate, which is why the
// facade must forbid queue=done through this path.
func (s *Store) UpdateTaskFields(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}

	cols := make([]string, 0, len(updates))
	for col := range updates {
		if !writableColumns[col] {
			return fmt.Errorf("column %q is not updatable", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	setClauses := make([]string, 0, len(cols)+2)
	args := make([]any, 0, len(cols)+2)
	for _, col := range cols {
		setClauses = append(setClauses, col+" = ?")
		args = append(args, updates[col])
	}
	setClauses = append(setClauses, "version = version + 1", "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	// #nosec G201 - column names pass the whitelist above
	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, strings.Join(setClauses, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// TransitionTask applies the engine's conditional state change as one
// statement. The (id, queue, version) predicate is the arbiter under
// concurrency: zero matched rows means somebody else won, and nothing
// about the row changed.
func (s *Store) TransitionTask(ctx context.Context, w storage.TransitionWrite) error {
	cols := make([]string, 0, len(w.Sets))
	for col := range w.Sets {
		if !writableColumns[col] {
			return fmt.Errorf("column %q is not updatable", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	setClauses := make([]string, 0, len(cols)+len(w.Increments)+2)
	args := make([]any, 0, len(cols)+4)
	for _, col := range cols {
		setClauses = append(setClauses, col+" = ?")
		args = append(args, w.Sets[col])
	}
	for _, col := range w.Increments {
		if !writableColumns[col] {
			return fmt.Errorf("column %q is not updatable", col)
		}
		setClauses = append(setClauses, col+" = "+col+" + 1")
	}
	setClauses = append(setClauses, "version = version + 1", "updated_at = ?")
	args = append(args, time.Now().UTC(), w.ID, string(w.FromQueue), w.ExpectedVersion)

	// #nosec G201 - column names pass the whitelist above
	query := fmt.Sprintf(`
		UPDATE tasks SET %s
		WHERE id = ? AND queue = ? AND version = ?
	`, strings.Join(setClauses, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to apply transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s from %s v%d: %w", w.ID, w.FromQueue, w.ExpectedVersion, storage.ErrConflict)
	}
	return nil
}

// SelectClaimable picks the single eligible task for a claim: matching
// queue and scope, not blocked, matching any role/type filter, best
// priority first and oldest within a priority.
func (s *Store) SelectClaimable(ctx context.Context, filter types.ClaimFilter) (*types.Task, error) {
	conds := []string{
		"queue = ?",
		"scope = ?",
		"(blocked_by IS NULL OR blocked_by = '')",
	}
	args := []any{string(filter.Queue), filter.Scope}

	if len(filter.Roles) > 0 {
		conds = append(conds, "role IN ("+placeholders(len(filter.Roles))+")")
		for _, r := range filter.Roles {
			args = append(args, r)
		}
	}
	if len(filter.Types) > 0 {
		conds = append(conds, "type IN ("+placeholders(len(filter.Types))+")")
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}

	// #nosec G201 - conditions are fixed strings, values are bound
	query := fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE %s
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
	`, taskColumns, strings.Join(conds, " AND "))

	row := s.db.QueryRowContext(ctx, query, args...)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable task: %w", err)
	}
	return task, nil
}

// UnblockDependents clears blocked_by on every task blocked by id.
// Runs after an accept commits; each touched row gets its own version
// bump so observers see the change.
func (s *Store) UnblockDependents(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE blocked_by = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find dependents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependent id: %w", err)
		}
		ids = append(ids, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks
		SET blocked_by = '', version = version + 1, updated_at = ?
		WHERE blocked_by = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to unblock dependents: %w", err)
	}
	return ids, nil
}

// ReleaseExpiredLeases returns every claimed task with an expired lease
// to the incoming queue. The version is deliberately NOT bumped: a stale
// submit from the previous holder still fails on queue = 'claimed', and
// leaving version alone keeps the release equivalent to a system reject.
func (s *Store) ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE queue = 'claimed' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to find expired leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired lease id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks
		SET queue = 'incoming', claimed_by = NULL, orchestrator_id = NULL,
		    claimed_at = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE queue = 'claimed' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`, time.Now().UTC(), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to release expired leases: %w", err)
	}
	return ids, nil
}

// CountQueues returns the scheduler poll's aggregate counts for a scope.
func (s *Store) CountQueues(ctx context.Context, scope string) (*types.QueueCounts, error) {
	var counts types.QueueCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN queue = 'incoming' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN queue = 'claimed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN queue = 'provisional' THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE scope = ?
	`, scope).Scan(&counts.Incoming, &counts.Claimed, &counts.Provisional)
	if err != nil {
		return nil, fmt.Errorf("failed to count queues: %w", err)
	}
	return &counts, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func marshalHooks(hooks []types.Hook) (string, error) {
	if len(hooks) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(hooks)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		task          types.Task
		queue         string
		priority      string
		claimedBy     sql.NullString
		orchestrator  sql.NullString
		claimedAt     sql.NullTime
		leaseExpires  sql.NullTime
		submittedAt   sql.NullTime
		completedAt   sql.NullTime
		hooks         string
		flowOverrides string
		autoAccept    int
	)

	err := row.Scan(
		&task.ID, &queue, &priority, &task.Role, &task.Type, &task.Scope,
		&task.FilePath, &task.Branch, &task.ProjectID, &task.BlockedBy,
		&claimedBy, &orchestrator, &claimedAt, &leaseExpires, &task.Version,
		&task.CommitsCount, &task.TurnsUsed, &task.CheckResults, &task.ExecutionNotes,
		&task.RejectionCount, &submittedAt, &completedAt, &hooks, &task.Flow,
		&flowOverrides, &autoAccept, &task.PRNumber, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Queue = types.Queue(queue)
	task.Priority = types.Priority(priority)
	if claimedBy.Valid {
		task.ClaimedBy = claimedBy.String
	}
	if orchestrator.Valid {
		task.OrchestratorID = orchestrator.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		task.ClaimedAt = &t
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		task.LeaseExpiresAt = &t
	}
	if submittedAt.Valid {
		t := submittedAt.Time
		task.SubmittedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if hooks != "" && hooks != "[]" {
		if err := json.Unmarshal([]byte(hooks), &task.Hooks); err != nil {
			return nil, fmt.Errorf("failed to decode hooks for %s: %w", task.ID, err)
		}
	}
	if flowOverrides != "" {
		task.FlowOverrides = json.RawMessage(flowOverrides)
	}
	task.AutoAccept = autoAccept != 0
	return &task, nil
}
