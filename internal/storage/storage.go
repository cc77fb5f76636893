// Package storage defines the interface for task storage backends.
//
// The Store is the single source of truth and the sole mutator of task
// state. Every lifecycle transition goes through TransitionTask, a single
// conditional UPDATE predicated on both the current queue and the current
// version; a zero-row match surfaces as ErrConflict and nothing else runs.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/types"
)

// ErrNotFound is returned when the referenced task, orchestrator, or
// registry entry does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional write matched zero rows:
// the task is not in the required queue or the version moved underneath
// the caller.
var ErrConflict = errors.New("conflict: task state changed")

// ErrDuplicate is returned when creating an entity whose id already exists.
var ErrDuplicate = errors.New("duplicate id")

// TransitionWrite is the conditional state change applied by the engine.
// Sets holds plain column assignments; Increments names counter columns
// bumped by one in the same statement. The store adds version = version+1
// and updated_at itself.
type TransitionWrite struct {
	ID              string
	FromQueue       types.Queue
	ExpectedVersion int
	Sets            map[string]any
	Increments      []string
}

// Storage is the persistence contract for the lifecycle engine and facade.
type Storage interface {
	// Tasks
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// UpdateTaskFields applies a generic field update (PATCH). It bumps
	// version like any other mutation but carries no queue predicate.
	UpdateTaskFields(ctx context.Context, id string, updates map[string]any) error

	// TransitionTask applies a conditional state change. Returns
	// ErrConflict when the (id, queue, version) predicate matches nothing.
	TransitionTask(ctx context.Context, w TransitionWrite) error

	// SelectClaimable returns the single highest-priority, oldest eligible
	// task for the filter, or ErrNotFound when nothing is eligible.
	SelectClaimable(ctx context.Context, filter types.ClaimFilter) (*types.Task, error)

	// UnblockDependents clears blocked_by on every task that was blocked
	// by the given task id, returning the ids it touched.
	UnblockDependents(ctx context.Context, id string) ([]string, error)

	// ReleaseExpiredLeases returns every claimed task whose lease expired
	// before now to the incoming queue, clearing lease fields without
	// bumping version. Returns the ids of released tasks.
	ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]string, error)

	// Queue counts for the scheduler poll, partitioned by scope.
	CountQueues(ctx context.Context, scope string) (*types.QueueCounts, error)

	// History (best-effort journal; FK cascade on task delete)
	AppendHistory(ctx context.Context, entry *types.HistoryEntry) error
	ListHistory(ctx context.Context, taskID string, limit int) ([]*types.HistoryEntry, error)

	// Orchestrators
	RegisterOrchestrator(ctx context.Context, o *types.Orchestrator) error
	GetOrchestrator(ctx context.Context, id string) (*types.Orchestrator, error)
	ListOrchestrators(ctx context.Context, scope string) ([]*types.Orchestrator, error)
	Heartbeat(ctx context.Context, id string, at time.Time) error
	MarkStaleOrchestrators(ctx context.Context, cutoff time.Time) (int, error)

	// Role and flow registries
	UpsertRole(ctx context.Context, role *types.Role) error
	GetRole(ctx context.Context, name string) (*types.Role, error)
	ListRoles(ctx context.Context) ([]*types.Role, error)
	CountRoles(ctx context.Context) (int, error)
	UpsertFlow(ctx context.Context, flow *types.Flow) error
	ListFlows(ctx context.Context) ([]*types.Flow, error)

	// Messages and actions (supporting surfaces, scoped like tasks)
	CreateMessage(ctx context.Context, m *types.Message) error
	ListMessages(ctx context.Context, scope string, limit int) ([]*types.Message, error)
	CreateAction(ctx context.Context, a *types.Action) error
	ListActions(ctx context.Context, scope string, limit int) ([]*types.Action, error)

	// Lifecycle
	Close() error
	Path() string
}
