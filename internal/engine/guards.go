package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/storage"
	"github.com/flightdeck-io/flightdeck/internal/types"
)

// Guard errors. Everything conflict-shaped maps to 409 in the facade;
// ErrDependencyUnresolved gets its own taxonomy entry.
var (
	ErrDependencyUnresolved = errors.New("blocking dependency not resolved")
	ErrRoleMismatch         = errors.New("task role does not match filter")
	ErrScopeMismatch        = errors.New("task scope does not match request scope")
	ErrLeaseExpired         = errors.New("lease expired")
	ErrVersionMismatch      = errors.New("version mismatch")
)

// Guard is a precondition checked before the conditional write. Guards
// are advisory under concurrency; the write's (queue, version) predicate
// is the ultimate arbiter, but they give callers precise failures.
//
// The variant set is sealed so evaluate dispatches exhaustively.
type Guard interface {
	isGuard()
}

// DependencyResolved requires blocked_by (if set) to reference a task in
// the done queue.
type DependencyResolved struct{}

// RoleMatches requires the task's role to be in the caller's filter set.
// A task with no role passes only when the filter is empty.
type RoleMatches struct {
	Filter []string
}

// LeaseValid requires an unexpired lease as of evaluation time.
type LeaseValid struct{}

// VersionMatches requires the caller-observed version to still hold.
type VersionMatches struct {
	Expected int
}

// ScopeMatches requires the task to live in the request scope.
type ScopeMatches struct {
	Scope string
}

func (DependencyResolved) isGuard() {}
func (RoleMatches) isGuard()        {}
func (LeaseValid) isGuard()         {}
func (VersionMatches) isGuard()     {}
func (ScopeMatches) isGuard()       {}

// evaluate checks a single guard against the task.
func (e *Engine) evaluate(ctx context.Context, g Guard, task *types.Task, now time.Time) error {
	switch g := g.(type) {
	case DependencyResolved:
		if task.BlockedBy == "" {
			return nil
		}
		blocker, err := e.store.GetTask(ctx, task.BlockedBy)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("blocked_by %s: %w", task.BlockedBy, ErrDependencyUnresolved)
			}
			return err
		}
		if blocker.Queue != types.QueueDone {
			return fmt.Errorf("blocked_by %s is %s: %w", blocker.ID, blocker.Queue, ErrDependencyUnresolved)
		}
		return nil

	case RoleMatches:
		if len(g.Filter) == 0 {
			return nil
		}
		for _, role := range g.Filter {
			if task.Role == role {
				return nil
			}
		}
		return fmt.Errorf("role %q not in filter: %w", task.Role, ErrRoleMismatch)

	case LeaseValid:
		if !task.HasActiveLease(now) {
			return ErrLeaseExpired
		}
		return nil

	case VersionMatches:
		if task.Version != g.Expected {
			return fmt.Errorf("expected v%d, have v%d: %w", g.Expected, task.Version, ErrVersionMismatch)
		}
		return nil

	case ScopeMatches:
		if g.Scope != "" && task.Scope != g.Scope {
			return ErrScopeMismatch
		}
		return nil

	default:
		return fmt.Errorf("unknown guard %T", g)
	}
}
