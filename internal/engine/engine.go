// Package engine implements the task lifecycle state machine.
//
// Every transition is one conditional UPDATE predicated on the task's
// current queue and version; the write either commits the whole
// transition (queue change, lease fields, counters, version bump) or
// nothing. Guards run before the write for precise error reporting, but
// under concurrency the predicate is what decides the race. History rows
// and dependent unblocking run only after the primary write commits and
// are best-effort by contract.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/flightdeck-io/flightdeck/internal/metrics"
	"github.com/flightdeck-io/flightdeck/internal/storage"
	"github.com/flightdeck-io/flightdeck/internal/types"
)

// ErrNoTask is the claim selector's "nothing eligible" outcome. It is a
// normal result, not a failure; the facade reports it as 404.
var ErrNoTask = errors.New("no tasks available")

// ErrUnknownHook is returned when a hook-complete names a hook the task
// does not carry.
var ErrUnknownHook = errors.New("unknown hook")

// Config holds the engine's tunables. Zero values fall back to the
// documented defaults.
type Config struct {
	DefaultLease         time.Duration
	MaxLease             time.Duration
	BurnoutTurnThreshold int
	MaxTurnLimit         int
	ClaimRetries         int
}

func (c Config) withDefaults() Config {
	if c.DefaultLease <= 0 {
		c.DefaultLease = 300 * time.Second
	}
	if c.MaxLease <= 0 {
		c.MaxLease = 3600 * time.Second
	}
	if c.BurnoutTurnThreshold <= 0 {
		c.BurnoutTurnThreshold = 80
	}
	if c.MaxTurnLimit <= 0 {
		c.MaxTurnLimit = 100
	}
	if c.ClaimRetries <= 0 {
		c.ClaimRetries = 3
	}
	return c
}

// Engine evaluates guards, applies conditional state changes, and emits
// side effects. It holds no mutable state of its own; all coordination
// happens through the store.
type Engine struct {
	store storage.Storage
	clock clock.Clock
	log   *zap.Logger
	cfg   Config
}

// New constructs an engine.
func New(store storage.Storage, clk clock.Clock, log *zap.Logger, cfg Config) *Engine {
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, clock: clk, log: log, cfg: cfg.withDefaults()}
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// transition is one row of the state machine: guards checked up front,
// effects folded into the conditional write, event appended after commit.
type transition struct {
	action  string
	from    types.Queue
	to      types.Queue
	guards  []Guard
	effects []Effect
	event   string
	agent   string
	details string
}

// apply runs a transition against the task as observed by the caller.
// The store predicate uses the observed version, so a concurrent writer
// makes this fail with ErrConflict without touching the row.
func (e *Engine) apply(ctx context.Context, task *types.Task, tr transition) error {
	now := e.clock.Now()
	for _, g := range tr.guards {
		if err := e.evaluate(ctx, g, task, now); err != nil {
			metrics.Transitions.WithLabelValues(tr.action, "guard_failed").Inc()
			return err
		}
	}

	sets := map[string]any{"queue": string(tr.to)}
	increments, err := compile(tr.effects, sets)
	if err != nil {
		return err
	}

	err = e.store.TransitionTask(ctx, storage.TransitionWrite{
		ID:              task.ID,
		FromQueue:       tr.from,
		ExpectedVersion: task.Version,
		Sets:            sets,
		Increments:      increments,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.Transitions.WithLabelValues(tr.action, "conflict").Inc()
		} else {
			metrics.Transitions.WithLabelValues(tr.action, "error").Inc()
		}
		return err
	}
	metrics.Transitions.WithLabelValues(tr.action, "ok").Inc()

	e.log.Info("task transition",
		zap.String("task", task.ID),
		zap.String("action", tr.action),
		zap.String("from", string(tr.from)),
		zap.String("to", string(tr.to)),
		zap.Int("version", task.Version+1),
	)

	e.appendHistory(ctx, task.ID, tr.event, tr.agent, tr.details)
	return nil
}

// appendHistory writes a journal row. Failures are logged, never
// propagated: the task write has already committed.
func (e *Engine) appendHistory(ctx context.Context, taskID, event, agent, details string) {
	err := e.store.AppendHistory(ctx, &types.HistoryEntry{
		TaskID:  taskID,
		Event:   event,
		Agent:   agent,
		Details: details,
	})
	if err != nil {
		e.log.Warn("history append failed",
			zap.String("task", taskID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// Create inserts a new task and journals the creation. Tasks explicitly
// created in the blocked queue must name their blocker.
func (e *Engine) Create(ctx context.Context, task *types.Task, actor string) (*types.Task, error) {
	if task.Queue == types.QueueBlocked && task.BlockedBy == "" {
		return nil, fmt.Errorf("blocked task %s names no blocker: %w", task.ID, ErrDependencyUnresolved)
	}
	if task.BlockedBy != "" {
		if _, err := e.store.GetTask(ctx, task.BlockedBy); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("blocker %s: %w", task.BlockedBy, ErrDependencyUnresolved)
			}
			return nil, fmt.Errorf("blocker: %w", err)
		}
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	e.appendHistory(ctx, task.ID, types.EventCreated, actor, "")
	return e.store.GetTask(ctx, task.ID)
}

// SubmitRequest carries the submission evidence for a claimed task.
type SubmitRequest struct {
	CommitsCount   int
	TurnsUsed      int
	CheckResults   string
	ExecutionNotes string
	Agent          string

	// ExpectedVersion, when non-nil, must match the task's current
	// version; otherwise the task's observed version is used.
	ExpectedVersion *int
}

// burnedOut applies the burnout heuristic: an agent that produced no
// commits after many turns, or blew through the hard turn limit, is
// routed to needs_continuation instead of review.
func (e *Engine) burnedOut(req SubmitRequest) bool {
	if req.CommitsCount == 0 && req.TurnsUsed >= e.cfg.BurnoutTurnThreshold {
		return true
	}
	return req.TurnsUsed >= e.cfg.MaxTurnLimit
}

// Submit moves a claimed task to provisional, or to needs_continuation
// when the burnout heuristic trips.
func (e *Engine) Submit(ctx context.Context, id string, req SubmitRequest) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	guards := []Guard{LeaseValid{}}
	if req.ExpectedVersion != nil {
		guards = append(guards, VersionMatches{Expected: *req.ExpectedVersion})
	}

	now := e.clock.Now()
	target := types.QueueProvisional
	burnout := e.burnedOut(req)
	if burnout {
		target = types.QueueNeedsContinuation
	}

	err = e.apply(ctx, task, transition{
		action: "submit",
		from:   types.QueueClaimed,
		to:     target,
		guards: guards,
		effects: []Effect{RecordSubmission{
			CommitsCount:   req.CommitsCount,
			TurnsUsed:      req.TurnsUsed,
			CheckResults:   req.CheckResults,
			ExecutionNotes: req.ExecutionNotes,
			At:             now,
		}},
		event:   types.EventSubmitted,
		agent:   req.Agent,
		details: fmt.Sprintf(`{"commits_count":%d,"turns_used":%d}`, req.CommitsCount, req.TurnsUsed),
	})
	if err != nil {
		return nil, err
	}

	if burnout {
		detail, _ := json.Marshal(map[string]int{
			"turns_used": req.TurnsUsed,
			"threshold":  e.cfg.BurnoutTurnThreshold,
		})
		e.appendHistory(ctx, id, types.EventBurnoutDetected, req.Agent, string(detail))
	}

	return e.store.GetTask(ctx, id)
}

// Accept moves a provisional task to done, stamps completed_at, and
// unblocks every task waiting on it. Accept is the only path to done.
func (e *Engine) Accept(ctx context.Context, id, acceptedBy string) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	err = e.apply(ctx, task, transition{
		action:  "accept",
		from:    types.QueueProvisional,
		to:      types.QueueDone,
		effects: []Effect{SetCompleted{At: e.clock.Now()}, ClearLease{}},
		event:   types.EventAccepted,
		agent:   acceptedBy,
	})
	if err != nil {
		return nil, err
	}

	unblocked, err := e.store.UnblockDependents(ctx, id)
	if err != nil {
		e.log.Warn("dependent unblock failed", zap.String("task", id), zap.Error(err))
	}
	for _, depID := range unblocked {
		e.appendHistory(ctx, depID, types.EventUnblocked, acceptedBy,
			fmt.Sprintf(`{"blocker":%q}`, id))
	}

	return e.store.GetTask(ctx, id)
}

// Reject returns a provisional task to incoming, clears the lease, and
// bumps the rejection tally.
func (e *Engine) Reject(ctx context.Context, id, reason, rejectedBy string) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	detail, _ := json.Marshal(map[string]string{"reason": reason})
	err = e.apply(ctx, task, transition{
		action:  "reject",
		from:    types.QueueProvisional,
		to:      types.QueueIncoming,
		effects: []Effect{ClearLease{}, IncrementRejections{}},
		event:   types.EventRejected,
		agent:   rejectedBy,
		details: string(detail),
	})
	if err != nil {
		return nil, err
	}
	return e.store.GetTask(ctx, id)
}

// Requeue returns a claimed task to incoming without judgment on the
// work; the lease is released.
func (e *Engine) Requeue(ctx context.Context, id, agent, detail string) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	err = e.apply(ctx, task, transition{
		action:  "requeue",
		from:    types.QueueClaimed,
		to:      types.QueueIncoming,
		effects: []Effect{ClearLease{}},
		event:   types.EventRequeued,
		agent:   agent,
		details: detail,
	})
	if err != nil {
		return nil, err
	}
	return e.store.GetTask(ctx, id)
}

// Block moves an incoming task to blocked on the given blocker.
func (e *Engine) Block(ctx context.Context, id, blockerID, agent string) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetTask(ctx, blockerID); err != nil {
		return nil, fmt.Errorf("blocker: %w", err)
	}

	err = e.apply(ctx, task, transition{
		action:  "block",
		from:    types.QueueIncoming,
		to:      types.QueueBlocked,
		effects: []Effect{SetBlockedBy{ID: blockerID}},
		event:   types.EventBlocked,
		agent:   agent,
		details: fmt.Sprintf(`{"blocked_by":%q}`, blockerID),
	})
	if err != nil {
		return nil, err
	}
	return e.store.GetTask(ctx, id)
}

// Unblock returns a blocked task to incoming once its dependency is
// resolved.
func (e *Engine) Unblock(ctx context.Context, id, agent string) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	err = e.apply(ctx, task, transition{
		action:  "unblock",
		from:    types.QueueBlocked,
		to:      types.QueueIncoming,
		guards:  []Guard{DependencyResolved{}},
		effects: []Effect{SetBlockedBy{ID: ""}},
		event:   types.EventUnblocked,
		agent:   agent,
	})
	if err != nil {
		return nil, err
	}
	return e.store.GetTask(ctx, id)
}

// CompleteHook flips one named hook's status. The write is conditional on
// the task's observed version so concurrent hook updates serialize
// cleanly, but the queue does not change.
func (e *Engine) CompleteHook(ctx context.Context, id, hookName, status, evidence string) (*types.Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	found := false
	now := e.clock.Now().UTC()
	for i := range task.Hooks {
		if task.Hooks[i].Name == hookName {
			task.Hooks[i].Status = status
			task.Hooks[i].Evidence = evidence
			task.Hooks[i].UpdatedAt = &now
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("hook %q on task %s: %w", hookName, id, ErrUnknownHook)
	}

	encoded, err := json.Marshal(task.Hooks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hooks: %w", err)
	}

	err = e.store.TransitionTask(ctx, storage.TransitionWrite{
		ID:              task.ID,
		FromQueue:       task.Queue,
		ExpectedVersion: task.Version,
		Sets:            map[string]any{"hooks": string(encoded)},
	})
	if err != nil {
		return nil, err
	}
	return e.store.GetTask(ctx, id)
}
