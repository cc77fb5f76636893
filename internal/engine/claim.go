package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/storage"
	"github.com/flightdeck-io/flightdeck/internal/types"
)

// ClaimRequest is the atomic claim operation's input. Scope is mandatory.
// Queue, when empty, resolves from the role filter's claims_from hint and
// falls back to incoming.
type ClaimRequest struct {
	Scope          string
	Queue          types.Queue
	Roles          []string
	Types          []string
	Agent          string
	OrchestratorID string
	LeaseSeconds   int
}

// leaseDuration clamps the requested lease to the configured bounds.
func (e *Engine) leaseDuration(seconds int) time.Duration {
	if seconds <= 0 {
		return e.cfg.DefaultLease
	}
	d := time.Duration(seconds) * time.Second
	if d > e.cfg.MaxLease {
		return e.cfg.MaxLease
	}
	return d
}

// resolveQueue picks the queue to claim from. An explicit queue wins.
// Otherwise a single-role filter whose registered role carries a
// claims_from hint uses that; everything else claims from incoming.
func (e *Engine) resolveQueue(ctx context.Context, req ClaimRequest) (types.Queue, error) {
	if req.Queue != "" {
		return req.Queue, nil
	}
	if len(req.Roles) == 1 {
		role, err := e.store.GetRole(ctx, req.Roles[0])
		if err == nil && role.ClaimsFrom != "" {
			return role.ClaimsFrom, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
	}
	return types.QueueIncoming, nil
}

// Claim atomically selects and leases the highest-priority eligible task.
//
// Selection and transition are separate statements, so two claimers can
// pick the same candidate; the conditional write lets exactly one win and
// the loser retries against the next candidate. Returns ErrNoTask when
// the queue is drained.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (*types.Task, error) {
	queue, err := e.resolveQueue(ctx, req)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < e.cfg.ClaimRetries; attempt++ {
		task, err := e.store.SelectClaimable(ctx, types.ClaimFilter{
			Scope: req.Scope,
			Queue: queue,
			Roles: req.Roles,
			Types: req.Types,
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrNoTask
			}
			return nil, err
		}

		claimed, err := e.claimOne(ctx, task, queue, req)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return nil, err
		}
		return claimed, nil
	}
	return nil, fmt.Errorf("claim contention exhausted retries: %w", storage.ErrConflict)
}

// claimOne applies the lease to one selected candidate. A claim from
// provisional is a review claim: the task keeps its queue so a stale
// submit from the original worker still collides, and the journal records
// review_claimed instead of claimed.
func (e *Engine) claimOne(ctx context.Context, task *types.Task, queue types.Queue, req ClaimRequest) (*types.Task, error) {
	now := e.clock.Now()
	lease := e.leaseDuration(req.LeaseSeconds)

	target := types.QueueClaimed
	event := types.EventClaimed
	if queue == types.QueueProvisional {
		target = types.QueueProvisional
		event = types.EventReviewClaimed
	}

	err := e.apply(ctx, task, transition{
		action: "claim",
		from:   queue,
		to:     target,
		guards: []Guard{
			ScopeMatches{Scope: req.Scope},
			RoleMatches{Filter: req.Roles},
			DependencyResolved{},
		},
		effects: []Effect{SetLease{
			Agent:          req.Agent,
			OrchestratorID: req.OrchestratorID,
			ClaimedAt:      now,
			ExpiresAt:      now.Add(lease),
		}},
		event:   event,
		agent:   req.Agent,
		details: fmt.Sprintf(`{"lease_seconds":%d}`, int(lease.Seconds())),
	})
	if err != nil {
		return nil, err
	}
	return e.store.GetTask(ctx, task.ID)
}
