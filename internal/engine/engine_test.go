package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/flightdeck-io/flightdeck/internal/storage"
	"github.com/flightdeck-io/flightdeck/internal/storage/sqlite"
	"github.com/flightdeck-io/flightdeck/internal/types"
)

type testEnv struct {
	engine *Engine
	store  storage.Storage
	clock  *testclock.Clock
	ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "flightdeck.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := testclock.NewClock(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	eng := New(store, clk, nil, Config{})
	return &testEnv{engine: eng, store: store, clock: clk, ctx: context.Background()}
}

func (e *testEnv) mustCreate(t *testing.T, task *types.Task) *types.Task {
	t.Helper()
	if task.Scope == "" {
		task.Scope = "test-scope"
	}
	if task.FilePath == "" {
		task.FilePath = "tasks/" + task.ID + ".md"
	}
	if task.Branch == "" {
		task.Branch = "main"
	}
	created, err := e.engine.Create(e.ctx, task, "tester")
	if err != nil {
		t.Fatalf("failed to create task %s: %v", task.ID, err)
	}
	return created
}

func (e *testEnv) mustClaim(t *testing.T, req ClaimRequest) *types.Task {
	t.Helper()
	if req.Scope == "" {
		req.Scope = "test-scope"
	}
	if req.Agent == "" {
		req.Agent = "agent-1"
	}
	if req.OrchestratorID == "" {
		req.OrchestratorID = "orch-1"
	}
	task, err := e.engine.Claim(e.ctx, req)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	return task
}

func (e *testEnv) hasEvent(t *testing.T, taskID, event string) bool {
	t.Helper()
	entries, err := e.store.ListHistory(e.ctx, taskID, 0)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	for _, entry := range entries {
		if entry.Event == event {
			return true
		}
	}
	return false
}

func TestClaimSubmitAcceptLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1", Role: "implement", Priority: types.PriorityP1})

	claimed := env.mustClaim(t, ClaimRequest{Roles: []string{"implement"}})
	if claimed.ID != "T1" || claimed.Queue != types.QueueClaimed {
		t.Fatalf("unexpected claim result: %s in %s", claimed.ID, claimed.Queue)
	}
	if claimed.ClaimedBy != "agent-1" {
		t.Errorf("expected claimed_by agent-1, got %q", claimed.ClaimedBy)
	}
	wantExpiry := env.clock.Now().Add(300 * time.Second)
	if claimed.LeaseExpiresAt == nil || !claimed.LeaseExpiresAt.Equal(wantExpiry) {
		t.Errorf("expected lease_expires_at %v, got %v", wantExpiry, claimed.LeaseExpiresAt)
	}

	submitted, err := env.engine.Submit(env.ctx, "T1", SubmitRequest{
		CommitsCount: 3, TurnsUsed: 10, Agent: "agent-1",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if submitted.Queue != types.QueueProvisional {
		t.Errorf("expected provisional, got %s", submitted.Queue)
	}
	if submitted.CommitsCount != 3 || submitted.TurnsUsed != 10 {
		t.Errorf("submission evidence not recorded: %+v", submitted)
	}
	if submitted.SubmittedAt == nil {
		t.Error("expected submitted_at set")
	}

	accepted, err := env.engine.Accept(env.ctx, "T1", "reviewer")
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if accepted.Queue != types.QueueDone {
		t.Errorf("expected done, got %s", accepted.Queue)
	}
	if accepted.CompletedAt == nil {
		t.Error("expected completed_at set")
	}

	for _, event := range []string{types.EventCreated, types.EventClaimed, types.EventSubmitted, types.EventAccepted} {
		if !env.hasEvent(t, "T1", event) {
			t.Errorf("missing history event %s", event)
		}
	}
}

func TestClaimNoTask(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Claim(env.ctx, ClaimRequest{
		Scope: "test-scope", Agent: "agent-1", OrchestratorID: "orch-1",
	})
	if !errors.Is(err, ErrNoTask) {
		t.Errorf("expected ErrNoTask, got %v", err)
	}
}

func TestClaimExcludesOtherScopes(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1", Scope: "scope-a"})

	_, err := env.engine.Claim(env.ctx, ClaimRequest{
		Scope: "scope-b", Agent: "agent-1", OrchestratorID: "orch-1",
	})
	if !errors.Is(err, ErrNoTask) {
		t.Errorf("expected ErrNoTask for foreign scope, got %v", err)
	}
}

func TestSecondClaimFindsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})

	env.mustClaim(t, ClaimRequest{})
	_, err := env.engine.Claim(env.ctx, ClaimRequest{
		Scope: "test-scope", Agent: "agent-2", OrchestratorID: "orch-2",
	})
	if !errors.Is(err, ErrNoTask) {
		t.Errorf("expected ErrNoTask, got %v", err)
	}
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})

	const claimers = 8
	results := make(chan error, claimers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < claimers; i++ {
		agent := fmt.Sprintf("agent-%d", i)
		go func() {
			start.Wait()
			_, err := env.engine.Claim(env.ctx, ClaimRequest{
				Scope: "test-scope", Agent: agent, OrchestratorID: "orch-1",
			})
			results <- err
		}()
	}
	start.Done()

	wins, noTask, other := 0, 0, 0
	for i := 0; i < claimers; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, ErrNoTask):
			noTask++
		default:
			other++
			t.Logf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d (no_task %d, other %d)", wins, noTask, other)
	}
	if other != 0 {
		t.Errorf("expected losers to see no-task, got %d other errors", other)
	}

	task, err := env.store.GetTask(env.ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Queue != types.QueueClaimed {
		t.Errorf("expected claimed, got %s", task.Queue)
	}
	// Create is v1, the single winning claim is v2; a loser's write
	// never touches the row.
	if task.Version != 2 {
		t.Errorf("expected version 2, got %d", task.Version)
	}
}

func TestCreateBlockedRequiresExistingBlocker(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Create(env.ctx, &types.Task{
		ID: "T1", Scope: "test-scope", FilePath: "tasks/T1.md", Branch: "main",
		Queue: types.QueueBlocked, BlockedBy: "ghost",
	}, "tester")
	if !errors.Is(err, ErrDependencyUnresolved) {
		t.Errorf("expected ErrDependencyUnresolved for dangling blocker, got %v", err)
	}

	_, err = env.engine.Create(env.ctx, &types.Task{
		ID: "T2", Scope: "test-scope", FilePath: "tasks/T2.md", Branch: "main",
		Queue: types.QueueBlocked,
	}, "tester")
	if !errors.Is(err, ErrDependencyUnresolved) {
		t.Errorf("expected ErrDependencyUnresolved for missing blocker, got %v", err)
	}
}

func TestClaimRespectsPriorityOrder(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "low", Priority: types.PriorityP3})
	env.mustCreate(t, &types.Task{ID: "high", Priority: types.PriorityP0})

	claimed := env.mustClaim(t, ClaimRequest{})
	if claimed.ID != "high" {
		t.Errorf("expected high-priority task, got %s", claimed.ID)
	}
}

func TestClaimLeaseClamp(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})

	claimed := env.mustClaim(t, ClaimRequest{LeaseSeconds: 7200})
	wantExpiry := env.clock.Now().Add(3600 * time.Second)
	if claimed.LeaseExpiresAt == nil || !claimed.LeaseExpiresAt.Equal(wantExpiry) {
		t.Errorf("expected lease clamped to %v, got %v", wantExpiry, claimed.LeaseExpiresAt)
	}
}

func TestSubmitAfterLeaseExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})
	env.mustClaim(t, ClaimRequest{})

	env.clock.Advance(301 * time.Second)

	_, err := env.engine.Submit(env.ctx, "T1", SubmitRequest{CommitsCount: 1, TurnsUsed: 5})
	if !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("expected ErrLeaseExpired, got %v", err)
	}
}

func TestSubmitVersionMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})
	env.mustClaim(t, ClaimRequest{})

	stale := 1 // claim already bumped to 2
	_, err := env.engine.Submit(env.ctx, "T1", SubmitRequest{
		CommitsCount: 1, TurnsUsed: 5, ExpectedVersion: &stale,
	})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestSubmitWrongQueueConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})
	env.mustClaim(t, ClaimRequest{})
	if _, err := env.engine.Submit(env.ctx, "T1", SubmitRequest{CommitsCount: 1, TurnsUsed: 5}); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	// Task is provisional now; a second submit must lose on the queue
	// predicate, not silently reapply.
	_, err := env.engine.Submit(env.ctx, "T1", SubmitRequest{CommitsCount: 1, TurnsUsed: 5})
	if err == nil {
		t.Fatal("expected error on double submit")
	}
}

func TestBurnoutRoutingNoCommits(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})
	env.mustClaim(t, ClaimRequest{})

	task, err := env.engine.Submit(env.ctx, "T1", SubmitRequest{CommitsCount: 0, TurnsUsed: 85})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if task.Queue != types.QueueNeedsContinuation {
		t.Errorf("expected needs_continuation, got %s", task.Queue)
	}
	if !env.hasEvent(t, "T1", types.EventBurnoutDetected) {
		t.Error("missing burnout_detected event")
	}
}

func TestBurnoutRoutingTurnLimit(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})
	env.mustClaim(t, ClaimRequest{})

	task, err := env.engine.Submit(env.ctx, "T1", SubmitRequest{CommitsCount: 5, TurnsUsed: 100})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if task.Queue != types.QueueNeedsContinuation {
		t.Errorf("expected needs_continuation, got %s", task.Queue)
	}
}

func TestProductiveSubmitNotBurnout(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})
	env.mustClaim(t, ClaimRequest{})

	task, err := env.engine.Submit(env.ctx, "T1", SubmitRequest{CommitsCount: 2, TurnsUsed: 85})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if task.Queue != types.QueueProvisional {
		t.Errorf("expected provisional, got %s", task.Queue)
	}
}

func TestRejectCycle(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})
	env.mustClaim(t, ClaimRequest{})
	if _, err := env.engine.Submit(env.ctx, "T1", SubmitRequest{CommitsCount: 1, TurnsUsed: 5}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	task, err := env.engine.Reject(env.ctx, "T1", "checks failed", "reviewer")
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if task.Queue != types.QueueIncoming {
		t.Errorf("expected incoming, got %s", task.Queue)
	}
	if task.RejectionCount != 1 {
		t.Errorf("expected rejection_count 1, got %d", task.RejectionCount)
	}
	if task.ClaimedBy != "" || task.LeaseExpiresAt != nil {
		t.Error("expected lease fields cleared")
	}
	if !env.hasEvent(t, "T1", types.EventRejected) {
		t.Error("missing rejected event")
	}
}

func TestAcceptRequiresProvisional(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})

	_, err := env.engine.Accept(env.ctx, "T1", "reviewer")
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestAcceptUnblocksDependents(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})
	env.mustCreate(t, &types.Task{ID: "D1", Queue: types.QueueBlocked, BlockedBy: "T1"})

	env.mustClaim(t, ClaimRequest{})
	if _, err := env.engine.Submit(env.ctx, "T1", SubmitRequest{CommitsCount: 1, TurnsUsed: 5}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := env.engine.Accept(env.ctx, "T1", "reviewer"); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	dep, err := env.store.GetTask(env.ctx, "D1")
	if err != nil {
		t.Fatal(err)
	}
	if dep.BlockedBy != "" {
		t.Errorf("expected D1 unblocked, blocked_by %q", dep.BlockedBy)
	}
	if !env.hasEvent(t, "D1", types.EventUnblocked) {
		t.Error("missing unblocked event on dependent")
	}
}

func TestReviewClaimStaysProvisional(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.UpsertRole(env.ctx, &types.Role{
		Name: "review", ClaimsFrom: types.QueueProvisional,
	}); err != nil {
		t.Fatal(err)
	}
	env.mustCreate(t, &types.Task{ID: "T1", Role: "review", Queue: types.QueueProvisional})

	claimed := env.mustClaim(t, ClaimRequest{Roles: []string{"review"}})
	if claimed.Queue != types.QueueProvisional {
		t.Errorf("expected review claim to stay provisional, got %s", claimed.Queue)
	}
	if claimed.ClaimedBy != "agent-1" {
		t.Errorf("expected lease granted, claimed_by %q", claimed.ClaimedBy)
	}
	if !env.hasEvent(t, "T1", types.EventReviewClaimed) {
		t.Error("missing review_claimed event")
	}
}

func TestBlockAndUnblock(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "B1"})
	env.mustCreate(t, &types.Task{ID: "T1"})

	blocked, err := env.engine.Block(env.ctx, "T1", "B1", "planner")
	if err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if blocked.Queue != types.QueueBlocked || blocked.BlockedBy != "B1" {
		t.Fatalf("unexpected blocked state: %s blocked_by %q", blocked.Queue, blocked.BlockedBy)
	}

	// Blocker is still incoming; unblock must refuse.
	_, err = env.engine.Unblock(env.ctx, "T1", "planner")
	if !errors.Is(err, ErrDependencyUnresolved) {
		t.Fatalf("expected ErrDependencyUnresolved, got %v", err)
	}

	env.mustClaim(t, ClaimRequest{})
	if _, err := env.engine.Submit(env.ctx, "B1", SubmitRequest{CommitsCount: 1, TurnsUsed: 3}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := env.engine.Accept(env.ctx, "B1", "reviewer"); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	// Accept already cleared blocked_by; move the task back explicitly.
	unblocked, err := env.engine.Unblock(env.ctx, "T1", "planner")
	if err != nil {
		t.Fatalf("unblock failed: %v", err)
	}
	if unblocked.Queue != types.QueueIncoming {
		t.Errorf("expected incoming, got %s", unblocked.Queue)
	}
}

func TestCompleteHook(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1", Hooks: []types.Hook{
		{Name: "ci", Status: types.HookPending},
		{Name: "review", Status: types.HookPending},
	}})

	task, err := env.engine.CompleteHook(env.ctx, "T1", "ci", types.HookPassed, "run #42 green")
	if err != nil {
		t.Fatalf("complete hook failed: %v", err)
	}
	var ci *types.Hook
	for i := range task.Hooks {
		if task.Hooks[i].Name == "ci" {
			ci = &task.Hooks[i]
		}
	}
	if ci == nil || ci.Status != types.HookPassed || ci.Evidence != "run #42 green" {
		t.Errorf("hook not updated: %+v", task.Hooks)
	}

	_, err = env.engine.CompleteHook(env.ctx, "T1", "nope", types.HookPassed, "")
	if !errors.Is(err, ErrUnknownHook) {
		t.Errorf("expected ErrUnknownHook, got %v", err)
	}
}

func TestVersionMonotonicAcrossLifecycle(t *testing.T) {
	env := newTestEnv(t)
	created := env.mustCreate(t, &types.Task{ID: "T1"})
	last := created.Version

	claimed := env.mustClaim(t, ClaimRequest{})
	if claimed.Version <= last {
		t.Fatalf("version not increased on claim: %d -> %d", last, claimed.Version)
	}
	last = claimed.Version

	submitted, err := env.engine.Submit(env.ctx, "T1", SubmitRequest{CommitsCount: 1, TurnsUsed: 1})
	if err != nil {
		t.Fatal(err)
	}
	if submitted.Version <= last {
		t.Fatalf("version not increased on submit: %d -> %d", last, submitted.Version)
	}
	last = submitted.Version

	accepted, err := env.engine.Accept(env.ctx, "T1", "reviewer")
	if err != nil {
		t.Fatal(err)
	}
	if accepted.Version <= last {
		t.Fatalf("version not increased on accept: %d -> %d", last, accepted.Version)
	}
}
