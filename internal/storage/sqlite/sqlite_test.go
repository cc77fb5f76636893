package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/storage"
	"github.com/flightdeck-io/flightdeck/internal/types"
)

type testEnv struct {
	store *Store
	ctx   context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flightdeck.db")
	store, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return &testEnv{store: store, ctx: context.Background()}
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
	if err := e.store.CreateTask(e.ctx, task); err != nil {
		t.Fatalf("failed to create task %s: %v", task.ID, err)
	}
	created, err := e.store.GetTask(e.ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to read back task %s: %v", task.ID, err)
	}
	return created
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)

	task := env.mustCreate(t, &types.Task{ID: "T1"})
	if task.Queue != types.QueueIncoming {
		t.Errorf("expected queue incoming, got %s", task.Queue)
	}
	if task.Priority != types.PriorityP2 {
		t.Errorf("expected priority P2, got %s", task.Priority)
	}
	if task.Version != 1 {
		t.Errorf("expected version 1, got %d", task.Version)
	}
}

func TestCreateTaskDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})

	err := env.store.CreateTask(env.ctx, &types.Task{
		ID: "T1", Scope: "test-scope", FilePath: "x", Branch: "main",
	})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.GetTask(env.ctx, "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionTask(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})

	err := env.store.TransitionTask(env.ctx, storage.TransitionWrite{
		ID:              "T1",
		FromQueue:       types.QueueIncoming,
		ExpectedVersion: 1,
		Sets:            map[string]any{"queue": "claimed", "claimed_by": "agent-1"},
	})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	task, err := env.store.GetTask(env.ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Queue != types.QueueClaimed {
		t.Errorf("expected queue claimed, got %s", task.Queue)
	}
	if task.Version != 2 {
		t.Errorf("expected version 2, got %d", task.Version)
	}
	if task.ClaimedBy != "agent-1" {
		t.Errorf("expected claimed_by agent-1, got %q", task.ClaimedBy)
	}
}

func TestTransitionTaskConflictOnStaleVersion(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})

	write := storage.TransitionWrite{
		ID:              "T1",
		FromQueue:       types.QueueIncoming,
		ExpectedVersion: 1,
		Sets:            map[string]any{"queue": "claimed"},
	}
	if err := env.store.TransitionTask(env.ctx, write); err != nil {
		t.Fatalf("first transition failed: %v", err)
	}
	// Same observed version again: exactly one writer may win.
	err := env.store.TransitionTask(env.ctx, write)
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestTransitionTaskConflictOnWrongQueue(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})

	err := env.store.TransitionTask(env.ctx, storage.TransitionWrite{
		ID:              "T1",
		FromQueue:       types.QueueProvisional,
		ExpectedVersion: 1,
		Sets:            map[string]any{"queue": "done", "completed_at": time.Now().UTC()},
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestTransitionIncrements(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1", Queue: types.QueueProvisional})

	err := env.store.TransitionTask(env.ctx, storage.TransitionWrite{
		ID:              "T1",
		FromQueue:       types.QueueProvisional,
		ExpectedVersion: 1,
		Sets:            map[string]any{"queue": "incoming"},
		Increments:      []string{"rejection_count"},
	})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	task, _ := env.store.GetTask(env.ctx, "T1")
	if task.RejectionCount != 1 {
		t.Errorf("expected rejection_count 1, got %d", task.RejectionCount)
	}
}

func TestUpdateTaskFieldsRejectsUnknownColumn(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})

	err := env.store.UpdateTaskFields(env.ctx, "T1", map[string]any{"scope": "other"})
	if err == nil {
		t.Error("expected error for non-updatable column")
	}
}

func TestSelectClaimableOrdering(t *testing.T) {
	env := newTestEnv(t)
	base := time.Now().UTC().Add(-time.Hour)

	env.mustCreate(t, &types.Task{ID: "old-p2", Priority: types.PriorityP2, CreatedAt: base})
	env.mustCreate(t, &types.Task{ID: "new-p0", Priority: types.PriorityP0, CreatedAt: base.Add(10 * time.Minute)})
	env.mustCreate(t, &types.Task{ID: "old-p0", Priority: types.PriorityP0, CreatedAt: base.Add(5 * time.Minute)})

	task, err := env.store.SelectClaimable(env.ctx, types.ClaimFilter{
		Scope: "test-scope", Queue: types.QueueIncoming,
	})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	// Best priority first, oldest within the priority.
	if task.ID != "old-p0" {
		t.Errorf("expected old-p0, got %s", task.ID)
	}
}

func TestSelectClaimableSkipsBlockedAndOtherScopes(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "blocked", BlockedBy: "other"})
	env.mustCreate(t, &types.Task{ID: "foreign", Scope: "scope-b"})

	_, err := env.store.SelectClaimable(env.ctx, types.ClaimFilter{
		Scope: "test-scope", Queue: types.QueueIncoming,
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSelectClaimableRoleFilter(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "impl", Role: "implement"})
	env.mustCreate(t, &types.Task{ID: "rev", Role: "review"})

	task, err := env.store.SelectClaimable(env.ctx, types.ClaimFilter{
		Scope: "test-scope", Queue: types.QueueIncoming, Roles: []string{"review"},
	})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if task.ID != "rev" {
		t.Errorf("expected rev, got %s", task.ID)
	}
}

func TestUnblockDependents(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1", Queue: types.QueueProvisional})
	env.mustCreate(t, &types.Task{ID: "D1", BlockedBy: "T1"})
	env.mustCreate(t, &types.Task{ID: "D2", BlockedBy: "T1"})
	env.mustCreate(t, &types.Task{ID: "other", BlockedBy: "T9"})

	ids, err := env.store.UnblockDependents(env.ctx, "T1")
	if err != nil {
		t.Fatalf("unblock failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 unblocked, got %d", len(ids))
	}
	d1, _ := env.store.GetTask(env.ctx, "D1")
	if d1.BlockedBy != "" {
		t.Errorf("expected D1 blocked_by cleared, got %q", d1.BlockedBy)
	}
	other, _ := env.store.GetTask(env.ctx, "other")
	if other.BlockedBy != "T9" {
		t.Errorf("unrelated task touched: blocked_by %q", other.BlockedBy)
	}
}

func TestReleaseExpiredLeases(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()

	env.mustCreate(t, &types.Task{ID: "expired"})
	env.mustCreate(t, &types.Task{ID: "live"})
	mustTransition(t, env, "expired", map[string]any{
		"queue": "claimed", "claimed_by": "agent-1",
		"lease_expires_at": now.Add(-time.Minute),
	})
	mustTransition(t, env, "live", map[string]any{
		"queue": "claimed", "claimed_by": "agent-2",
		"lease_expires_at": now.Add(time.Hour),
	})

	before, _ := env.store.GetTask(env.ctx, "expired")

	ids, err := env.store.ReleaseExpiredLeases(env.ctx, now)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "expired" {
		t.Fatalf("expected [expired], got %v", ids)
	}

	released, _ := env.store.GetTask(env.ctx, "expired")
	if released.Queue != types.QueueIncoming {
		t.Errorf("expected queue incoming, got %s", released.Queue)
	}
	if released.ClaimedBy != "" || released.LeaseExpiresAt != nil {
		t.Error("expected lease fields cleared")
	}
	// Release must not bump version; the queue predicate alone defeats
	// a stale submit from the previous holder.
	if released.Version != before.Version {
		t.Errorf("expected version unchanged at %d, got %d", before.Version, released.Version)
	}

	live, _ := env.store.GetTask(env.ctx, "live")
	if live.Queue != types.QueueClaimed {
		t.Errorf("live lease disturbed: queue %s", live.Queue)
	}
}

func TestCountQueues(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})
	env.mustCreate(t, &types.Task{ID: "T2", Queue: types.QueueClaimed})
	env.mustCreate(t, &types.Task{ID: "T3", Queue: types.QueueProvisional})
	env.mustCreate(t, &types.Task{ID: "T4", Scope: "other"})

	counts, err := env.store.CountQueues(env.ctx, "test-scope")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if counts.Incoming != 1 || counts.Claimed != 1 || counts.Provisional != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestHistoryCascadeDelete(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, &types.Task{ID: "T1"})

	err := env.store.AppendHistory(env.ctx, &types.HistoryEntry{
		TaskID: "T1", Event: types.EventCreated, Agent: "tester",
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	entries, err := env.store.ListHistory(env.ctx, "T1", 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d (err %v)", len(entries), err)
	}

	if err := env.store.DeleteTask(env.ctx, "T1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	entries, err = env.store.ListHistory(env.ctx, "T1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected history cascade, got %d entries", len(entries))
	}
}

func TestOrchestratorLifecycle(t *testing.T) {
	env := newTestEnv(t)

	orch := &types.Orchestrator{
		ID: "us-east-m1", Cluster: "us-east", MachineID: "m1",
		Scope: "test-scope", Status: types.OrchestratorActive,
	}
	if err := env.store.RegisterOrchestrator(env.ctx, orch); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	// Re-register updates scope in place.
	orch.Scope = "new-scope"
	if err := env.store.RegisterOrchestrator(env.ctx, orch); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	got, err := env.store.GetOrchestrator(env.ctx, "us-east-m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Scope != "new-scope" {
		t.Errorf("expected updated scope, got %q", got.Scope)
	}

	if err := env.store.Heartbeat(env.ctx, "us-east-m1", time.Now().UTC()); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if err := env.store.Heartbeat(env.ctx, "nope", time.Now().UTC()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	n, err := env.store.MarkStaleOrchestrators(env.ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("mark stale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stale orchestrator, got %d", n)
	}
	got, _ = env.store.GetOrchestrator(env.ctx, "us-east-m1")
	if got.Status != types.OrchestratorOffline {
		t.Errorf("expected offline, got %s", got.Status)
	}
}

func TestRoleRegistry(t *testing.T) {
	env := newTestEnv(t)

	n, err := env.store.CountRoles(env.ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected empty registry, got %d (err %v)", n, err)
	}

	role := &types.Role{Name: "review", ClaimsFrom: types.QueueProvisional}
	if err := env.store.UpsertRole(env.ctx, role); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	got, err := env.store.GetRole(env.ctx, "review")
	if err != nil {
		t.Fatal(err)
	}
	if got.ClaimsFrom != types.QueueProvisional {
		t.Errorf("expected claims_from provisional, got %s", got.ClaimsFrom)
	}
}

func mustTransition(t *testing.T, env *testEnv, id string, sets map[string]any) {
	t.Helper()
	task, err := env.store.GetTask(env.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	err = env.store.TransitionTask(env.ctx, storage.TransitionWrite{
		ID:              id,
		FromQueue:       task.Queue,
		ExpectedVersion: task.Version,
		Sets:            sets,
	})
	if err != nil {
		t.Fatalf("transition %s failed: %v", id, err)
	}
}
