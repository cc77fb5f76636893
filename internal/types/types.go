// Package types defines the domain model shared by the storage layer,
// the transition engine, and the HTTP facade.
package types

import (
	"encoding/json"
	"time"
)

// Queue is a task's lifecycle state label. Only the six constants below
// carry engine semantics; any other value is a free-form label owned by
// whatever flow put it there, so the type stays an open string.
type Queue string

const (
	QueueIncoming          Queue = "incoming"
	QueueClaimed           Queue = "claimed"
	QueueProvisional       Queue = "provisional"
	QueueDone              Queue = "done"
	QueueNeedsContinuation Queue = "needs_continuation"
	QueueBlocked           Queue = "blocked"

	// Advisory labels with no engine semantics.
	QueueFailed   Queue = "failed"
	QueueRejected Queue = "rejected"
	QueueBacklog  Queue = "backlog"
)

// Priority is one of four ordered classes, P0 highest. Stored as TEXT;
// lexical order matches priority order so ORDER BY works directly.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// ValidPriority reports whether p is one of the four known classes.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3:
		return true
	}
	return false
}

// History event names. The history log is append-only; these are the only
// events the engine emits.
const (
	EventCreated         = "created"
	EventClaimed         = "claimed"
	EventSubmitted       = "submitted"
	EventAccepted        = "accepted"
	EventRejected        = "rejected"
	EventRequeued        = "requeued"
	EventBurnoutDetected = "burnout_detected"
	EventReviewClaimed   = "review_claimed"
	EventBlocked         = "blocked"
	EventUnblocked       = "unblocked"
)

// Orchestrator status values.
const (
	OrchestratorActive  = "active"
	OrchestratorOffline = "offline"
)

// Hook is a named sub-gate attached to a task. The engine treats the hook
// list as opaque except for CompleteHook, which flips one entry's status.
type Hook struct {
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Evidence  string     `json:"evidence,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Hook status values accepted by the hook-complete operation.
const (
	HookPending = "pending"
	HookPassed  = "passed"
	HookFailed  = "failed"
)

// Task is the unit of work coordinated by the server.
type Task struct {
	ID             string          `json:"id"`
	Queue          Queue           `json:"queue"`
	Priority       Priority        `json:"priority"`
	Role           string          `json:"role,omitempty"`
	Type           string          `json:"type,omitempty"`
	Scope          string          `json:"scope"`
	FilePath       string          `json:"file_path"`
	Branch         string          `json:"branch"`
	ProjectID      string          `json:"project_id,omitempty"`
	BlockedBy      string          `json:"blocked_by,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	OrchestratorID string          `json:"orchestrator_id,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	Version        int             `json:"version"`
	CommitsCount   int             `json:"commits_count"`
	TurnsUsed      int             `json:"turns_used"`
	CheckResults   string          `json:"check_results,omitempty"`
	ExecutionNotes string          `json:"execution_notes,omitempty"`
	RejectionCount int             `json:"rejection_count"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Hooks          []Hook          `json:"hooks,omitempty"`
	Flow           string          `json:"flow,omitempty"`
	FlowOverrides  json.RawMessage `json:"flow_overrides,omitempty"`
	AutoAccept     bool            `json:"auto_accept,omitempty"`
	PRNumber       int             `json:"pr_number,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HasActiveLease reports whether the task holds a lease that has not
// expired as of now.
func (t *Task) HasActiveLease(now time.Time) bool {
	return t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}

// HistoryEntry is one row of the append-only task journal. A missing row
// is a bug but never invalidates task state.
type HistoryEntry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Event     string    `json:"event"`
	Agent     string    `json:"agent,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Orchestrator is a registered fleet member. Its id is derived from
// cluster and machine id at registration time.
type Orchestrator struct {
	ID            string    `json:"id"`
	Cluster       string    `json:"cluster"`
	MachineID     string    `json:"machine_id"`
	Scope         string    `json:"scope"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// Role is a registered agent role. ClaimsFrom, when set, is the queue a
// single-role claim resolves to when the caller names no queue.
type Role struct {
	Name       string `json:"name"`
	ClaimsFrom Queue  `json:"claims_from,omitempty"`
	Describe   string `json:"description,omitempty"`
}

// Flow is a declarative pipeline label. The engine treats flows as opaque;
// registration exists so pollers can discover them.
type Flow struct {
	Name   string          `json:"name"`
	Stages json.RawMessage `json:"stages,omitempty"`
}

// Message is a scoped note between fleet members. Persisted only; the core
// engine never reads it.
type Message struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Action is a scoped out-of-band action record (e.g. "restart agent X").
type Action struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskFilter narrows task listings. Scope is mandatory for every listing
// query; the other fields are optional.
type TaskFilter struct {
	Scope    string
	Queue    Queue
	Role     string
	Type     string
	Priority Priority
	Limit    int
	Offset   int
}

// ClaimFilter is the claim selector's input. Roles and Types hold the
// caller's filter sets; empty slices mean "no filter".
type ClaimFilter struct {
	Scope string
	Queue Queue
	Roles []string
	Types []string
}

// QueueCounts is the scheduler poll's aggregate snapshot of one scope.
type QueueCounts struct {
	Incoming    int `json:"incoming"`
	Claimed     int `json:"claimed"`
	Provisional int `json:"provisional"`
}

// ProvisionalTask is the lightweight projection of a provisional task
// returned by the scheduler poll.
type ProvisionalTask struct {
	ID        string `json:"id"`
	Hooks     []Hook `json:"hooks,omitempty"`
	PRNumber  int    `json:"pr_number,omitempty"`
	ClaimedBy string `json:"claimed_by,omitempty"`
}
