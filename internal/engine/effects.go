package engine

import (
	"fmt"
	"time"
)

// Effect is one side of a transition's state change. Effects compile into
// column assignments of the single conditional UPDATE, so every effect of
// a transition commits atomically with the queue change or not at all.
//
// The variant set is sealed so compile dispatches exhaustively.
type Effect interface {
	isEffect()
}

// SetLease grants exclusive time-bounded ownership to an agent.
type SetLease struct {
	Agent          string
	OrchestratorID string
	ClaimedAt      time.Time
	ExpiresAt      time.Time
}

// ClearLease releases ownership (reject, requeue, expiry).
type ClearLease struct{}

// RecordSubmission stores the submission evidence.
type RecordSubmission struct {
	CommitsCount   int
	TurnsUsed      int
	CheckResults   string
	ExecutionNotes string
	At             time.Time
}

// SetCompleted stamps the terminal timestamp. Only accept emits this.
type SetCompleted struct {
	At time.Time
}

// IncrementRejections bumps the cumulative rejection tally in the same
// statement as the queue change.
type IncrementRejections struct{}

// SetBlockedBy records (or clears, when empty) the blocking reference.
type SetBlockedBy struct {
	ID string
}

func (SetLease) isEffect()            {}
func (ClearLease) isEffect()          {}
func (RecordSubmission) isEffect()    {}
func (SetCompleted) isEffect()        {}
func (IncrementRejections) isEffect() {}
func (SetBlockedBy) isEffect()        {}

// compile folds effects into the Sets/Increments of a TransitionWrite.
func compile(effects []Effect, sets map[string]any) ([]string, error) {
	var increments []string
	for _, effect := range effects {
		switch ef := effect.(type) {
		case SetLease:
			sets["claimed_by"] = ef.Agent
			sets["orchestrator_id"] = ef.OrchestratorID
			sets["claimed_at"] = ef.ClaimedAt.UTC()
			sets["lease_expires_at"] = ef.ExpiresAt.UTC()
		case ClearLease:
			sets["claimed_by"] = nil
			sets["orchestrator_id"] = nil
			sets["claimed_at"] = nil
			sets["lease_expires_at"] = nil
		case RecordSubmission:
			sets["commits_count"] = ef.CommitsCount
			sets["turns_used"] = ef.TurnsUsed
			sets["check_results"] = ef.CheckResults
			sets["execution_notes"] = ef.ExecutionNotes
			sets["submitted_at"] = ef.At.UTC()
		case SetCompleted:
			sets["completed_at"] = ef.At.UTC()
		case IncrementRejections:
			increments = append(increments, "rejection_count")
		case SetBlockedBy:
			sets["blocked_by"] = ef.ID
		default:
			return nil, fmt.Errorf("unknown effect %T", effect)
		}
	}
	return increments, nil
}
