package model

import (
	"sort"
	"time"
)

// WorkflowStatus is the lifecycle state of an entire workflow.
type WorkflowStatus string

const (
	WorkflowPending WorkflowStatus = "PENDING"
	WorkflowRunning WorkflowStatus = "RUNNING"
	WorkflowSuccess WorkflowStatus = "SUCCESS"
	WorkflowFailed  WorkflowStatus = "FAILED"
	WorkflowStopped WorkflowStatus = "STOPPED"
)

// Terminal reports whether the status can no longer transition.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowSuccess, WorkflowFailed, WorkflowStopped:
		return true
	default:
		return false
	}
}

// RetryPolicy governs how many times, and with what delay, a transiently
// failing task is retried.
type RetryPolicy struct {
	MaxAttempts        int     `json:"max_attempts" db:"max_attempts"`
	DelaySeconds       float64 `json:"delay_seconds" db:"delay_seconds"`
	ExponentialBackoff bool    `json:"exponential_backoff" db:"exponential_backoff"`
	JitterFraction     float64 `json:"jitter_fraction" db:"jitter_fraction"`
}

// DefaultRetryPolicy matches the schema default in spec §6.1.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		DelaySeconds:       2,
		ExponentialBackoff: true,
		JitterFraction:     0.1,
	}
}

// Workflow is a validated, runnable DAG of tasks plus its retry and
// compensation configuration.
type Workflow struct {
	ID                    string            `json:"workflow_id" db:"workflow_id"`
	Tasks                 map[string]*Task  `json:"-" db:"-"`
	RetryPolicy           RetryPolicy       `json:"retry_policy" db:"-"`
	CompensationHandlers  map[string]string `json:"compensation_handlers" db:"-"`
	Status                WorkflowStatus    `json:"status" db:"status"`
	CreatedAt             time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at" db:"updated_at"`
	IdempotencyKey        string            `json:"idempotency_key,omitempty" db:"idempotency_key"`
	DefinitionBlob        []byte            `json:"-" db:"definition_blob"`
	Signature             string            `json:"-" db:"signature"`
}

// TaskIDs returns the task IDs in a deterministic (sorted) order.
func (w *Workflow) TaskIDs() []string {
	ids := make([]string, 0, len(w.Tasks))
	for id := range w.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
