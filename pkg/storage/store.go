// Package storage defines the durable key-value persistence contract (spec
// §4.2): workflow and task rows keyed by workflow_id and (workflow_id,
// task_id), with compare-and-set task status updates so the scheduler can
// dispatch safely across restarts.
package storage

import (
	"errors"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/audit"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
)

// ErrNotFound is returned by Get* when no matching row exists.
var ErrNotFound = errors.New("not found")

// ErrCASMismatch is returned by CASTaskStatus when the task's current status
// does not match the expected value.
var ErrCASMismatch = errors.New("compare-and-set mismatch")

// Store is the durable persistence contract the scheduler, resume/recovery,
// and audit log all write and read through. Implementations must provide
// single-row atomicity; the scheduler never requires multi-row transactions
// and writes row by row without Begin/Commit/Rollback, which are offered for
// callers that want the teacher's transactional idiom.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	PutWorkflow(w model.Workflow) error
	GetWorkflow(workflowID string) (model.Workflow, error)
	ListInFlight() ([]model.Workflow, error)
	FindByIdempotencyKey(workflowID, idempotencyKey string) (model.Workflow, bool, error)

	PutTask(workflowID string, t model.Task) error
	GetTask(workflowID, taskID string) (model.Task, error)
	ListTasks(workflowID string) ([]model.Task, error)
	CASTaskStatus(workflowID, taskID string, expected, newStatus model.TaskStatus) error

	AppendAudit(r audit.Record) (audit.Record, error)
	AuditRecords(workflowID string) ([]audit.Record, error)
}
