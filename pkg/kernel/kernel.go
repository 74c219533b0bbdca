// Package kernel implements the orchestration kernel of spec §4.7–§4.9: the
// DAG scheduler, its compensation engine, and startup resume/recovery, wired
// against the storage, audit, governance, and handler-registry collaborators
// defined in their own packages. KernelConfig is passed explicitly into
// NewKernel — per Design Note §9, collaborators are injected interfaces, not
// module-level globals, so property tests can swap any one of them.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/crypto"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/log"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/audit"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/dag"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/governance"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/handler"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/storage"
	"github.com/pkg/errors"
)

// KernelConfig carries every collaborator the kernel drives through an
// interface, plus the process-wide pool size. None of these are read from
// globals (spec §9).
type KernelConfig struct {
	Store    storage.Store
	Gate     governance.Gate
	Registry *handler.Registry
	Signer   *crypto.Signer
	PoolSize int
}

// Kernel is the single entry point the out-of-core submitter (REST layer or
// CLI) drives: Submit, Status, Stop (spec §6.2).
type Kernel struct {
	cfg  KernelConfig
	pool *workerPool

	mu          sync.Mutex
	schedulers  map[string]*scheduler
}

// NewKernel constructs a Kernel. PoolSize defaults to DefaultPoolSize.
func NewKernel(cfg KernelConfig) *Kernel {
	return &Kernel{
		cfg:        cfg,
		pool:       newWorkerPool(cfg.PoolSize),
		schedulers: make(map[string]*scheduler),
	}
}

// Shutdown drains the worker pool. In-flight task invocations are allowed to
// finish; no new ones are accepted afterward.
func (k *Kernel) Shutdown() {
	k.pool.stop()
}

// ValidationError wraps a definition-parse failure (spec §4.1's error set)
// so submitters can distinguish it from runtime failures.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Submit parses and validates definition, persists it, and starts its
// scheduler. Per spec §4.7's idempotency rule: if a workflow with the same
// (workflow_id, idempotency_key) already exists and is not terminal, its
// handle is returned instead of starting anew; if terminal, its id is
// returned as-is — callers fetch the terminal result via Status.
func (k *Kernel) Submit(ctx context.Context, definition map[string]any, idempotencyKey string, govCtx governance.Context) (string, error) {
	wf, err := dag.Parse(definition)
	if err != nil {
		return "", &ValidationError{Err: err}
	}
	wf.IdempotencyKey = idempotencyKey
	blob, err := json.Marshal(definition)
	if err != nil {
		return "", &ValidationError{Err: errors.Wrap(err, "canonicalize definition")}
	}
	wf.DefinitionBlob = blob

	if idempotencyKey != "" {
		existing, found, err := k.cfg.Store.FindByIdempotencyKey(wf.ID, idempotencyKey)
		if err != nil {
			return "", errors.Wrap(err, "check idempotency key")
		}
		if found {
			if string(existing.DefinitionBlob) != string(blob) {
				// Open question per spec.md §9: mandated to return the first
				// workflow regardless of definition content, but the
				// disagreement itself is worth a tamper-evident trail entry.
				_, _ = k.cfg.Store.AppendAudit(audit.Record{
					WorkflowID: existing.ID,
					Event:      audit.EventWorkflowCreated,
					ToState:    "idempotency_key_reused_with_different_definition",
				})
			}
			if !existing.Status.Terminal() {
				k.ensureRunning(ctx, existing.ID, govCtx)
			}
			return existing.ID, nil
		}
	}

	if err := k.cfg.Store.PutWorkflow(*wf); err != nil {
		return "", errors.Wrap(err, "persist workflow")
	}
	if _, err := k.cfg.Store.AppendAudit(audit.Record{
		WorkflowID: wf.ID,
		Event:      audit.EventWorkflowCreated,
	}); err != nil {
		return "", errors.Wrap(err, "append audit")
	}
	for _, id := range wf.TaskIDs() {
		if err := k.cfg.Store.PutTask(wf.ID, *wf.Tasks[id]); err != nil {
			return "", errors.Wrap(err, "persist task")
		}
	}

	k.ensureRunning(ctx, wf.ID, govCtx)
	return wf.ID, nil
}

// ensureRunning starts a scheduler for workflowID if one is not already
// driving it in this process.
func (k *Kernel) ensureRunning(ctx context.Context, workflowID string, govCtx governance.Context) {
	k.mu.Lock()
	if _, running := k.schedulers[workflowID]; running {
		k.mu.Unlock()
		return
	}
	sch := newScheduler(k, workflowID, govCtx)
	k.schedulers[workflowID] = sch
	k.mu.Unlock()

	go func() {
		sch.run(ctx)
		k.mu.Lock()
		delete(k.schedulers, workflowID)
		k.mu.Unlock()
	}()
}

// WorkflowSnapshot is the read model returned by Status (spec §6.2).
type WorkflowSnapshot struct {
	Workflow model.Workflow
	Tasks    []model.Task
}

// Status returns the current workflow and task states.
func (k *Kernel) Status(workflowID string) (WorkflowSnapshot, error) {
	wf, err := k.cfg.Store.GetWorkflow(workflowID)
	if err != nil {
		return WorkflowSnapshot{}, err
	}
	tasks, err := k.cfg.Store.ListTasks(workflowID)
	if err != nil {
		return WorkflowSnapshot{}, err
	}
	return WorkflowSnapshot{Workflow: wf, Tasks: tasks}, nil
}

// Stop halts dispatch for workflowID: no new dispatches; in-flight tasks run
// to completion and their results are recorded but trigger no further
// dispatch (spec §4.7, §9 open question on stop/retry interaction). A
// workflow with no scheduler in this process is set to STOPPED directly; a
// running one is finalized STOPPED unless a task FAILED (then FAILED) or
// every task already finished (then SUCCESS).
func (k *Kernel) Stop(workflowID string) error {
	k.mu.Lock()
	sch, running := k.schedulers[workflowID]
	k.mu.Unlock()
	if running {
		sch.requestStop()
		return nil
	}

	wf, err := k.cfg.Store.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return fmt.Errorf("workflow %s is already terminal (%s)", workflowID, wf.Status)
	}
	wf.Status = model.WorkflowStopped
	return k.cfg.Store.PutWorkflow(wf)
}

func (k *Kernel) logf(format string, args ...any) {
	log.GetLogger().Infof(format, args...)
}

// loadRunnable reconstructs a structurally complete Workflow for the
// scheduler: DAG shape (DependsOn, RetryPolicy, CompensationHandlers) comes
// from re-parsing the persisted DefinitionBlob, while each task's live
// status/attempt/error comes from the state store — the source of truth for
// anything the scheduler mutates.
func (k *Kernel) loadRunnable(workflowID string) (*model.Workflow, error) {
	row, err := k.cfg.Store.GetWorkflow(workflowID)
	if err != nil {
		return nil, errors.Wrap(err, "get workflow")
	}

	var doc map[string]any
	if err := json.Unmarshal(row.DefinitionBlob, &doc); err != nil {
		return nil, errors.Wrap(err, "decode definition blob")
	}
	wf, err := dag.Parse(doc)
	if err != nil {
		return nil, errors.Wrap(err, "reparse definition")
	}
	wf.IdempotencyKey = row.IdempotencyKey
	wf.DefinitionBlob = row.DefinitionBlob
	wf.CreatedAt = row.CreatedAt
	wf.Status = row.Status

	persisted, err := k.cfg.Store.ListTasks(workflowID)
	if err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}
	for _, pt := range persisted {
		t, ok := wf.Tasks[pt.ID]
		if !ok {
			continue
		}
		t.Status = pt.Status
		t.Attempt = pt.Attempt
		t.LastError = pt.LastError
		t.StartedAt = pt.StartedAt
		t.FinishedAt = pt.FinishedAt
	}
	return wf, nil
}
