package kernel

import (
	"context"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/audit"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/governance"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
)

// IntegrityViolationError marks a workflow whose audit chain failed
// verification at resume — quarantined, never silently ignored (spec §7).
type IntegrityViolationError struct {
	WorkflowID string
	Err        error
}

func (e *IntegrityViolationError) Error() string {
	return "audit chain integrity violation for workflow " + e.WorkflowID + ": " + e.Err.Error()
}

// Resume implements spec §4.9: enumerate RUNNING workflows from the store,
// verify each one's audit chain, and either quarantine it (chain broken) or
// reset its in-flight tasks to READY and re-enter the dispatch loop — the
// previous attempt is considered lost, which is why handlers must tolerate
// replay (spec §4.6).
func (k *Kernel) Resume(ctx context.Context, govCtx governance.Context) []error {
	inFlight, err := k.cfg.Store.ListInFlight()
	if err != nil {
		return []error{err}
	}

	var errs []error
	for _, wf := range inFlight {
		records, err := k.cfg.Store.AuditRecords(wf.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := audit.Verify(k.cfg.Signer, records); err != nil {
			violation := &IntegrityViolationError{WorkflowID: wf.ID, Err: err}
			wf.Status = model.WorkflowFailed
			_ = k.cfg.Store.PutWorkflow(wf)
			errs = append(errs, violation)
			continue
		}

		tasks, err := k.cfg.Store.ListTasks(wf.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, t := range tasks {
			if t.Status == model.TaskRunning {
				t.Status = model.TaskReady
				if err := k.cfg.Store.PutTask(wf.ID, t); err != nil {
					errs = append(errs, err)
				}
			}
		}

		k.ensureRunning(ctx, wf.ID, govCtx)
	}
	return errs
}
