package kernel

import (
	"context"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/audit"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/dag"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
)

// runCompensation implements spec §4.8: on workflow FAILED, run the
// registered compensation handler for every task that reached SUCCESS, in
// reverse topological order. Best-effort — a compensation failure is
// recorded but never blocks the remaining rollbacks, and the workflow's
// terminal state stays FAILED regardless of how compensation goes (spec.md
// §9 open question, resolved that way).
func (k *Kernel) runCompensation(ctx context.Context, wf *model.Workflow) {
	order, err := dag.TopologicalSort(wf.Tasks)
	if err != nil {
		k.logf("compensation: topological sort for %s: %v", wf.ID, err)
		return
	}

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		t := wf.Tasks[id]
		if t.Status != model.TaskSuccess {
			continue
		}

		handlerName, hasHandler := wf.CompensationHandlers[id]
		if !hasHandler || handlerName == "" {
			continue
		}
		h, ok := k.cfg.Registry.Resolve(t.Type, handlerName)
		if !ok {
			k.logf("compensation: no handler %q for task %s/%s", handlerName, wf.ID, id)
			continue
		}

		res := h.Compensate(ctx, *t, t.ConfigParams())
		if res.Failed() {
			k.logf("compensation: task %s/%s failed: %v", wf.ID, id, res.Err)
			if _, err := k.cfg.Store.AppendAudit(audit.Record{
				WorkflowID: wf.ID, TaskID: id, Event: audit.EventCompensationRun,
				FromState: string(model.TaskSuccess), ToState: string(model.TaskSuccess),
			}); err != nil {
				k.logf("compensation: append audit for %s/%s: %v", wf.ID, id, err)
			}
			continue
		}

		t.Status = model.TaskRollback
		if err := k.cfg.Store.PutTask(wf.ID, *t); err != nil {
			k.logf("compensation: persist ROLLBACK for %s/%s: %v", wf.ID, id, err)
		}
		if _, err := k.cfg.Store.AppendAudit(audit.Record{
			WorkflowID: wf.ID, TaskID: id, Event: audit.EventCompensationRun,
			FromState: string(model.TaskSuccess), ToState: string(model.TaskRollback),
		}); err != nil {
			k.logf("compensation: append audit for %s/%s: %v", wf.ID, id, err)
		}
	}
}
