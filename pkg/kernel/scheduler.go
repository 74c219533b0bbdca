package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/audit"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/dag"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/governance"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/handler"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/retry"
)

// scheduler is one cooperative driver per workflow (spec §5: "one scheduler
// instance per workflow"). Its dispatch loop implements spec §4.7 steps 1-6;
// task invocations run on the Kernel's shared, process-wide workerPool.
type scheduler struct {
	k          *Kernel
	workflowID string
	govCtx     governance.Context

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newScheduler(k *Kernel, workflowID string, govCtx governance.Context) *scheduler {
	return &scheduler{k: k, workflowID: workflowID, govCtx: govCtx, stopCh: make(chan struct{})}
}

func (s *scheduler) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// run drives the workflow to a terminal state. It never returns an error to
// its caller (goroutine launch in Kernel.ensureRunning) — load or persistence
// failures are logged and leave the workflow resumable.
func (s *scheduler) run(ctx context.Context) {
	wf, err := s.k.loadRunnable(s.workflowID)
	if err != nil {
		s.k.logf("scheduler: load workflow %s: %v", s.workflowID, err)
		return
	}

	if wf.Status == model.WorkflowPending {
		wf.Status = model.WorkflowRunning
		if err := s.k.cfg.Store.PutWorkflow(*wf); err != nil {
			s.k.logf("scheduler: persist RUNNING for %s: %v", wf.ID, err)
			return
		}
		s.appendAudit(audit.Record{WorkflowID: wf.ID, Event: audit.EventWorkflowStarted})
	}

	n := len(wf.Tasks)
	outcomeCh := make(chan taskOutcome, n+1)
	retryCh := make(chan string, n+1)
	running := map[string]bool{}
	retryTimers := map[string]context.CancelFunc{}
	awaitingRetry := map[string]int{}
	taskCancels := map[string]context.CancelFunc{}
	stopped := wf.Status == model.WorkflowStopped

	for {
		if !stopped {
			select {
			case <-s.stopCh:
				stopped = true
			default:
			}
		}

		s.promoteReady(wf)

		if !stopped {
			for _, id := range wf.TaskIDs() {
				t := wf.Tasks[id]
				if t.Status != model.TaskReady || running[id] {
					continue
				}
				if s.dispatch(ctx, wf, t, outcomeCh, taskCancels) {
					running[id] = true
				}
			}
		}

		if len(running) == 0 && len(retryTimers) == 0 {
			break
		}

		select {
		case out := <-outcomeCh:
			delete(running, out.taskID)
			if cancel, ok := taskCancels[out.taskID]; ok {
				cancel()
				delete(taskCancels, out.taskID)
			}
			s.applyOutcome(ctx, wf, out, retryCh, retryTimers, awaitingRetry, stopped)
		case id := <-retryCh:
			delete(retryTimers, id)
			expectedAttempt, waiting := awaitingRetry[id]
			delete(awaitingRetry, id)
			t, ok := wf.Tasks[id]
			if !waiting || !ok || t.Status != model.TaskRunning || t.Attempt != expectedAttempt {
				// stale timer: the task moved on (stopped, superseded, already
				// terminal) since the retry was scheduled — never re-ready it.
				continue
			}
			if err := s.k.cfg.Store.CASTaskStatus(wf.ID, id, model.TaskRunning, model.TaskReady); err != nil {
				s.k.logf("scheduler: CAS RUNNING->READY for %s/%s after retry delay: %v", wf.ID, id, err)
				continue
			}
			t.Status = model.TaskReady
			_ = s.k.cfg.Store.PutTask(wf.ID, *t)
			s.appendAudit(audit.Record{WorkflowID: wf.ID, TaskID: id, Event: audit.EventTaskTransition, FromState: string(model.TaskRunning), ToState: string(model.TaskReady)})
		case <-s.stopCh:
			stopped = true
			for id, cancel := range retryTimers {
				cancel()
				delete(retryTimers, id)
				delete(awaitingRetry, id)
			}
		}
	}

	s.finalize(ctx, wf, stopped)
}

// promoteReady implements spec §4.7 step 1: a task is READY iff PENDING and
// every dependency is SUCCESS or SKIPPED.
func (s *scheduler) promoteReady(wf *model.Workflow) {
	for _, id := range wf.TaskIDs() {
		t := wf.Tasks[id]
		if t.Status != model.TaskPending {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			ds := wf.Tasks[dep].Status
			if ds != model.TaskSuccess && ds != model.TaskSkipped {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		from := t.Status
		t.Status = model.TaskReady
		if err := s.k.cfg.Store.PutTask(wf.ID, *t); err != nil {
			s.k.logf("scheduler: persist READY for %s/%s: %v", wf.ID, id, err)
			t.Status = from
			continue
		}
		s.appendAudit(audit.Record{WorkflowID: wf.ID, TaskID: id, Event: audit.EventTaskTransition, FromState: string(from), ToState: string(model.TaskReady)})
	}
}

// dispatch consults governance (spec §4.4/§4.7 step 2), CASes the task into
// RUNNING, and submits the invocation to the shared pool. A governance deny
// is terminal for the task and is never retried.
func (s *scheduler) dispatch(ctx context.Context, wf *model.Workflow, t *model.Task, outcomeCh chan<- taskOutcome, taskCancels map[string]context.CancelFunc) bool {
	fresh, err := s.k.cfg.Store.GetTask(wf.ID, t.ID)
	if err == nil && fresh.Status == model.TaskSuccess {
		// Per-task idempotency: already completed in a prior attempt/process.
		t.Status = model.TaskSuccess
		return false
	}

	decision := s.k.cfg.Gate.Check(*t, s.govCtx)
	if !decision.Allowed {
		from := t.Status
		t.Status = model.TaskFailed
		t.LastError = fmt.Sprintf("GovernanceDenied(%s)", decision.Reason)
		now := time.Now().UTC()
		t.FinishedAt = &now
		_ = s.k.cfg.Store.PutTask(wf.ID, *t)
		s.appendAudit(audit.Record{WorkflowID: wf.ID, TaskID: t.ID, Event: audit.EventGovernanceDeny, FromState: string(from), ToState: string(model.TaskFailed)})
		s.markDescendantsSkipped(wf, t.ID)
		return false
	}

	if err := s.k.cfg.Store.CASTaskStatus(wf.ID, t.ID, model.TaskReady, model.TaskRunning); err != nil {
		s.k.logf("scheduler: CAS READY->RUNNING for %s/%s: %v", wf.ID, t.ID, err)
		go func() { outcomeCh <- taskOutcome{taskID: t.ID, attempt: t.Attempt, result: handler.Transient(err)} }()
		return true
	}
	t.Status = model.TaskRunning
	t.Attempt++
	now := time.Now().UTC()
	t.StartedAt = &now
	_ = s.k.cfg.Store.PutTask(wf.ID, *t)
	s.appendAudit(audit.Record{WorkflowID: wf.ID, TaskID: t.ID, Event: audit.EventTaskTransition, FromState: string(model.TaskReady), ToState: string(model.TaskRunning)})

	h, ok := s.k.cfg.Registry.Resolve(t.Type, t.ConfigFunction())
	attempt := t.Attempt
	taskCopy := t.Clone()
	if !ok {
		go func() {
			outcomeCh <- taskOutcome{taskID: t.ID, attempt: attempt, result: handler.Permanent(fmt.Errorf("no handler registered for type=%s function=%s", t.Type, t.ConfigFunction()))}
		}()
		return true
	}

	taskCtx := ctx
	if d, ok := taskTimeout(taskCopy); ok {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, d)
		taskCancels[t.ID] = cancel
	}

	s.k.pool.submit(dispatchJob{
		ctx:     taskCtx,
		task:    taskCopy,
		attempt: attempt,
		outcome: outcomeCh,
		run: func(runCtx context.Context) handler.Result {
			return h.Execute(runCtx, taskCopy, taskCopy.ConfigParams())
		},
	})
	return true
}

// taskTimeout reads an optional per-task wall-clock timeout from config, per
// spec §5 ("default unset; configurable per task").
func taskTimeout(t model.Task) (time.Duration, bool) {
	v, ok := t.Config["timeout_seconds"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second)), true
	case int:
		return time.Duration(n) * time.Second, true
	default:
		return 0, false
	}
}

// applyOutcome implements spec §4.7 step 4: success, permanent failure, or
// transient failure with a retry scheduled after the policy delay.
func (s *scheduler) applyOutcome(ctx context.Context, wf *model.Workflow, out taskOutcome, retryCh chan<- string, retryTimers map[string]context.CancelFunc, awaitingRetry map[string]int, stopped bool) {
	t, ok := wf.Tasks[out.taskID]
	if !ok {
		return
	}

	if !out.result.Failed() {
		s.transitionTask(wf, t, model.TaskSuccess, "")
		return
	}

	if out.result.Kind == handler.KindPermanent || stopped {
		s.transitionTask(wf, t, model.TaskFailed, out.result.Err.Error())
		s.markDescendantsSkipped(wf, t.ID)
		return
	}

	if retry.ShouldRetry(wf.RetryPolicy, t.Attempt) {
		// Stay in RUNNING for the whole delay window: the dispatch loop only
		// ever selects READY tasks, so a task awaiting retry must not be
		// promoted until its timer actually fires (spec §4.5/§4.7 step 4).
		t.LastError = out.result.Err.Error()
		_ = s.k.cfg.Store.PutTask(wf.ID, *t)
		awaitingRetry[t.ID] = t.Attempt

		delay := retry.Delay(wf.RetryPolicy, t.Attempt)
		timerCtx, cancel := context.WithCancel(ctx)
		retryTimers[t.ID] = cancel
		go func(id string) {
			select {
			case <-time.After(delay):
				select {
				case retryCh <- id:
				case <-timerCtx.Done():
				}
			case <-timerCtx.Done():
			}
		}(t.ID)
		return
	}

	s.transitionTask(wf, t, model.TaskFailed, out.result.Err.Error())
	s.markDescendantsSkipped(wf, t.ID)
}

// transitionTask CASes from RUNNING, updates the in-memory mirror, and
// appends the audit record for the transition.
func (s *scheduler) transitionTask(wf *model.Workflow, t *model.Task, to model.TaskStatus, lastErr string) {
	from := t.Status
	_ = s.k.cfg.Store.CASTaskStatus(wf.ID, t.ID, from, to) // best-effort; PutTask below is authoritative
	t.Status = to
	t.LastError = lastErr
	if to == model.TaskSuccess || to == model.TaskFailed {
		now := time.Now().UTC()
		t.FinishedAt = &now
	}
	_ = s.k.cfg.Store.PutTask(wf.ID, *t)
	s.appendAudit(audit.Record{WorkflowID: wf.ID, TaskID: t.ID, Event: audit.EventTaskTransition, FromState: string(from), ToState: string(to)})
}

// markDescendantsSkipped implements spec §4.7's edge case: a FAILED task's
// transitive descendants are marked SKIPPED, never dispatched, and do not
// count toward workflow SUCCESS.
func (s *scheduler) markDescendantsSkipped(wf *model.Workflow, failedID string) {
	for _, id := range dag.Descendants(wf.Tasks, failedID) {
		t := wf.Tasks[id]
		if t.Status == model.TaskSuccess || t.Status == model.TaskFailed || t.Status == model.TaskSkipped {
			continue
		}
		from := t.Status
		t.Status = model.TaskSkipped
		_ = s.k.cfg.Store.PutTask(wf.ID, *t)
		s.appendAudit(audit.Record{WorkflowID: wf.ID, TaskID: id, Event: audit.EventTaskTransition, FromState: string(from), ToState: string(model.TaskSkipped)})
	}
}

// finalize implements spec §4.7 step 6 and Data Model invariant 4: SUCCESS
// iff every task is SUCCESS or SKIPPED; FAILED iff at least one task is
// FAILED; STOPPED only via explicit stop.
func (s *scheduler) finalize(ctx context.Context, wf *model.Workflow, stopped bool) {
	final := model.WorkflowSuccess
	anyFailed := false
	allDone := true
	for _, id := range wf.TaskIDs() {
		t := wf.Tasks[id]
		switch t.Status {
		case model.TaskFailed:
			anyFailed = true
		case model.TaskSuccess, model.TaskSkipped, model.TaskRollback:
		default:
			allDone = false
		}
	}

	switch {
	case anyFailed:
		final = model.WorkflowFailed
	case allDone:
		final = model.WorkflowSuccess
	case stopped:
		final = model.WorkflowStopped
	default:
		final = model.WorkflowFailed
	}

	wf.Status = final
	if err := s.k.cfg.Store.PutWorkflow(*wf); err != nil {
		s.k.logf("scheduler: persist terminal status for %s: %v", wf.ID, err)
	}
	s.appendAudit(audit.Record{WorkflowID: wf.ID, Event: audit.EventWorkflowTerminal, ToState: string(final)})

	if final == model.WorkflowFailed {
		s.k.runCompensation(ctx, wf)
	}
}

func (s *scheduler) appendAudit(r audit.Record) {
	if _, err := s.k.cfg.Store.AppendAudit(r); err != nil {
		s.k.logf("scheduler: append audit for %s: %v", r.WorkflowID, err)
	}
}
