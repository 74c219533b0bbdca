package kernel_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/crypto"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/audit"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/governance"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/handler"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/kernel"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/storage"
)

const testKey = "01234567890123456789012345678901"

func newTestKernel(t *testing.T, gate governance.Gate, reg *handler.Registry) (*kernel.Kernel, storage.Store) {
	t.Helper()
	signer, err := crypto.NewSigner([]byte(testKey))
	require.NoError(t, err)
	store := storage.NewMemoryStore(signer)
	if gate == nil {
		gate = allowAllGate{}
	}
	if reg == nil {
		reg = handler.NewRegistry()
	}
	k := kernel.NewKernel(kernel.KernelConfig{
		Store:    store,
		Gate:     gate,
		Registry: reg,
		Signer:   signer,
		PoolSize: 4,
	})
	t.Cleanup(k.Shutdown)
	return k, store
}

type allowAllGate struct{}

func (allowAllGate) Check(model.Task, governance.Context) governance.Decision {
	return governance.Allow()
}

type denyTypeGate struct{ deniedType string }

func (g denyTypeGate) Check(t model.Task, _ governance.Context) governance.Decision {
	if t.Type == g.deniedType {
		return governance.Deny("blocked type " + g.deniedType)
	}
	return governance.Allow()
}

// fnHandler adapts a plain closure into a handler.Handler for tests.
type fnHandler struct {
	execute    func(ctx context.Context, task model.Task, params map[string]any) handler.Result
	compensate func(ctx context.Context, task model.Task, params map[string]any) handler.Result
}

func (h fnHandler) Execute(ctx context.Context, task model.Task, params map[string]any) handler.Result {
	return h.execute(ctx, task, params)
}

func (h fnHandler) Compensate(ctx context.Context, task model.Task, params map[string]any) handler.Result {
	if h.compensate == nil {
		return handler.Ok(nil)
	}
	return h.compensate(ctx, task, params)
}

func alwaysOk() fnHandler {
	return fnHandler{execute: func(ctx context.Context, task model.Task, params map[string]any) handler.Result {
		return handler.Ok(task.ID)
	}}
}

func awaitTerminal(t *testing.T, k *kernel.Kernel, workflowID string, timeout time.Duration) kernel.WorkflowSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := k.Status(workflowID)
		require.NoError(t, err)
		if snap.Workflow.Status.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach a terminal state within %s", workflowID, timeout)
	return kernel.WorkflowSnapshot{}
}

func taskByID(snap kernel.WorkflowSnapshot, id string) model.Task {
	for _, t := range snap.Tasks {
		if t.ID == id {
			return t
		}
	}
	return model.Task{}
}

// S1: a two-task linear chain runs start-to-finish and ends SUCCESS.
func TestSubmit_LinearHappyPath(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("noop", "", alwaysOk())
	k, _ := newTestKernel(t, nil, reg)

	def := map[string]any{
		"workflow_id": "wf-linear",
		"tasks": []any{
			map[string]any{"id": "a", "type": "noop"},
			map[string]any{"id": "b", "type": "noop", "depends_on": []any{"a"}},
		},
	}

	id, err := k.Submit(context.Background(), def, "", governance.Context{})
	require.NoError(t, err)
	assert.Equal(t, "wf-linear", id)

	snap := awaitTerminal(t, k, id, 2*time.Second)
	assert.Equal(t, model.WorkflowSuccess, snap.Workflow.Status)
	assert.Equal(t, model.TaskSuccess, taskByID(snap, "a").Status)
	assert.Equal(t, model.TaskSuccess, taskByID(snap, "b").Status)
}

// S2: a task that fails transiently once then succeeds drives the workflow
// to SUCCESS and records more than one attempt.
func TestSubmit_RetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	reg := handler.NewRegistry()
	reg.Register("flaky", "", fnHandler{execute: func(ctx context.Context, task model.Task, params map[string]any) handler.Result {
		if calls.Add(1) == 1 {
			return handler.Transient(fmt.Errorf("temporary glitch"))
		}
		return handler.Ok("recovered")
	}})
	k, _ := newTestKernel(t, nil, reg)

	def := map[string]any{
		"workflow_id": "wf-retry",
		"tasks": []any{
			map[string]any{"id": "a", "type": "flaky"},
		},
		"retry_policy": map[string]any{
			"max_attempts":        3,
			"delay_seconds":       0.01,
			"exponential_backoff": false,
			"jitter_fraction":     0.0,
		},
	}

	id, err := k.Submit(context.Background(), def, "", governance.Context{})
	require.NoError(t, err)

	snap := awaitTerminal(t, k, id, 2*time.Second)
	assert.Equal(t, model.WorkflowSuccess, snap.Workflow.Status)
	a := taskByID(snap, "a")
	assert.Equal(t, model.TaskSuccess, a.Status)
	assert.Equal(t, 2, a.Attempt)
}

// S3: a downstream task fails permanently; its successful upstream task is
// rolled back via its registered compensation handler.
func TestSubmit_FailureTriggersCompensation(t *testing.T) {
	var compensated []string
	var mu sync.Mutex

	reserveHandler := fnHandler{
		execute: func(ctx context.Context, task model.Task, params map[string]any) handler.Result {
			return handler.Ok("reserved")
		},
		compensate: func(ctx context.Context, task model.Task, params map[string]any) handler.Result {
			mu.Lock()
			compensated = append(compensated, task.ID)
			mu.Unlock()
			return handler.Ok(nil)
		},
	}
	reg := handler.NewRegistry()
	reg.Register("reserve", "", reserveHandler)
	reg.Register("reserve", "undo_reserve", reserveHandler)
	reg.Register("charge", "", fnHandler{execute: func(ctx context.Context, task model.Task, params map[string]any) handler.Result {
		return handler.Permanent(fmt.Errorf("card declined"))
	}})

	k, _ := newTestKernel(t, nil, reg)

	def := map[string]any{
		"workflow_id": "wf-compensate",
		"tasks": []any{
			map[string]any{"id": "reserve-inventory", "type": "reserve"},
			map[string]any{"id": "charge-card", "type": "charge", "depends_on": []any{"reserve-inventory"}},
		},
		"compensation_handlers": map[string]any{
			"reserve-inventory": "undo_reserve",
		},
	}

	id, err := k.Submit(context.Background(), def, "", governance.Context{})
	require.NoError(t, err)

	snap := awaitTerminal(t, k, id, 2*time.Second)
	assert.Equal(t, model.WorkflowFailed, snap.Workflow.Status)
	assert.Equal(t, model.TaskFailed, taskByID(snap, "charge-card").Status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(compensated) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"reserve-inventory"}, compensated)
	mu.Unlock()

	snap = awaitTerminal(t, k, id, time.Second)
	assert.Equal(t, model.TaskRollback, taskByID(snap, "reserve-inventory").Status)
}

// S4: two independent tasks with no dependency between them run concurrently
// rather than serially.
func TestSubmit_ParallelIndependents(t *testing.T) {
	const sleep = 150 * time.Millisecond
	reg := handler.NewRegistry()
	reg.Register("slow", "", fnHandler{execute: func(ctx context.Context, task model.Task, params map[string]any) handler.Result {
		time.Sleep(sleep)
		return handler.Ok(nil)
	}})
	k, _ := newTestKernel(t, nil, reg)

	def := map[string]any{
		"workflow_id": "wf-parallel",
		"tasks": []any{
			map[string]any{"id": "left", "type": "slow"},
			map[string]any{"id": "right", "type": "slow"},
		},
	}

	start := time.Now()
	id, err := k.Submit(context.Background(), def, "", governance.Context{})
	require.NoError(t, err)

	snap := awaitTerminal(t, k, id, 2*time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, model.WorkflowSuccess, snap.Workflow.Status)
	assert.Less(t, elapsed, 2*sleep, "independent tasks should overlap, not run serially")
}

// S5: after a simulated crash (task left RUNNING, process restarted with a
// fresh Kernel over the same store), Resume puts the task back to READY and
// drives the workflow to completion.
func TestResume_RestartsInFlightTask(t *testing.T) {
	signer, err := crypto.NewSigner([]byte(testKey))
	require.NoError(t, err)
	store := storage.NewMemoryStore(signer)

	reg := handler.NewRegistry()
	reg.Register("noop", "", alwaysOk())

	def := map[string]any{
		"workflow_id": "wf-resume",
		"tasks": []any{
			map[string]any{"id": "a", "type": "noop"},
		},
	}

	k1 := kernel.NewKernel(kernel.KernelConfig{Store: store, Gate: allowAllGate{}, Registry: reg, Signer: signer, PoolSize: 1})
	wfID, err := k1.Submit(context.Background(), def, "", governance.Context{})
	require.NoError(t, err)
	awaitTerminal(t, k1, wfID, 2*time.Second)
	k1.Shutdown()

	// Simulate a crash mid-flight: force the completed task and workflow back
	// to RUNNING, as if the process died after dispatch but before the
	// outcome was recorded.
	wf, err := store.GetWorkflow(wfID)
	require.NoError(t, err)
	wf.Status = model.WorkflowRunning
	require.NoError(t, store.PutWorkflow(wf))
	task, err := store.GetTask(wfID, "a")
	require.NoError(t, err)
	task.Status = model.TaskRunning
	require.NoError(t, store.PutTask(wfID, task))

	k2 := kernel.NewKernel(kernel.KernelConfig{Store: store, Gate: allowAllGate{}, Registry: reg, Signer: signer, PoolSize: 1})
	defer k2.Shutdown()
	errs := k2.Resume(context.Background(), governance.Context{})
	assert.Empty(t, errs)

	snap := awaitTerminal(t, k2, wfID, 2*time.Second)
	assert.Equal(t, model.WorkflowSuccess, snap.Workflow.Status)
}

// S5b: Resume quarantines a workflow whose audit chain was tampered with
// instead of silently re-running it.
func TestResume_QuarantinesBrokenAuditChain(t *testing.T) {
	signer, err := crypto.NewSigner([]byte(testKey))
	require.NoError(t, err)
	store := storage.NewMemoryStore(signer)

	reg := handler.NewRegistry()
	reg.Register("noop", "", alwaysOk())
	def := map[string]any{
		"workflow_id": "wf-tamper",
		"tasks": []any{
			map[string]any{"id": "a", "type": "noop"},
		},
	}

	k1 := kernel.NewKernel(kernel.KernelConfig{Store: store, Gate: allowAllGate{}, Registry: reg, Signer: signer, PoolSize: 1})
	wfID, err := k1.Submit(context.Background(), def, "", governance.Context{})
	require.NoError(t, err)
	awaitTerminal(t, k1, wfID, 2*time.Second)
	k1.Shutdown()

	// The scheduler has exited and written its terminal state; force the
	// workflow back to RUNNING so ListInFlight picks it up on resume, the
	// way it would if the process had crashed mid-run.
	wf, err := store.GetWorkflow(wfID)
	require.NoError(t, err)
	wf.Status = model.WorkflowRunning
	require.NoError(t, store.PutWorkflow(wf))

	records, err := store.AuditRecords(wfID)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	records[0].Signature = "tampered"
	tamperErr := audit.Verify(signer, records)
	require.Error(t, tamperErr)

	// The store's own log is append-only via the exported interface, so we
	// can only observe that Verify rejects the tampered slice, not force the
	// store to serve it back. Exercise Resume's quarantine path directly
	// against a hand-built broken chain instead.
	k2 := kernel.NewKernel(kernel.KernelConfig{Store: &tamperingStore{Store: store, workflowID: wfID}, Gate: allowAllGate{}, Registry: reg, Signer: signer, PoolSize: 1})
	defer k2.Shutdown()
	errs := k2.Resume(context.Background(), governance.Context{})
	require.Len(t, errs, 1)
	var violation *kernel.IntegrityViolationError
	require.ErrorAs(t, errs[0], &violation)
	assert.Equal(t, wfID, violation.WorkflowID)

	snap, err := k2.Status(wfID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, snap.Workflow.Status)
}

// tamperingStore wraps a Store and corrupts the first audit record returned
// for workflowID, simulating on-disk tampering between process restarts.
type tamperingStore struct {
	storage.Store
	workflowID string
}

func (s *tamperingStore) AuditRecords(workflowID string) ([]audit.Record, error) {
	records, err := s.Store.AuditRecords(workflowID)
	if err != nil || workflowID != s.workflowID || len(records) == 0 {
		return records, err
	}
	records[0].Signature = "tampered"
	return records, nil
}

// S6: a PHI-classified task is denied by governance before it ever runs; its
// failure is terminal, never retried, and its dependents are skipped.
func TestSubmit_GovernanceDenyOnPHI(t *testing.T) {
	reg := handler.NewRegistry()
	var invoked atomic.Bool
	reg.Register("process_record", "", fnHandler{execute: func(ctx context.Context, task model.Task, params map[string]any) handler.Result {
		invoked.Store(true)
		return handler.Ok(nil)
	}})
	reg.Register("noop", "", alwaysOk())

	k, _ := newTestKernel(t, denyTypeGate{deniedType: "process_record"}, reg)

	def := map[string]any{
		"workflow_id": "wf-governance",
		"tasks": []any{
			map[string]any{"id": "load-record", "type": "process_record", "data_classification": "phi"},
			map[string]any{"id": "notify", "type": "noop", "depends_on": []any{"load-record"}},
		},
	}

	id, err := k.Submit(context.Background(), def, "", governance.Context{})
	require.NoError(t, err)

	snap := awaitTerminal(t, k, id, 2*time.Second)
	assert.Equal(t, model.WorkflowFailed, snap.Workflow.Status)
	assert.Equal(t, model.TaskFailed, taskByID(snap, "load-record").Status)
	assert.Equal(t, model.TaskSkipped, taskByID(snap, "notify").Status)
	assert.False(t, invoked.Load(), "denied task's handler must never execute")
}

// Submitting twice with the same idempotency key returns the first
// workflow's handle without starting a second run.
func TestSubmit_IdempotencyKeyReuse(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("noop", "", alwaysOk())
	k, _ := newTestKernel(t, nil, reg)

	def := map[string]any{
		"workflow_id": "wf-idempotent",
		"tasks": []any{
			map[string]any{"id": "a", "type": "noop"},
		},
	}

	id1, err := k.Submit(context.Background(), def, "key-123", governance.Context{})
	require.NoError(t, err)
	id2, err := k.Submit(context.Background(), def, "key-123", governance.Context{})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	awaitTerminal(t, k, id1, 2*time.Second)
}

// Stop requested on a running workflow halts dispatch of not-yet-started
// tasks; in-flight work is still recorded but never retried afterward.
func TestStop_HaltsFurtherDispatch(t *testing.T) {
	release := make(chan struct{})
	reg := handler.NewRegistry()
	reg.Register("blocking", "", fnHandler{execute: func(ctx context.Context, task model.Task, params map[string]any) handler.Result {
		<-release
		return handler.Ok(nil)
	}})
	reg.Register("noop", "", alwaysOk())
	k, _ := newTestKernel(t, nil, reg)

	def := map[string]any{
		"workflow_id": "wf-stop",
		"tasks": []any{
			map[string]any{"id": "a", "type": "blocking"},
			map[string]any{"id": "b", "type": "noop", "depends_on": []any{"a"}},
		},
	}

	id, err := k.Submit(context.Background(), def, "", governance.Context{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := k.Status(id)
		require.NoError(t, err)
		return taskByID(snap, "a").Status == model.TaskRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, k.Stop(id))
	close(release)

	snap := awaitTerminal(t, k, id, 2*time.Second)
	assert.Equal(t, model.WorkflowStopped, snap.Workflow.Status)
	assert.Equal(t, model.TaskSuccess, taskByID(snap, "a").Status)
	assert.NotEqual(t, model.TaskSuccess, taskByID(snap, "b").Status)
}
