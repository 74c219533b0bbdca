package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalcrypto "github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/crypto"
	internalstorage "github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/storage"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/testutil"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/audit"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/storage"
)

const testAuditKey = "01234567890123456789012345678901"
const testCipherKey = "abcdefghijklmnopqrstuvwxyzabcdef"

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	signer, err := internalcrypto.NewSigner([]byte(testAuditKey))
	require.NoError(t, err)
	cipher, err := internalcrypto.NewCipher([]byte(testCipherKey))
	require.NoError(t, err)

	newTxStore := func(t *testing.T) *internalstorage.PostgresStore {
		store, err := internalstorage.NewPostgresStore(testDB.ConnStr, signer, cipher)
		require.NoError(t, err)
		txStore, err := store.Begin()
		require.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internalstorage.PostgresStore)
	}

	t.Run("PutWorkflow and GetWorkflow round trip", func(t *testing.T) {
		s := newTxStore(t)
		wf := model.Workflow{
			ID:             "wf-a",
			Status:         model.WorkflowPending,
			DefinitionBlob: []byte(`{"workflow_id":"wf-a"}`),
			IdempotencyKey: "key-1",
		}
		require.NoError(t, s.PutWorkflow(wf))

		got, err := s.GetWorkflow("wf-a")
		require.NoError(t, err)
		assert.Equal(t, wf.ID, got.ID)
		assert.Equal(t, wf.Status, got.Status)
		assert.Equal(t, wf.IdempotencyKey, got.IdempotencyKey)
		assert.NotEmpty(t, got.Signature)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("GetWorkflow missing returns ErrNotFound", func(t *testing.T) {
		s := newTxStore(t)
		_, err := s.GetWorkflow("does-not-exist")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListInFlight only returns RUNNING workflows", func(t *testing.T) {
		s := newTxStore(t)
		require.NoError(t, s.PutWorkflow(model.Workflow{ID: "wf-running", Status: model.WorkflowRunning, DefinitionBlob: []byte(`{}`)}))
		require.NoError(t, s.PutWorkflow(model.Workflow{ID: "wf-done", Status: model.WorkflowSuccess, DefinitionBlob: []byte(`{}`)}))

		inFlight, err := s.ListInFlight()
		require.NoError(t, err)
		ids := make([]string, 0, len(inFlight))
		for _, wf := range inFlight {
			ids = append(ids, wf.ID)
		}
		assert.Contains(t, ids, "wf-running")
		assert.NotContains(t, ids, "wf-done")
	})

	t.Run("FindByIdempotencyKey", func(t *testing.T) {
		s := newTxStore(t)
		require.NoError(t, s.PutWorkflow(model.Workflow{ID: "wf-idem", Status: model.WorkflowPending, DefinitionBlob: []byte(`{}`), IdempotencyKey: "k"}))

		found, ok, err := s.FindByIdempotencyKey("wf-idem", "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "wf-idem", found.ID)

		_, ok, err = s.FindByIdempotencyKey("wf-idem", "other")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("PutTask persists config, dependencies, and classification", func(t *testing.T) {
		s := newTxStore(t)
		require.NoError(t, s.PutWorkflow(model.Workflow{ID: "wf-task", Status: model.WorkflowPending, DefinitionBlob: []byte(`{}`)}))
		require.NoError(t, s.PutTask("wf-task", model.Task{
			ID: "a", WorkflowID: "wf-task", Type: "noop", Status: model.TaskPending,
			Config: map[string]any{"function": "run"},
		}))
		require.NoError(t, s.PutTask("wf-task", model.Task{
			ID: "b", WorkflowID: "wf-task", Type: "noop", Status: model.TaskPending,
			DependsOn: []string{"a"},
		}))

		got, err := s.GetTask("wf-task", "b")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, got.DependsOn)

		a, err := s.GetTask("wf-task", "a")
		require.NoError(t, err)
		assert.Equal(t, "run", a.Config["function"])
	})

	t.Run("PutTask encrypts pii/phi config at rest", func(t *testing.T) {
		s := newTxStore(t)
		require.NoError(t, s.PutWorkflow(model.Workflow{ID: "wf-phi", Status: model.WorkflowPending, DefinitionBlob: []byte(`{}`)}))
		require.NoError(t, s.PutTask("wf-phi", model.Task{
			ID: "a", WorkflowID: "wf-phi", Type: "process_record", Status: model.TaskPending,
			DataClassification: model.ClassificationPHI,
			Config:              map[string]any{"patient_id": "12345"},
		}))

		got, err := s.GetTask("wf-phi", "a")
		require.NoError(t, err)
		assert.Equal(t, "12345", got.Config["patient_id"])
	})

	t.Run("GetTask missing returns ErrNotFound", func(t *testing.T) {
		s := newTxStore(t)
		require.NoError(t, s.PutWorkflow(model.Workflow{ID: "wf-empty", Status: model.WorkflowPending, DefinitionBlob: []byte(`{}`)}))
		_, err := s.GetTask("wf-empty", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CASTaskStatus enforces the expected prior state", func(t *testing.T) {
		s := newTxStore(t)
		require.NoError(t, s.PutWorkflow(model.Workflow{ID: "wf-cas", Status: model.WorkflowPending, DefinitionBlob: []byte(`{}`)}))
		require.NoError(t, s.PutTask("wf-cas", model.Task{ID: "a", WorkflowID: "wf-cas", Type: "noop", Status: model.TaskReady}))

		require.NoError(t, s.CASTaskStatus("wf-cas", "a", model.TaskReady, model.TaskRunning))

		err := s.CASTaskStatus("wf-cas", "a", model.TaskReady, model.TaskRunning)
		assert.ErrorIs(t, err, storage.ErrCASMismatch)

		err = s.CASTaskStatus("wf-cas", "missing", model.TaskReady, model.TaskRunning)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListTasks returns tasks in id order with dependencies attached", func(t *testing.T) {
		s := newTxStore(t)
		require.NoError(t, s.PutWorkflow(model.Workflow{ID: "wf-list", Status: model.WorkflowPending, DefinitionBlob: []byte(`{}`)}))
		require.NoError(t, s.PutTask("wf-list", model.Task{ID: "b", WorkflowID: "wf-list", Type: "noop", Status: model.TaskPending, DependsOn: []string{"a"}}))
		require.NoError(t, s.PutTask("wf-list", model.Task{ID: "a", WorkflowID: "wf-list", Type: "noop", Status: model.TaskPending}))

		tasks, err := s.ListTasks("wf-list")
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "a", tasks[0].ID)
		assert.Equal(t, "b", tasks[1].ID)
		assert.Equal(t, []string{"a"}, tasks[1].DependsOn)
	})

	t.Run("AppendAudit chains signatures and AuditRecords replays them in order", func(t *testing.T) {
		s := newTxStore(t)
		require.NoError(t, s.PutWorkflow(model.Workflow{ID: "wf-audit", Status: model.WorkflowPending, DefinitionBlob: []byte(`{}`)}))

		first, err := s.AppendAudit(audit.Record{WorkflowID: "wf-audit", Event: audit.EventWorkflowCreated})
		require.NoError(t, err)
		assert.Equal(t, audit.ZeroHash, first.PrevHash)

		second, err := s.AppendAudit(audit.Record{WorkflowID: "wf-audit", Event: audit.EventWorkflowStarted})
		require.NoError(t, err)
		assert.Equal(t, first.Signature, second.PrevHash)

		records, err := s.AuditRecords("wf-audit")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.NoError(t, audit.Verify(signer, records))
	})

	t.Run("PutWorkflow upserts on repeated submission", func(t *testing.T) {
		s := newTxStore(t)
		wf := model.Workflow{ID: "wf-upsert", Status: model.WorkflowPending, DefinitionBlob: []byte(`{}`)}
		require.NoError(t, s.PutWorkflow(wf))
		time.Sleep(time.Millisecond)
		wf.Status = model.WorkflowRunning
		require.NoError(t, s.PutWorkflow(wf))

		got, err := s.GetWorkflow("wf-upsert")
		require.NoError(t, err)
		assert.Equal(t, model.WorkflowRunning, got.Status)
	})
}
