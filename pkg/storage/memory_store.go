package storage

import (
	"sync"
	"time"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/crypto"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/audit"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
)

// memoryStore implements Store entirely in-memory, mirroring the teacher's
// mockStore: a transaction is a new view over the same underlying maps, and
// Begin/Commit/Rollback are no-ops beyond bookkeeping because every mutation
// is applied immediately and atomically under mu.
type memoryStore struct {
	mu        *sync.Mutex
	workflows map[string]model.Workflow
	tasks     map[string]map[string]model.Task
	log       *audit.Log
	signer    *crypto.Signer
	committed bool
}

// NewMemoryStore returns a Store backed by process memory, signing rows with
// signer the same way the Postgres-backed store would.
func NewMemoryStore(signer *crypto.Signer) Store {
	return &memoryStore{
		mu:        &sync.Mutex{},
		workflows: make(map[string]model.Workflow),
		tasks:     make(map[string]map[string]model.Task),
		log:       audit.NewLog(signer),
		signer:    signer,
	}
}

func (s *memoryStore) Begin() (Store, error) {
	return &memoryStore{
		mu:        s.mu,
		workflows: s.workflows,
		tasks:     s.tasks,
		log:       s.log,
		signer:    s.signer,
	}, nil
}

func (s *memoryStore) Commit() error {
	s.committed = true
	return nil
}

func (s *memoryStore) Rollback() error {
	s.committed = true
	return nil
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) rowSignature(payload string) string {
	return s.signer.Sign([]byte(payload))
}

func (s *memoryStore) PutWorkflow(w model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.UpdatedAt = time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = w.UpdatedAt
	}
	w.Signature = s.rowSignature(w.ID + "|" + string(w.Status) + "|" + w.IdempotencyKey)
	s.workflows[w.ID] = w
	return nil
}

func (s *memoryStore) GetWorkflow(workflowID string) (model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[workflowID]
	if !ok {
		return model.Workflow{}, ErrNotFound
	}
	return w, nil
}

func (s *memoryStore) ListInFlight() ([]model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Workflow
	for _, w := range s.workflows {
		if w.Status == model.WorkflowRunning {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *memoryStore) FindByIdempotencyKey(workflowID, idempotencyKey string) (model.Workflow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idempotencyKey == "" {
		return model.Workflow{}, false, nil
	}
	for _, w := range s.workflows {
		if w.ID == workflowID && w.IdempotencyKey == idempotencyKey {
			return w, true, nil
		}
	}
	return model.Workflow{}, false, nil
}

func (s *memoryStore) PutTask(workflowID string, t model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[workflowID] == nil {
		s.tasks[workflowID] = make(map[string]model.Task)
	}
	t.Signature = s.rowSignature(workflowID + "|" + t.ID + "|" + string(t.Status) + "|" + t.LastError)
	s.tasks[workflowID][t.ID] = t
	return nil
}

func (s *memoryStore) GetTask(workflowID, taskID string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wfTasks, ok := s.tasks[workflowID]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	t, ok := wfTasks[taskID]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	return t, nil
}

func (s *memoryStore) ListTasks(workflowID string) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wfTasks := s.tasks[workflowID]
	out := make([]model.Task, 0, len(wfTasks))
	for _, t := range wfTasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *memoryStore) CASTaskStatus(workflowID, taskID string, expected, newStatus model.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wfTasks, ok := s.tasks[workflowID]
	if !ok {
		return ErrNotFound
	}
	t, ok := wfTasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != expected {
		return ErrCASMismatch
	}
	t.Status = newStatus
	now := time.Now().UTC()
	if newStatus == model.TaskRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if newStatus == model.TaskSuccess || newStatus == model.TaskFailed || newStatus == model.TaskRollback {
		t.FinishedAt = &now
	}
	t.Signature = s.rowSignature(workflowID + "|" + t.ID + "|" + string(t.Status) + "|" + t.LastError)
	wfTasks[taskID] = t
	return nil
}

func (s *memoryStore) AppendAudit(r audit.Record) (audit.Record, error) {
	return s.log.Append(r)
}

func (s *memoryStore) AuditRecords(workflowID string) ([]audit.Record, error) {
	return s.log.Records(workflowID)
}
