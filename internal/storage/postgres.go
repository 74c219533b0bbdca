// Package storage provides the Postgres-backed implementation of
// pkg/storage.Store, built the teacher's way: a thin DBInterface seam over
// *sqlx.DB/*sqlx.Tx so Begin/Commit/Rollback swap the underlying handle
// without the caller's code changing shape.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/crypto"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/audit"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/storage"
)

// DBInterface is the subset of *sqlx.DB and *sqlx.Tx the store needs, so
// Begin can hand back a transaction-backed store with the same type.
type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements pkg/storage.Store against the schema in
// migrations/0001_init.up.sql. cipher is nil when no pii/phi classification
// is in use for the deployment; GetTask/ListTasks refuse to decode an
// encrypted row without one rather than silently returning ciphertext.
type PostgresStore struct {
	db     DBInterface
	signer *crypto.Signer
	cipher *crypto.Cipher
}

// NewPostgresStore opens and pings connStr.
func NewPostgresStore(connStr string, signer *crypto.Signer, cipher *crypto.Cipher) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, signer: signer, cipher: cipher}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx, signer: s.signer, cipher: s.cipher}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // no-op for *sqlx.Tx
}

func (s *PostgresStore) rowSignature(payload string) string {
	return s.signer.Sign([]byte(payload))
}

func nilIfZero(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *PostgresStore) PutWorkflow(w model.Workflow) error {
	sig := s.rowSignature(w.ID + "|" + string(w.Status) + "|" + w.IdempotencyKey)
	_, err := s.db.Exec(`
		INSERT INTO workflows (workflow_id, status, created_at, updated_at, idempotency_key, definition_blob, signature)
		VALUES ($1, $2, COALESCE($3, now()), now(), $4, $5, $6)
		ON CONFLICT (workflow_id) DO UPDATE SET
			status = EXCLUDED.status, updated_at = now(), signature = EXCLUDED.signature
	`, w.ID, string(w.Status), nilIfZero(w.CreatedAt), w.IdempotencyKey, w.DefinitionBlob, sig)
	if err != nil {
		return fmt.Errorf("put workflow %s: %w", w.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(workflowID string) (model.Workflow, error) {
	var wf model.Workflow
	err := s.db.Get(&wf, `SELECT workflow_id, status, created_at, updated_at, idempotency_key, definition_blob, signature FROM workflows WHERE workflow_id = $1`, workflowID)
	if err == sql.ErrNoRows {
		return model.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Workflow{}, err
	}
	return wf, nil
}

func (s *PostgresStore) ListInFlight() ([]model.Workflow, error) {
	var out []model.Workflow
	err := s.db.Select(&out, `SELECT workflow_id, status, created_at, updated_at, idempotency_key, definition_blob, signature FROM workflows WHERE status = $1`, string(model.WorkflowRunning))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) FindByIdempotencyKey(workflowID, idempotencyKey string) (model.Workflow, bool, error) {
	if idempotencyKey == "" {
		return model.Workflow{}, false, nil
	}
	var wf model.Workflow
	err := s.db.Get(&wf, `SELECT workflow_id, status, created_at, updated_at, idempotency_key, definition_blob, signature FROM workflows WHERE workflow_id = $1 AND idempotency_key = $2`, workflowID, idempotencyKey)
	if err == sql.ErrNoRows {
		return model.Workflow{}, false, nil
	}
	if err != nil {
		return model.Workflow{}, false, err
	}
	return wf, true, nil
}

// taskRow mirrors the tasks table exactly; model.Task can't be scanned
// directly because Config and DependsOn are computed columns (db:"-") on
// that type, not plain scalars.
type taskRow struct {
	WorkflowID         string     `db:"workflow_id"`
	ID                 string     `db:"id"`
	Type               string     `db:"type"`
	DataClassification string     `db:"data_classification"`
	Config             []byte     `db:"config"`
	ConfigEncrypted    bool       `db:"config_encrypted"`
	Status             string     `db:"status"`
	Attempt            int        `db:"attempt"`
	LastError          string     `db:"last_error"`
	StartedAt          *time.Time `db:"started_at"`
	FinishedAt         *time.Time `db:"finished_at"`
	Signature          string     `db:"signature"`
}

const taskColumns = `workflow_id, id, type, data_classification, config, config_encrypted, status, attempt, last_error, started_at, finished_at, signature`

func (s *PostgresStore) encodeConfig(t model.Task) (blob []byte, encrypted bool, err error) {
	plain, err := json.Marshal(t.Config)
	if err != nil {
		return nil, false, fmt.Errorf("encode task config: %w", err)
	}
	if !t.DataClassification.Sensitive() {
		return plain, false, nil
	}
	if s.cipher == nil {
		return nil, false, fmt.Errorf("task %s/%s is classified %s but no DB_ENCRYPTION_KEY is configured", t.WorkflowID, t.ID, t.DataClassification)
	}
	sealed, err := s.cipher.Seal(plain)
	if err != nil {
		return nil, false, fmt.Errorf("seal task %s/%s config: %w", t.WorkflowID, t.ID, err)
	}
	return []byte(sealed), true, nil
}

func (s *PostgresStore) decodeTaskRow(row taskRow) (model.Task, error) {
	raw := row.Config
	if row.ConfigEncrypted {
		if s.cipher == nil {
			return model.Task{}, fmt.Errorf("task %s/%s is encrypted but no DB_ENCRYPTION_KEY is configured", row.WorkflowID, row.ID)
		}
		plain, err := s.cipher.Open(string(raw))
		if err != nil {
			return model.Task{}, fmt.Errorf("decrypt task %s/%s config: %w", row.WorkflowID, row.ID, err)
		}
		raw = plain
	}
	var config map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &config); err != nil {
			return model.Task{}, fmt.Errorf("decode task %s/%s config: %w", row.WorkflowID, row.ID, err)
		}
	}
	return model.Task{
		ID:                 row.ID,
		WorkflowID:         row.WorkflowID,
		Type:               row.Type,
		Config:             config,
		DataClassification: model.DataClassification(row.DataClassification),
		Status:             model.TaskStatus(row.Status),
		Attempt:            row.Attempt,
		LastError:          row.LastError,
		StartedAt:          row.StartedAt,
		FinishedAt:         row.FinishedAt,
		Signature:          row.Signature,
	}, nil
}

func (s *PostgresStore) PutTask(workflowID string, t model.Task) error {
	configBlob, encrypted, err := s.encodeConfig(t)
	if err != nil {
		return err
	}
	sig := s.rowSignature(workflowID + "|" + t.ID + "|" + string(t.Status) + "|" + t.LastError)
	_, err = s.db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (workflow_id, id) DO UPDATE SET
			status = EXCLUDED.status, attempt = EXCLUDED.attempt, last_error = EXCLUDED.last_error,
			started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at, signature = EXCLUDED.signature
	`, workflowID, t.ID, t.Type, string(t.DataClassification), configBlob, encrypted, string(t.Status), t.Attempt, t.LastError, t.StartedAt, t.FinishedAt, sig)
	if err != nil {
		return fmt.Errorf("put task %s/%s: %w", workflowID, t.ID, err)
	}
	return s.replaceDependencies(workflowID, t.ID, t.DependsOn)
}

func (s *PostgresStore) replaceDependencies(workflowID, taskID string, dependsOn []string) error {
	if _, err := s.db.Exec(`DELETE FROM dependencies WHERE workflow_id = $1 AND task_id = $2`, workflowID, taskID); err != nil {
		return fmt.Errorf("clear dependencies for %s/%s: %w", workflowID, taskID, err)
	}
	for _, dep := range dependsOn {
		if _, err := s.db.Exec(`INSERT INTO dependencies (workflow_id, task_id, depends_on) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, workflowID, taskID, dep); err != nil {
			return fmt.Errorf("save dependency %s/%s -> %s: %w", workflowID, taskID, dep, err)
		}
	}
	return nil
}

func (s *PostgresStore) dependenciesFor(workflowID string, taskIDs ...string) (map[string][]string, error) {
	var rows []struct {
		TaskID    string `db:"task_id"`
		DependsOn string `db:"depends_on"`
	}
	err := s.db.Select(&rows, `SELECT task_id, depends_on FROM dependencies WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, r := range rows {
		out[r.TaskID] = append(out[r.TaskID], r.DependsOn)
	}
	return out, nil
}

func (s *PostgresStore) GetTask(workflowID, taskID string) (model.Task, error) {
	var row taskRow
	err := s.db.Get(&row, `SELECT `+taskColumns+` FROM tasks WHERE workflow_id = $1 AND id = $2`, workflowID, taskID)
	if err == sql.ErrNoRows {
		return model.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Task{}, err
	}
	t, err := s.decodeTaskRow(row)
	if err != nil {
		return model.Task{}, err
	}
	deps, err := s.dependenciesFor(workflowID)
	if err != nil {
		return model.Task{}, err
	}
	t.DependsOn = deps[taskID]
	return t, nil
}

func (s *PostgresStore) ListTasks(workflowID string) ([]model.Task, error) {
	var rows []taskRow
	if err := s.db.Select(&rows, `SELECT `+taskColumns+` FROM tasks WHERE workflow_id = $1 ORDER BY id`, workflowID); err != nil {
		return nil, err
	}
	deps, err := s.dependenciesFor(workflowID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Task, 0, len(rows))
	for _, row := range rows {
		t, err := s.decodeTaskRow(row)
		if err != nil {
			return nil, err
		}
		t.DependsOn = deps[t.ID]
		out = append(out, t)
	}
	return out, nil
}

func (s *PostgresStore) CASTaskStatus(workflowID, taskID string, expected, newStatus model.TaskStatus) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = $1 WHERE workflow_id = $2 AND id = $3 AND status = $4`,
		string(newStatus), workflowID, taskID, string(expected))
	if err != nil {
		return fmt.Errorf("cas task %s/%s: %w", workflowID, taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.Get(&exists, `SELECT EXISTS(SELECT 1 FROM tasks WHERE workflow_id = $1 AND id = $2)`, workflowID, taskID); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrCASMismatch
}

func (s *PostgresStore) AppendAudit(r audit.Record) (audit.Record, error) {
	var prevHash string
	err := s.db.Get(&prevHash, `SELECT signature FROM audit_records WHERE workflow_id = $1 ORDER BY seq DESC LIMIT 1`, r.WorkflowID)
	if err == sql.ErrNoRows {
		prevHash = audit.ZeroHash
	} else if err != nil {
		return audit.Record{}, err
	}
	r.PrevHash = prevHash
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	r.Signature = s.rowSignature(string(audit.CanonicalPayload(r)))

	row := s.db.QueryRowx(`
		INSERT INTO audit_records (workflow_id, task_id, event, from_state, to_state, timestamp, prev_hash, signature)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING seq
	`, r.WorkflowID, r.TaskID, string(r.Event), r.FromState, r.ToState, r.Timestamp, r.PrevHash, r.Signature)
	if err := row.Scan(&r.Seq); err != nil {
		return audit.Record{}, fmt.Errorf("append audit for %s: %w", r.WorkflowID, err)
	}
	return r, nil
}

func (s *PostgresStore) AuditRecords(workflowID string) ([]audit.Record, error) {
	var rows []struct {
		Seq        int64     `db:"seq"`
		WorkflowID string    `db:"workflow_id"`
		TaskID     string    `db:"task_id"`
		Event      string    `db:"event"`
		FromState  string    `db:"from_state"`
		ToState    string    `db:"to_state"`
		Timestamp  time.Time `db:"timestamp"`
		PrevHash   string    `db:"prev_hash"`
		Signature  string    `db:"signature"`
	}
	if err := s.db.Select(&rows, `SELECT seq, workflow_id, task_id, event, from_state, to_state, timestamp, prev_hash, signature FROM audit_records WHERE workflow_id = $1 ORDER BY seq`, workflowID); err != nil {
		return nil, err
	}
	out := make([]audit.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, audit.Record{
			Seq: r.Seq, WorkflowID: r.WorkflowID, TaskID: r.TaskID, Event: audit.Event(r.Event),
			FromState: r.FromState, ToState: r.ToState, Timestamp: r.Timestamp, PrevHash: r.PrevHash, Signature: r.Signature,
		})
	}
	return out, nil
}
