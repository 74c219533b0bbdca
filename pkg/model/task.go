package model

import "time"

// TaskStatus is the lifecycle state of a single task within a workflow.
type TaskStatus string

const (
	TaskPending  TaskStatus = "PENDING"
	TaskReady    TaskStatus = "READY"
	TaskRunning  TaskStatus = "RUNNING"
	TaskSuccess  TaskStatus = "SUCCESS"
	TaskFailed   TaskStatus = "FAILED"
	TaskRollback TaskStatus = "ROLLBACK"
	TaskSkipped  TaskStatus = "SKIPPED"
)

// DataClassification tags the sensitivity of a task's inputs/outputs.
type DataClassification string

const (
	ClassificationPublic DataClassification = "public"
	ClassificationPII    DataClassification = "pii"
	ClassificationPHI    DataClassification = "phi"
)

// Sensitive reports whether rows derived from this task must be encrypted at
// rest and must pass the governance gate before running.
func (c DataClassification) Sensitive() bool {
	return c == ClassificationPII || c == ClassificationPHI
}

// Task is a single node in a workflow's dependency DAG.
type Task struct {
	ID                 string              `json:"id" db:"id"`
	WorkflowID         string              `json:"workflow_id" db:"workflow_id"`
	Type               string              `json:"type" db:"type"`
	DependsOn          []string            `json:"depends_on" db:"-"`
	Config             map[string]any      `json:"config" db:"-"`
	DataClassification DataClassification  `json:"data_classification" db:"data_classification"`
	Status             TaskStatus          `json:"status" db:"status"`
	Attempt            int                 `json:"attempt" db:"attempt"`
	LastError          string              `json:"last_error,omitempty" db:"last_error"`
	StartedAt          *time.Time          `json:"started_at,omitempty" db:"started_at"`
	FinishedAt         *time.Time          `json:"finished_at,omitempty" db:"finished_at"`
	Signature          string              `json:"-" db:"signature"`
}

// Clone returns a deep-enough copy safe to mutate without aliasing the
// original's slices/maps.
func (t Task) Clone() Task {
	c := t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Config != nil {
		c.Config = make(map[string]any, len(t.Config))
		for k, v := range t.Config {
			c.Config[k] = v
		}
	}
	return c
}

// ConfigFunction returns the handler function name from config, if set.
func (t Task) ConfigFunction() string {
	if v, ok := t.Config["function"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ConfigParams returns the handler params sub-map from config, if set.
func (t Task) ConfigParams() map[string]any {
	if v, ok := t.Config["params"]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}
