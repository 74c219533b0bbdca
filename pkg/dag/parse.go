// Package dag parses and validates workflow definitions and computes the
// orderings the scheduler needs: a topological sort via Kahn's algorithm and
// cycle detection via a depth-first back-edge walk. Parsing is pure — no I/O,
// no side effects — the caller is responsible for decoding YAML or JSON into
// the map[string]any tree accepted here.
package dag

import (
	"fmt"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
)

// Parse builds a validated Workflow from a normalized definition document.
// It establishes every invariant in spec §3: acyclic graph, resolvable
// dependencies, unique task IDs, and a sane retry policy.
func Parse(doc map[string]any) (*model.Workflow, error) {
	workflowID, ok := stringField(doc, "workflow_id")
	if !ok || workflowID == "" {
		return nil, &MissingFieldError{Path: "workflow_id"}
	}

	rawTasks, ok := doc["tasks"].([]any)
	if !ok || len(rawTasks) == 0 {
		return nil, &MissingFieldError{Path: "tasks"}
	}

	tasks := make(map[string]*model.Task, len(rawTasks))
	for i, rt := range rawTasks {
		taskDoc, ok := rt.(map[string]any)
		if !ok {
			return nil, &MissingFieldError{Path: fmt.Sprintf("tasks[%d]", i)}
		}
		t, err := parseTask(taskDoc, i)
		if err != nil {
			return nil, err
		}
		if _, exists := tasks[t.ID]; exists {
			return nil, &DuplicateTaskIDError{TaskID: t.ID}
		}
		tasks[t.ID] = t
	}

	for id, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := tasks[dep]; !ok {
				return nil, &UnknownDependencyError{TaskID: id, DependsOn: dep}
			}
		}
	}

	if _, err := TopologicalSort(tasks); err != nil {
		return nil, err
	}

	policy, err := parseRetryPolicy(doc)
	if err != nil {
		return nil, err
	}

	compHandlers := map[string]string{}
	if raw, ok := doc["compensation_handlers"].(map[string]any); ok {
		for taskID, v := range raw {
			handler, _ := v.(string)
			if _, exists := tasks[taskID]; !exists {
				return nil, &UnknownDependencyError{TaskID: "compensation_handlers", DependsOn: taskID}
			}
			compHandlers[taskID] = handler
		}
	}

	for id, t := range tasks {
		t.WorkflowID = workflowID
		t.Status = model.TaskPending
		tasks[id] = t
	}

	wf := &model.Workflow{
		ID:                   workflowID,
		Tasks:                tasks,
		RetryPolicy:          policy,
		CompensationHandlers: compHandlers,
		Status:               model.WorkflowPending,
	}
	return wf, nil
}

func parseTask(doc map[string]any, index int) (*model.Task, error) {
	id, ok := stringField(doc, "id")
	if !ok || id == "" {
		return nil, &MissingFieldError{Path: fmt.Sprintf("tasks[%d].id", index)}
	}
	typ, ok := stringField(doc, "type")
	if !ok || typ == "" {
		return nil, &MissingFieldError{Path: fmt.Sprintf("tasks[%s].type", id)}
	}

	var deps []string
	if raw, ok := doc["depends_on"].([]any); ok {
		for _, d := range raw {
			if s, ok := d.(string); ok {
				deps = append(deps, s)
			}
		}
	}

	classification := model.ClassificationPublic
	if raw, ok := stringField(doc, "data_classification"); ok && raw != "" {
		switch model.DataClassification(raw) {
		case model.ClassificationPublic, model.ClassificationPII, model.ClassificationPHI:
			classification = model.DataClassification(raw)
		default:
			return nil, &MissingFieldError{Path: fmt.Sprintf("tasks[%s].data_classification", id)}
		}
	}

	config := map[string]any{}
	if raw, ok := doc["config"].(map[string]any); ok {
		config = raw
	}

	return &model.Task{
		ID:                 id,
		Type:               typ,
		DependsOn:          deps,
		Config:             config,
		DataClassification: classification,
	}, nil
}

func parseRetryPolicy(doc map[string]any) (model.RetryPolicy, error) {
	policy := model.DefaultRetryPolicy()
	raw, ok := doc["retry_policy"].(map[string]any)
	if !ok {
		return policy, nil
	}
	if v, ok := intField(raw, "max_attempts"); ok {
		policy.MaxAttempts = v
	}
	if v, ok := floatField(raw, "delay_seconds"); ok {
		policy.DelaySeconds = v
	}
	if v, ok := raw["exponential_backoff"].(bool); ok {
		policy.ExponentialBackoff = v
	}
	if v, ok := floatField(raw, "jitter_fraction"); ok {
		policy.JitterFraction = v
	}

	if policy.MaxAttempts < 1 {
		return policy, &InvalidRetryPolicyError{Reason: "max_attempts must be >= 1"}
	}
	if policy.DelaySeconds < 0 {
		return policy, &InvalidRetryPolicyError{Reason: "delay_seconds must be >= 0"}
	}
	if policy.JitterFraction < 0 || policy.JitterFraction > 1 {
		return policy, &InvalidRetryPolicyError{Reason: "jitter_fraction must be in [0, 1]"}
	}
	return policy, nil
}

func stringField(doc map[string]any, key string) (string, bool) {
	v, ok := doc[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intField(doc map[string]any, key string) (int, bool) {
	switch v := doc[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func floatField(doc map[string]any, key string) (float64, bool) {
	switch v := doc[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
