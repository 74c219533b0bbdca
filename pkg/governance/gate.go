// Package governance implements the pure allow/deny decision the kernel
// consults once per task, immediately before promotion to RUNNING (spec
// §4.4). Policy content here is supplemental, grounded on
// original_source/src/orchestrator/governance.py: PHI encryption, an LLM
// model whitelist, banned prompt phrases, and an idempotency-key-required
// rule for write-ish task types.
package governance

import (
	"fmt"
	"os"
	"strings"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
	"gopkg.in/yaml.v3"
)

// Context carries the caller-supplied, opaque-to-the-kernel governance
// inputs: caller identity, request source, and whatever the workflow needs
// evaluated against policy.
type Context struct {
	CallerID          string
	RequestSource     string
	IdempotencyKeySet bool
}

// Decision is the gate's verdict for one task.
type Decision struct {
	Allowed bool
	Reason  string
}

func Allow() Decision             { return Decision{Allowed: true} }
func Deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Gate is the interface the kernel depends on; policy evaluation itself is
// an external collaborator's concern per spec §1.
type Gate interface {
	Check(task model.Task, ctx Context) Decision
}

// Rules is the declarative policy document loaded from
// GOVERNANCE_CONFIG_PATH.
type Rules struct {
	PHIEncryptionRequired    bool     `yaml:"phi_encryption_required"`
	LLMAllowedModels         []string `yaml:"llm_allowed_models"`
	BannedPrompts            []string `yaml:"banned_prompts"`
	IdempotencyRequiredTypes []string `yaml:"idempotency_required_types"`
	MaxDataRetentionDays     int      `yaml:"max_data_retention_days"`
}

// StaticGate evaluates Rules against each task, matching the original
// governance engine's validate_workflow rule set but as a per-task pure
// function rather than a whole-workflow exception-throwing pass.
type StaticGate struct {
	rules Rules
}

// NewStaticGate constructs a StaticGate from an already-parsed Rules
// document (config/secret loading is out of the kernel's scope; the caller
// decodes GOVERNANCE_CONFIG_PATH with gopkg.in/yaml.v3 and passes the
// result here).
func NewStaticGate(rules Rules) *StaticGate {
	return &StaticGate{rules: rules}
}

// LoadStaticGate decodes Rules from path and builds a StaticGate. An empty
// path yields a StaticGate with the zero Rules value, which denies phi
// tasks and enforces no other policy, rather than failing to start.
func LoadStaticGate(path string) (*StaticGate, error) {
	if path == "" {
		return NewStaticGate(Rules{}), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("governance: read %s: %w", path, err)
	}
	var rules Rules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("governance: parse %s: %w", path, err)
	}
	return NewStaticGate(rules), nil
}

func (g *StaticGate) Check(task model.Task, ctx Context) Decision {
	if task.DataClassification == model.ClassificationPHI && !g.rules.PHIEncryptionRequired {
		return Deny("phi_not_allowed")
	}

	if task.Type == "llm" {
		if modelName, ok := task.Config["model"].(string); ok && len(g.rules.LLMAllowedModels) > 0 {
			if !contains(g.rules.LLMAllowedModels, modelName) {
				return Deny(fmt.Sprintf("model %q not allowed", modelName))
			}
		}
	}

	if task.Type == "llm" || task.Type == "rag" {
		if prompt, ok := task.Config["prompt"].(string); ok {
			lower := strings.ToLower(prompt)
			for _, banned := range g.rules.BannedPrompts {
				if strings.Contains(lower, strings.ToLower(banned)) {
					return Deny(fmt.Sprintf("prompt contains banned phrase %q", banned))
				}
			}
		}
	}

	if contains(g.rules.IdempotencyRequiredTypes, task.Type) && !ctx.IdempotencyKeySet {
		return Deny(fmt.Sprintf("idempotency key required for %s tasks", task.Type))
	}

	return Allow()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
