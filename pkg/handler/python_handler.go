package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
)

// PythonHandler dispatches a task by shelling out to a Python interpreter
// running config.function as a module, passing params as JSON on stdin.
// Invoking an external interpreter process is inherently an os/exec concern;
// no pack dependency wraps it usefully here.
type PythonHandler struct {
	Interpreter string
}

// NewPythonHandler defaults to the "python3" binary on PATH.
func NewPythonHandler() *PythonHandler {
	return &PythonHandler{Interpreter: "python3"}
}

func (h *PythonHandler) Execute(ctx context.Context, task model.Task, params map[string]any) Result {
	function := task.ConfigFunction()
	if function == "" {
		return Permanent(fmt.Errorf("python handler: missing config.function"))
	}

	cmd := exec.CommandContext(ctx, h.Interpreter, "-m", function)
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return Permanent(fmt.Errorf("python handler: marshal params: %w", err))
	}
	cmd.Stdin = bytes.NewReader(paramsJSON)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Transient(fmt.Errorf("python handler: %s: %w", function, ctx.Err()))
		}
		return Transient(fmt.Errorf("python handler: %s failed: %w: %s", function, err, stderr.String()))
	}
	return Ok(stdout.String())
}

func (h *PythonHandler) Compensate(ctx context.Context, task model.Task, params map[string]any) Result {
	return Ok(nil)
}
