// Package handler resolves task.type + config.function to an executable
// handler (spec §4.6) and defines the typed Result handlers return instead of
// throwing across the kernel boundary.
package handler

import (
	"context"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
)

// ErrorKind distinguishes retryable failures from terminal ones.
type ErrorKind int

const (
	// KindNone marks a successful result.
	KindNone ErrorKind = iota
	// KindTransient is retryable per the workflow's retry policy.
	KindTransient
	// KindPermanent skips remaining retries and fails the task immediately.
	KindPermanent
)

// Result is what Execute and Compensate return: either a value, or a typed
// error that tells the scheduler whether to retry.
type Result struct {
	Value any
	Kind  ErrorKind
	Err   error
}

// Ok builds a successful Result.
func Ok(value any) Result { return Result{Value: value, Kind: KindNone} }

// Transient builds a retryable-failure Result.
func Transient(err error) Result { return Result{Kind: KindTransient, Err: err} }

// Permanent builds a non-retryable-failure Result.
func Permanent(err error) Result { return Result{Kind: KindPermanent, Err: err} }

// Failed reports whether the result represents any kind of failure.
func (r Result) Failed() bool { return r.Kind != KindNone }

// Handler implements one task type/function pairing. Compensate is optional;
// handlers that never need undoing simply never get registered for
// compensation_handlers.
type Handler interface {
	Execute(ctx context.Context, task model.Task, params map[string]any) Result
	Compensate(ctx context.Context, task model.Task, params map[string]any) Result
}

// Registry resolves (type, function) to a Handler.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates a handler with a (type, function) pairing.
func (r *Registry) Register(taskType, function string, h Handler) {
	r.handlers[key(taskType, function)] = h
}

// Resolve looks up the handler for a task's type and config.function.
func (r *Registry) Resolve(taskType, function string) (Handler, bool) {
	h, ok := r.handlers[key(taskType, function)]
	return h, ok
}

func key(taskType, function string) string {
	return taskType + "::" + function
}
