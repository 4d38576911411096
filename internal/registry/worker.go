package registry

import (
	"context"

	"github.com/atelierhq/atelier/pkg/project"
)

// Input is the single request shape the core hands to any worker.
// PriorResults carries result payloads of already-completed phases keyed by
// phase name; Project is a read reference to the live project context.
type Input struct {
	Message      string
	PriorResults map[string]any
	Project      *project.Project
	Metadata     map[string]any
}

// Output is the single response shape the core requires from any worker.
// Success or failure is conveyed by the error return of Execute; Artifacts
// are opaque named values attached to the phase the worker served.
type Output struct {
	Result    any
	Artifacts map[string]any
	Message   string
}

// Worker is the only contract the core requires from an agent
// implementation. Internal generation logic is opaque: the registry invokes
// Execute and records the outcome, nothing more.
type Worker interface {
	Execute(ctx context.Context, in Input) (Output, error)
}

// WorkerFunc adapts an ordinary function to the Worker interface.
type WorkerFunc func(ctx context.Context, in Input) (Output, error)

// Execute implements Worker.
func (f WorkerFunc) Execute(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}
