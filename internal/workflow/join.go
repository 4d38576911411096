package workflow

import (
	"fmt"
	"sync"

	"github.com/atelierhq/atelier/pkg/bus"
)

// Join is the fan-in aggregator for a parallel phase. The engine performs no
// fan-out or join itself: whichever collaborator fans out a parallel phase's
// role executions owns a Join and reports each task's outcome to it. Once
// every task has finished the Join publishes exactly one complete-event for
// the phase; if any task fails, no complete-event is ever published and the
// failure is exposed via Err, halting auto-progression per the engine's
// failure semantics.
type Join struct {
	bus       *bus.Bus
	projectID string
	phase     PhaseSpec

	mu        sync.Mutex
	pending   int
	results   map[string]any
	artifacts map[string]any
	err       error
	published bool
}

// NewJoin creates a join expecting one TaskDone or TaskFailed call per
// assigned role task.
func NewJoin(b *bus.Bus, projectID string, phase PhaseSpec, tasks int) (*Join, error) {
	if tasks <= 0 {
		return nil, fmt.Errorf("join for phase %q needs at least one task", phase.Name)
	}
	return &Join{
		bus:       b,
		projectID: projectID,
		phase:     phase,
		pending:   tasks,
		results:   make(map[string]any),
		artifacts: make(map[string]any),
	}, nil
}

// TaskDone records a successful role task. The role's result is keyed by
// role name in the aggregate result; its artifacts are merged into the
// phase's artifact map. The last task to finish triggers the single
// complete-event publish.
func (j *Join) TaskDone(role string, result any, artifacts map[string]any) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.pending <= 0 {
		return
	}
	j.pending--
	j.results[role] = result
	for k, v := range artifacts {
		j.artifacts[k] = v
	}

	if j.pending == 0 && j.err == nil && !j.published {
		j.published = true
		j.bus.Publish(j.phase.CompleteChannel, CompletePayload{
			ProjectID: j.projectID,
			Phase:     j.phase.Name,
			Result:    j.results,
			Artifacts: j.artifacts,
		})
	}
}

// TaskFailed records a failed role task. The first failure resolves the
// join: the phase will never publish its complete-event.
func (j *Join) TaskFailed(role string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.pending <= 0 {
		return
	}
	j.pending--
	if j.err == nil {
		j.err = fmt.Errorf("role %s: %w", role, err)
	}
}

// Err returns the first recorded task failure, or nil.
func (j *Join) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done reports whether every task has been accounted for.
func (j *Join) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pending == 0
}
