// Package registry creates and tracks worker agent instances by generated id
// and by role, and wraps every worker invocation with lifecycle events on
// the bus. Agent instances are owned exclusively by the registry: they are
// created per purpose selection and destroyed individually, in bulk on a
// pivot, or at shutdown.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atelierhq/atelier/pkg/bus"
	"github.com/google/uuid"
)

// ErrAgentNotFound is returned when an agent id is not tracked.
var ErrAgentNotFound = errors.New("agent not found")

// AgentStatus is the lifecycle state of a tracked agent instance.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentWorking   AgentStatus = "working"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// AgentConfig is the per-role configuration reference handed through from
// the purpose catalog. The core never interprets its contents.
type AgentConfig struct {
	PromptRef string
	Settings  map[string]any
}

// Agent is one tracked worker instance.
type Agent struct {
	ID          string
	Role        string
	Status      AgentStatus
	Config      AgentConfig
	CreatedAtMs int64

	worker Worker
}

// LifecyclePayload is the payload of agent lifecycle events
// (bus.ChannelAgentStarted / Completed / Failed).
type LifecyclePayload struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
	Result  any    `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Statistics reports agent counts by role and by status. The per-status
// counts always sum to Total.
type Statistics struct {
	Total    int
	ByRole   map[string]int
	ByStatus map[AgentStatus]int
}

// Registry tracks agent instances for one session.
type Registry struct {
	bus *bus.Bus

	mu     sync.RWMutex
	agents map[string]*Agent
	byRole map[string][]string // role → agent ids, in creation order
}

// New creates an empty registry publishing lifecycle events on b.
func New(b *bus.Bus) *Registry {
	return &Registry{
		bus:    b,
		agents: make(map[string]*Agent),
		byRole: make(map[string][]string),
	}
}

// CreateAgent registers a new idle agent instance for role, wrapping the
// given worker handle, and returns its generated id.
func (r *Registry) CreateAgent(role string, cfg AgentConfig, w Worker) (string, error) {
	if role == "" {
		return "", fmt.Errorf("agent role cannot be empty")
	}
	if w == nil {
		return "", fmt.Errorf("agent worker cannot be nil")
	}

	agent := &Agent{
		ID:          uuid.New().String(),
		Role:        role,
		Status:      AgentIdle,
		Config:      cfg,
		CreatedAtMs: time.Now().UnixMilli(),
		worker:      w,
	}

	r.mu.Lock()
	r.agents[agent.ID] = agent
	r.byRole[role] = append(r.byRole[role], agent.ID)
	r.mu.Unlock()

	return agent.ID, nil
}

// Agent returns the tracked instance for id.
func (r *Registry) Agent(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrAgentNotFound)
	}
	return agent, nil
}

// AgentsByRole returns all tracked instances for role, in creation order.
func (r *Registry) AgentsByRole(role string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byRole[role]
	out := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		if agent, ok := r.agents[id]; ok {
			out = append(out, agent)
		}
	}
	return out
}

// ActiveAgents returns every tracked instance that is idle or working.
func (r *Registry) ActiveAgents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for _, agent := range r.agents {
		if agent.Status == AgentIdle || agent.Status == AgentWorking {
			out = append(out, agent)
		}
	}
	return out
}

// Execute invokes the agent's worker with in. The agent transitions
// idle → working with an agent-started event, then to completed or failed
// depending on the worker's error return, publishing the corresponding
// lifecycle event carrying the result or the error detail. A busy agent
// rejects the call.
func (r *Registry) Execute(ctx context.Context, id string, in Input) (Output, error) {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return Output{}, fmt.Errorf("agent %s: %w", id, ErrAgentNotFound)
	}
	if agent.Status == AgentWorking {
		r.mu.Unlock()
		return Output{}, fmt.Errorf("agent %s (%s) is already working", id, agent.Role)
	}
	agent.Status = AgentWorking
	role := agent.Role
	worker := agent.worker
	r.mu.Unlock()

	r.bus.Publish(bus.ChannelAgentStarted, LifecyclePayload{
		AgentID: id,
		Role:    role,
		Message: in.Message,
	})

	out, err := r.executeWorker(ctx, worker, in)

	r.mu.Lock()
	// The agent may have been removed (e.g. by a pivot) while working; the
	// lifecycle event is still published so observers see the outcome.
	if current, ok := r.agents[id]; ok {
		if err != nil {
			current.Status = AgentFailed
		} else {
			current.Status = AgentCompleted
		}
	}
	r.mu.Unlock()

	if err != nil {
		r.bus.Publish(bus.ChannelAgentFailed, LifecyclePayload{
			AgentID: id,
			Role:    role,
			Error:   err.Error(),
		})
		return Output{}, fmt.Errorf("agent %s (%s) execution failed: %w", id, role, err)
	}

	r.bus.Publish(bus.ChannelAgentCompleted, LifecyclePayload{
		AgentID: id,
		Role:    role,
		Result:  out.Result,
		Message: out.Message,
	})
	return out, nil
}

// executeWorker calls the worker, converting a panic into an error so a
// misbehaving worker cannot take down the registry.
func (r *Registry) executeWorker(ctx context.Context, w Worker, in Input) (out Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker panicked: %v", rec)
		}
	}()
	return w.Execute(ctx, in)
}

// RemoveAgent removes a single tracked instance and its role-index entry.
func (r *Registry) RemoveAgent(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrAgentNotFound)
	}

	delete(r.agents, id)
	ids := r.byRole[agent.Role]
	for i, existing := range ids {
		if existing == id {
			r.byRole[agent.Role] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byRole[agent.Role]) == 0 {
		delete(r.byRole, agent.Role)
	}

	return nil
}

// Clear removes all tracked instances and their role-index entries. The
// clear is atomic from the registry's point of view: no caller can observe
// a partially cleared registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*Agent)
	r.byRole = make(map[string][]string)
}

// GetStatistics returns agent counts by role and by status.
func (r *Registry) GetStatistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{
		Total:    len(r.agents),
		ByRole:   make(map[string]int),
		ByStatus: make(map[AgentStatus]int),
	}
	for _, agent := range r.agents {
		stats.ByRole[agent.Role]++
		stats.ByStatus[agent.Status]++
	}
	return stats
}
