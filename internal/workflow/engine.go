package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/atelierhq/atelier/pkg/bus"
	"github.com/atelierhq/atelier/pkg/project"
)

// StartPayload is the payload of a phase's declared start-event.
type StartPayload struct {
	ProjectID string   `json:"project_id"`
	Phase     string   `json:"phase"`
	Roles     []string `json:"roles"`
	Parallel  bool     `json:"parallel,omitempty"`
}

// CompletePayload is the payload the engine expects on a phase's declared
// complete-event. The phase name doubles as the result's variant tag: each
// phase's collaborator knows the concrete shape it publishes under it.
type CompletePayload struct {
	ProjectID string         `json:"project_id,omitempty"`
	Phase     string         `json:"phase"`
	Result    any            `json:"result,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
}

// Engine advances the current project through a workflow definition's
// phases. Complete-event listeners are wired generically from the active
// definition's phase list, keyed by phase name, so registered custom
// workflows run without engine changes.
//
// Failure semantics: the engine never retries or rolls back. If a worker
// execution fails, the phase record is left non-completed and no further
// start-event fires until an external recovery action re-publishes a start
// or complete event, or MarkPhaseFailed is called.
type Engine struct {
	bus   *bus.Bus
	store *project.Store

	mu          sync.Mutex
	definitions map[string]Definition
	active      string
	subs        []*bus.Subscription

	// runCtx is the context the run was started under; bus handlers use it
	// for store write-throughs triggered by complete-events.
	runCtx context.Context
}

// NewEngine creates an engine with the built-in default definition
// registered.
func NewEngine(b *bus.Bus, store *project.Store) *Engine {
	e := &Engine{
		bus:         b,
		store:       store,
		definitions: make(map[string]Definition),
		runCtx:      context.Background(),
	}
	if err := e.Register(DefaultDefinition()); err != nil {
		// The built-in definition is statically valid.
		panic(fmt.Sprintf("default workflow definition invalid: %v", err))
	}
	return e
}

// Register validates and adds a named definition. Registration wires no
// listeners by itself; listeners are wired when Start selects the
// definition.
func (e *Engine) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.definitions[def.Name]; exists {
		return fmt.Errorf("workflow %q is already registered", def.Name)
	}
	e.definitions[def.Name] = def
	return nil
}

// Definition returns a registered definition by name.
func (e *Engine) Definition(name string) (Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.definitions[name]
	return def, ok
}

// Start begins the named workflow for the store's current project: the
// first phase's record is set in_progress with a start timestamp, the
// project status follows the phase, and the phase's declared start-event is
// published. Complete-event listeners for every phase of the definition are
// (re)wired before the first event fires.
func (e *Engine) Start(ctx context.Context, definitionName string) error {
	current := e.store.Current()
	if current == nil {
		return fmt.Errorf("no current project: select a purpose before starting a workflow")
	}

	e.mu.Lock()
	def, ok := e.definitions[definitionName]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown workflow definition: %q", definitionName)
	}

	// Re-wire the dispatch table for the selected definition. Subscriptions
	// from a previous run are dropped first so a phase name shared between
	// definitions cannot double-fire.
	for _, sub := range e.subs {
		sub.Unsubscribe()
	}
	e.subs = e.subs[:0]
	for _, phase := range def.Phases {
		name := phase.Name
		e.subs = append(e.subs, e.bus.Subscribe(phase.CompleteChannel, func(evt bus.Event) {
			e.handlePhaseComplete(name, evt)
		}))
	}

	e.active = definitionName
	e.runCtx = ctx
	e.mu.Unlock()

	return e.beginPhase(ctx, current.ID, def.Phases[0])
}

// beginPhase creates or overwrites the phase record as in_progress with a
// fresh start timestamp, moves the project status to the phase's mapped
// status and publishes the phase's declared start-event.
func (e *Engine) beginPhase(ctx context.Context, projectID string, phase PhaseSpec) error {
	if _, err := e.store.UpsertPhase(ctx, projectID, phase.Name, project.PhaseRecord{
		Status:      project.PhaseInProgress,
		StartedAtMs: time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("failed to open phase %q: %w", phase.Name, err)
	}

	if err := e.store.SetStatus(ctx, projectID, project.StatusForPhase(phase.Name)); err != nil {
		return fmt.Errorf("failed to set status for phase %q: %w", phase.Name, err)
	}

	e.logEvent("phase_started", map[string]interface{}{
		"project_id": projectID,
		"phase":      phase.Name,
		"roles":      phase.Roles,
		"parallel":   phase.Parallel,
	})

	e.bus.Publish(phase.StartChannel, StartPayload{
		ProjectID: projectID,
		Phase:     phase.Name,
		Roles:     phase.Roles,
		Parallel:  phase.Parallel,
	})
	return nil
}

// handlePhaseComplete marks the phase record completed with the event's
// result and artifacts, then advances along the next-phase chain.
func (e *Engine) handlePhaseComplete(phaseName string, evt bus.Event) {
	e.mu.Lock()
	def, ok := e.definitions[e.active]
	ctx := e.runCtx
	e.mu.Unlock()
	if !ok {
		return
	}

	phase, ok := def.Phase(phaseName)
	if !ok {
		e.logEvent("phase_complete_unknown", map[string]interface{}{"phase": phaseName})
		return
	}

	current := e.store.Current()
	if current == nil {
		e.logEvent("phase_complete_without_project", map[string]interface{}{"phase": phaseName})
		return
	}

	payload, _ := evt.Payload.(CompletePayload)
	if payload.ProjectID != "" && payload.ProjectID != current.ID {
		e.logEvent("phase_complete_stale_project", map[string]interface{}{
			"phase":      phaseName,
			"project_id": payload.ProjectID,
		})
		return
	}

	// A repeated complete-event for an already-completed phase must not
	// re-advance the workflow.
	if record, ok := current.Phases[phaseName]; ok && record.Status == project.PhaseCompleted {
		e.logEvent("phase_complete_ignored", map[string]interface{}{
			"project_id": current.ID,
			"phase":      phaseName,
		})
		return
	}

	if _, err := e.store.UpsertPhase(ctx, current.ID, phaseName, project.PhaseRecord{
		Status:        project.PhaseCompleted,
		CompletedAtMs: time.Now().UnixMilli(),
		Result:        payload.Result,
		Artifacts:     payload.Artifacts,
	}); err != nil {
		e.logError("failed to close phase", err)
		return
	}

	e.logEvent("phase_completed", map[string]interface{}{
		"project_id": current.ID,
		"phase":      phaseName,
	})

	if err := e.proceedToNextPhase(ctx, current.ID, phase); err != nil {
		e.logError("failed to advance workflow", err)
	}
}

// proceedToNextPhase advances past the given phase: with no declared next
// phase the project status becomes completed and the run halts; otherwise
// the next phase begins with a fresh start timestamp and its start-event.
func (e *Engine) proceedToNextPhase(ctx context.Context, projectID string, phase PhaseSpec) error {
	e.mu.Lock()
	def := e.definitions[e.active]
	e.mu.Unlock()

	if phase.Next == "" {
		if err := e.store.SetStatus(ctx, projectID, project.StatusCompleted); err != nil {
			return fmt.Errorf("failed to complete project: %w", err)
		}
		e.logEvent("workflow_completed", map[string]interface{}{
			"project_id": projectID,
			"workflow":   def.Name,
		})
		return nil
	}

	next, ok := def.Phase(phase.Next)
	if !ok {
		return fmt.Errorf("workflow %q: phase %q declares unknown next phase %q", def.Name, phase.Name, phase.Next)
	}
	return e.beginPhase(ctx, projectID, next)
}

// MarkPhaseFailed records a non-recoverable phase failure: the phase record
// and the project both become failed, and no further start-event fires.
// This is the explicit recovery-boundary call for collaborators reacting to
// worker execution failures.
func (e *Engine) MarkPhaseFailed(ctx context.Context, projectID, phaseName, reason string) error {
	if _, err := e.store.UpsertPhase(ctx, projectID, phaseName, project.PhaseRecord{
		Status: project.PhaseFailed,
	}); err != nil {
		return fmt.Errorf("failed to mark phase %q failed: %w", phaseName, err)
	}

	if err := e.store.SetStatus(ctx, projectID, project.StatusFailed); err != nil {
		return fmt.Errorf("failed to mark project failed: %w", err)
	}

	e.logEvent("phase_failed", map[string]interface{}{
		"project_id": projectID,
		"phase":      phaseName,
		"reason":     reason,
	})
	return nil
}

// Stop drops the engine's complete-event subscriptions.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		sub.Unsubscribe()
	}
	e.subs = e.subs[:0]
	e.active = ""
}

// logEvent logs a structured event in JSON format.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "workflow"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Workflow] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}

func (e *Engine) logError(msg string, err error) {
	e.logEvent("error", map[string]interface{}{
		"message": msg,
		"error":   err.Error(),
	})
}
