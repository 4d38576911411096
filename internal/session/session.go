// Package session is the thin composition root of one orchestration run. A
// Session owns an explicit bus + store + registry + engine context object —
// there are no package-level singletons, so independent sessions (and
// isolated test runs) can coexist in one process.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/atelierhq/atelier/internal/purpose"
	"github.com/atelierhq/atelier/internal/registry"
	"github.com/atelierhq/atelier/internal/workflow"
	"github.com/atelierhq/atelier/pkg/bus"
	"github.com/atelierhq/atelier/pkg/project"
	"github.com/redis/go-redis/v9"
)

// PurposeSelectedPayload is the payload of bus.ChannelPurposeSelected.
type PurposeSelectedPayload struct {
	PurposeID   string `json:"purpose_id"`
	PurposeName string `json:"purpose_name"`
	Message     string `json:"message,omitempty"`
}

// InitPayload is the payload of bus.ChannelSystemInit.
type InitPayload struct {
	InstanceName string `json:"instance_name"`
	Projects     int    `json:"projects"`
}

// WorkerFactory builds the worker handle for one required role. The role
// configuration reference is opaque to the session and handed through from
// the purpose catalog unchanged.
type WorkerFactory func(role string, ref purpose.RoleRef) (registry.Worker, error)

// Options configures a session.
type Options struct {
	InstanceName  string
	RedisOpts     *redis.Options
	Catalog       *purpose.Catalog
	WorkerFactory WorkerFactory

	// HistoryCap bounds the bus event history; non-positive selects the
	// bus default.
	HistoryCap int
}

// Session composes the orchestration core for one run.
type Session struct {
	Bus      *bus.Bus
	Store    *project.Store
	Registry *registry.Registry
	Engine   *workflow.Engine
	Catalog  *purpose.Catalog

	instanceName  string
	workerFactory WorkerFactory

	// runCtx is the context Initialize was called with; bus-event handlers
	// use it for store write-throughs.
	runCtx context.Context
}

// New builds a session and wires its purpose-selected and pivot handlers.
// Call Initialize before publishing events into it.
func New(opts Options) (*Session, error) {
	if opts.InstanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("purpose catalog is required")
	}
	if opts.WorkerFactory == nil {
		return nil, fmt.Errorf("worker factory is required")
	}

	store, err := project.NewStore(opts.RedisOpts, opts.InstanceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create project store: %w", err)
	}

	b := bus.New(opts.HistoryCap)
	s := &Session{
		Bus:           b,
		Store:         store,
		Registry:      registry.New(b),
		Engine:        workflow.NewEngine(b, store),
		Catalog:       opts.Catalog,
		instanceName:  opts.InstanceName,
		workerFactory: opts.WorkerFactory,
		runCtx:        context.Background(),
	}

	b.Subscribe(bus.ChannelPurposeSelected, s.handlePurposeSelected)
	b.Subscribe(bus.ChannelProjectPivot, s.handlePivot)

	return s, nil
}

// Initialize reseeds the project store from durable records and publishes
// the system-init event.
func (s *Session) Initialize(ctx context.Context) error {
	s.runCtx = ctx

	if err := s.Store.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to reseed project store: %w", err)
	}

	s.logEvent("session_initialized", map[string]interface{}{
		"projects": s.Store.Count(),
	})

	s.Bus.Publish(bus.ChannelSystemInit, InitPayload{
		InstanceName: s.instanceName,
		Projects:     s.Store.Count(),
	})
	return nil
}

// Shutdown publishes the system-shutdown event, clears the agent registry,
// removes all bus subscriptions and closes the durable connection. Durable
// project records are untouched.
func (s *Session) Shutdown() error {
	s.Bus.Publish(bus.ChannelSystemShutdown, nil)
	s.Engine.Stop()
	s.Registry.Clear()
	s.Bus.Reset()

	s.logEvent("session_shutdown", nil)
	return s.Store.Close()
}

// StartWorkflow begins the named workflow for the current project.
func (s *Session) StartWorkflow(ctx context.Context, definitionName string) error {
	return s.Engine.Start(ctx, definitionName)
}

// handlePurposeSelected looks up the static purpose configuration, creates
// the project context, points the current pointer at it and asks the
// registry to instantiate one worker per required role. The session itself
// holds no state about the outcome.
func (s *Session) handlePurposeSelected(evt bus.Event) {
	payload, ok := evt.Payload.(PurposeSelectedPayload)
	if !ok {
		s.logEvent("purpose_selected_malformed", map[string]interface{}{
			"payload": fmt.Sprintf("%T", evt.Payload),
		})
		return
	}

	p, err := s.Catalog.Get(payload.PurposeID)
	if err != nil {
		s.logError("purpose lookup failed", err)
		return
	}

	ctx := s.runCtx
	proj, err := s.Store.Create(ctx, p.ID, p.Name, p.TechStack)
	if err != nil {
		s.logError("project creation failed", err)
		return
	}
	if err := s.Store.SetCurrent(ctx, proj.ID); err != nil {
		s.logError("failed to set current project", err)
		return
	}
	if payload.Message != "" {
		if err := s.Store.AppendConversation(ctx, proj.ID, "user", payload.Message, nil); err != nil {
			s.logError("failed to record originating message", err)
		}
	}

	for _, ref := range p.Roles {
		worker, err := s.workerFactory(ref.Role, ref)
		if err != nil {
			s.logError(fmt.Sprintf("worker construction failed for role %s", ref.Role), err)
			continue
		}
		if _, err := s.Registry.CreateAgent(ref.Role, registry.AgentConfig{
			PromptRef: ref.PromptRef,
			Settings:  ref.Settings,
		}, worker); err != nil {
			s.logError(fmt.Sprintf("agent creation failed for role %s", ref.Role), err)
		}
	}

	s.logEvent("purpose_selected", map[string]interface{}{
		"purpose_id": p.ID,
		"project_id": proj.ID,
		"roles":      len(p.Roles),
	})
}

// handlePivot discards the current agent set wholesale. The persisted
// project record is untouched: a pivot restarts orchestration under a
// different purpose, not the project's history.
func (s *Session) handlePivot(evt bus.Event) {
	s.Registry.Clear()
	s.logEvent("pivot", map[string]interface{}{
		"source": evt.Source,
	})
}

// logEvent logs a structured event in JSON format.
func (s *Session) logEvent(eventType string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "session"
	data["event_type"] = eventType
	data["instance"] = s.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Session] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}

func (s *Session) logError(msg string, err error) {
	s.logEvent("error", map[string]interface{}{
		"message": msg,
		"error":   err.Error(),
	})
}
