// Package project provides type-safe definitions and the store for Atelier
// project contexts. A project context is the complete mutable state of one
// orchestrated run: status, per-phase records, artifacts, conversation log
// and free-form metadata. The in-memory map is the single source of truth
// during a run; Redis holds a durable mirror used to reseed memory on
// startup.
//
// All Redis keys are namespaced by instance name to enable multiple Atelier
// instances to safely coexist on a single Redis server.
package project

import (
	"fmt"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a project. There is exactly one status
// per built-in phase name; status is always derived from the current phase
// via StatusForPhase, never set independently of it.
type Status string

const (
	// StatusInitializing is the status of a freshly created project, before
	// any workflow has started.
	StatusInitializing Status = "initializing"

	StatusGatheringRequirements Status = "gathering_requirements"
	StatusDesigningArchitecture Status = "designing_architecture"
	StatusGeneratingCode        Status = "generating_code"
	StatusTesting               Status = "testing"
	StatusConfiguringDevops     Status = "configuring_devops"
	StatusWritingDocumentation  Status = "writing_documentation"

	// StatusCompleted and StatusFailed are terminal.
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// phaseStatuses is the fixed phase-name → project-status lookup for the
// built-in workflow phases.
var phaseStatuses = map[string]Status{
	"requirements":  StatusGatheringRequirements,
	"architecture":  StatusDesigningArchitecture,
	"development":   StatusGeneratingCode,
	"testing":       StatusTesting,
	"devops":        StatusConfiguringDevops,
	"documentation": StatusWritingDocumentation,
}

// StatusForPhase maps a phase name to the project status that represents it
// being in progress. Phases of custom workflow definitions that have no
// fixed mapping use the phase name itself, so arbitrary registered
// workflows keep the status-follows-phase invariant.
func StatusForPhase(phase string) Status {
	if s, ok := phaseStatuses[phase]; ok {
		return s
	}
	return Status(phase)
}

// PhaseStatus is the lifecycle state of a single phase record.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
)

// Validate checks if the PhaseStatus is a valid enum value.
func (ps PhaseStatus) Validate() error {
	switch ps {
	case PhasePending, PhaseInProgress, PhaseCompleted, PhaseFailed:
		return nil
	default:
		return fmt.Errorf("unknown phase status: %q", ps)
	}
}

// PhaseRecord tracks one named phase of a project's workflow run.
type PhaseRecord struct {
	Name          string         `json:"name"`
	Status        PhaseStatus    `json:"status"`
	StartedAtMs   int64          `json:"started_at_ms,omitempty"`
	CompletedAtMs int64          `json:"completed_at_ms,omitempty"`
	Result        any            `json:"result,omitempty"`
	Artifacts     map[string]any `json:"artifacts,omitempty"`
}

// ConversationEntry is one message in a project's ordered conversation log.
type ConversationEntry struct {
	TimestampMs int64          `json:"timestamp_ms"`
	Role        string         `json:"role"`
	Text        string         `json:"text"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Project is the complete mutable state of one orchestrated run.
// The tech stack descriptor is opaque to the core: it is carried and
// persisted but never interpreted.
type Project struct {
	ID           string                  `json:"id"`
	PurposeID    string                  `json:"purpose_id"`
	PurposeName  string                  `json:"purpose_name"`
	TechStack    map[string]any          `json:"tech_stack,omitempty"`
	Status       Status                  `json:"status"`
	Phases       map[string]*PhaseRecord `json:"phases"`
	Artifacts    map[string]any          `json:"artifacts"`
	Conversation []ConversationEntry     `json:"conversation"`
	Metadata     map[string]any          `json:"metadata"`
	CreatedAtMs  int64                   `json:"created_at_ms"`
	UpdatedAtMs  int64                   `json:"updated_at_ms"`
}

// Validate checks if the Project has valid field values.
func (p *Project) Validate() error {
	if !isValidUUID(p.ID) {
		return fmt.Errorf("invalid project ID: not a valid UUID")
	}

	if p.PurposeID == "" {
		return fmt.Errorf("purpose_id cannot be empty")
	}

	if p.Status == "" {
		return fmt.Errorf("status cannot be empty")
	}

	for name, record := range p.Phases {
		if record == nil {
			return fmt.Errorf("phase %q has nil record", name)
		}
		if record.Name != name {
			return fmt.Errorf("phase record name %q does not match key %q", record.Name, name)
		}
		if err := record.Status.Validate(); err != nil {
			return fmt.Errorf("phase %q: %w", name, err)
		}
	}

	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
