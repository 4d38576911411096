// Package workflow holds named ordered phase lists and the engine that
// advances a project through them. The engine emits a phase's declared
// start-event when the phase begins and reacts to its declared
// complete-event, updating the project store's status and phase records as
// it goes. Phase transitions only ever move forward along the declared
// next-phase chain; there is no backward transition, retry or skip.
package workflow

import (
	"fmt"

	"github.com/atelierhq/atelier/pkg/bus"
)

// DefaultDefinitionName is the name of the built-in six-phase workflow.
const DefaultDefinitionName = "standard"

// PhaseSpec declares one phase of a workflow definition.
//
// Parallel marks phases where multiple roles are logically attached to the
// same phase name. The engine performs no fan-out or join for them: the
// collaborator responsible for the phase aggregates all role outputs and
// publishes exactly one complete-event (see Join).
type PhaseSpec struct {
	Name            string   `yaml:"name"`
	Roles           []string `yaml:"roles"`
	StartChannel    string   `yaml:"start_channel,omitempty"`
	CompleteChannel string   `yaml:"complete_channel,omitempty"`
	Next            string   `yaml:"next,omitempty"`
	Parallel        bool     `yaml:"parallel,omitempty"`
}

// Definition is a named, ordered list of phase specs describing a full run
// from first to terminal phase.
type Definition struct {
	Name   string      `yaml:"name"`
	Phases []PhaseSpec `yaml:"phases"`
}

// Validate checks the definition and fills in derived start/complete
// channel names for phases that do not declare them.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name cannot be empty")
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("workflow %q has no phases", d.Name)
	}

	names := make(map[string]bool, len(d.Phases))
	for i := range d.Phases {
		phase := &d.Phases[i]
		if phase.Name == "" {
			return fmt.Errorf("workflow %q: phase %d has no name", d.Name, i)
		}
		if names[phase.Name] {
			return fmt.Errorf("workflow %q: duplicate phase name %q", d.Name, phase.Name)
		}
		names[phase.Name] = true

		if phase.StartChannel == "" {
			phase.StartChannel = bus.PhaseStartChannel(phase.Name)
		}
		if phase.CompleteChannel == "" {
			phase.CompleteChannel = bus.PhaseCompleteChannel(phase.Name)
		}
	}

	for _, phase := range d.Phases {
		if phase.Next == "" {
			continue
		}
		if phase.Next == phase.Name {
			return fmt.Errorf("workflow %q: phase %q points at itself", d.Name, phase.Name)
		}
		if !names[phase.Next] {
			return fmt.Errorf("workflow %q: phase %q declares unknown next phase %q", d.Name, phase.Name, phase.Next)
		}
	}

	return nil
}

// Phase returns the spec for the named phase.
func (d *Definition) Phase(name string) (PhaseSpec, bool) {
	for _, phase := range d.Phases {
		if phase.Name == name {
			return phase, true
		}
	}
	return PhaseSpec{}, false
}

// DefaultDefinition returns the built-in workflow:
// requirements → architecture → development → testing → devops →
// documentation. Development is a parallel phase served by the frontend and
// backend roles together.
func DefaultDefinition() Definition {
	return Definition{
		Name: DefaultDefinitionName,
		Phases: []PhaseSpec{
			{Name: "requirements", Roles: []string{"requirements"}, Next: "architecture"},
			{Name: "architecture", Roles: []string{"architect"}, Next: "development"},
			{Name: "development", Roles: []string{"frontend", "backend"}, Next: "testing", Parallel: true},
			{Name: "testing", Roles: []string{"tester"}, Next: "devops"},
			{Name: "devops", Roles: []string{"devops"}, Next: "documentation"},
			{Name: "documentation", Roles: []string{"documentation"}},
		},
	}
}
