// Package purpose loads the static purpose catalog from purposes.yml. A
// purpose maps a user intent (e.g. "web app") to the ordered roles the
// session must instantiate and an opaque tech-stack descriptor. The core
// never interprets tech-stack content; it only reads role lists.
package purpose

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// RoleRef names one required role and its per-role configuration reference.
// PromptRef and Settings are opaque to the core and handed through to the
// worker factory unchanged.
type RoleRef struct {
	Role      string         `yaml:"role"`
	PromptRef string         `yaml:"prompt_ref,omitempty"`
	Settings  map[string]any `yaml:"settings,omitempty"`
}

// Purpose is one static purpose configuration record.
type Purpose struct {
	ID        string         `yaml:"-"`
	Name      string         `yaml:"name"`
	Category  string         `yaml:"category,omitempty"`
	TechStack map[string]any `yaml:"tech_stack,omitempty"`
	Roles     []RoleRef      `yaml:"roles"`
	Layout    []string       `yaml:"layout,omitempty"`
}

// Catalog is the loaded purposes.yml file.
type Catalog struct {
	Version  string              `yaml:"version"`
	Purposes map[string]*Purpose `yaml:"purposes"`
}

// Validate performs strict validation on the catalog.
func (c *Catalog) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	// Required: at least one purpose
	if len(c.Purposes) == 0 {
		return fmt.Errorf("no purposes defined")
	}

	for id, p := range c.Purposes {
		if p == nil {
			return fmt.Errorf("purpose '%s' is empty", id)
		}
		p.ID = id
		if err := p.Validate(id); err != nil {
			return err
		}
	}

	return nil
}

// Validate performs validation on a single purpose configuration.
func (p *Purpose) Validate(id string) error {
	if p.Name == "" {
		return fmt.Errorf("purpose '%s': name is required", id)
	}

	if len(p.Roles) == 0 {
		return fmt.Errorf("purpose '%s': at least one role is required", id)
	}

	seen := make(map[string]bool, len(p.Roles))
	for i, ref := range p.Roles {
		if ref.Role == "" {
			return fmt.Errorf("purpose '%s': role %d has no name", id, i)
		}
		if seen[ref.Role] {
			return fmt.Errorf("purpose '%s': duplicate role '%s'", id, ref.Role)
		}
		seen[ref.Role] = true
	}

	return nil
}

// Get returns the purpose for id.
func (c *Catalog) Get(id string) (*Purpose, error) {
	p, ok := c.Purposes[id]
	if !ok {
		return nil, fmt.Errorf("unknown purpose: %q", id)
	}
	return p, nil
}

// IDs returns all purpose ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.Purposes))
	for id := range c.Purposes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load reads and validates purposes.yml from the specified path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read purpose catalog: %w", err)
	}
	return Parse(data)
}

// Parse validates a raw purposes.yml document.
func Parse(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid purpose catalog: %w", err)
	}

	return &catalog, nil
}
