// Package pipeline resolves a stage's status string to its owning pipeline
// phase and exposes the phase's skill/resolver dispatch, mirroring §4.5 of
// the orchestrator design: the core never enforces transition legality at
// the file level, it only resolves "what status am I in, and what runs
// next."
package pipeline

import (
	"fmt"
	"strings"
)

// ReservedStatuses are the two phase-less statuses every pipeline carries
// implicitly: the status a stage starts in, and the status that marks it
// done.
var ReservedStatuses = map[string]bool{
	"Not Started": true,
	"Complete":    true,
}

// Phase is one named node in the pipeline configuration.
type Phase struct {
	Name          string   `yaml:"name" mapstructure:"name"`
	Status        string   `yaml:"status" mapstructure:"status"`
	Skill         string   `yaml:"skill,omitempty" mapstructure:"skill"`
	Resolver      string   `yaml:"resolver,omitempty" mapstructure:"resolver"`
	TransitionsTo []string `yaml:"transitions_to,omitempty" mapstructure:"transitions_to"`
	EntryPhase    bool     `yaml:"-" mapstructure:"-"`
}

// IsResolver reports whether this phase's transition is computed by a pure
// function rather than a worker session.
func (p Phase) IsResolver() bool {
	return p.Resolver != ""
}

// Config is an ordered, named list of phases plus free-form defaults, as
// read from workflow.yaml.
type Config struct {
	EntryPhase string            `yaml:"entry_phase" mapstructure:"entry_phase"`
	Phases     []Phase           `yaml:"phases" mapstructure:"phases"`
	Defaults   map[string]string `yaml:"defaults" mapstructure:"defaults"`
}

// Validate checks the structural rules from §6: each phase has exactly one
// of skill/resolver, no phase claims a reserved status, and entry_phase
// names a configured phase.
func (c *Config) Validate() error {
	if len(c.Phases) == 0 {
		return fmt.Errorf("pipeline: no phases configured")
	}

	seenNames := make(map[string]bool, len(c.Phases))
	seenStatuses := make(map[string]bool, len(c.Phases))
	foundEntry := false

	for _, p := range c.Phases {
		if p.Name == "" {
			return fmt.Errorf("pipeline: phase with empty name")
		}
		if seenNames[p.Name] {
			return fmt.Errorf("pipeline: duplicate phase name %q", p.Name)
		}
		seenNames[p.Name] = true

		if p.Status == "" {
			return fmt.Errorf("pipeline: phase %q has no status", p.Name)
		}
		if ReservedStatuses[p.Status] {
			return fmt.Errorf("pipeline: phase %q uses reserved status %q", p.Name, p.Status)
		}
		if seenStatuses[p.Status] {
			return fmt.Errorf("pipeline: duplicate phase status %q", p.Status)
		}
		seenStatuses[p.Status] = true

		if (p.Skill == "") == (p.Resolver == "") {
			return fmt.Errorf("pipeline: phase %q must set exactly one of skill or resolver", p.Name)
		}

		if p.Name == c.EntryPhase {
			foundEntry = true
		}
	}

	if c.EntryPhase == "" {
		return fmt.Errorf("pipeline: entry_phase is required")
	}
	if !foundEntry {
		return fmt.Errorf("pipeline: entry_phase %q does not name a configured phase", c.EntryPhase)
	}

	return nil
}

// Entry returns the phase marked as the entry point for newly onboarded
// stages.
func (c *Config) Entry() (Phase, error) {
	for _, p := range c.Phases {
		if p.Name == c.EntryPhase {
			return p, nil
		}
	}
	return Phase{}, fmt.Errorf("pipeline: entry phase %q not found", c.EntryPhase)
}

// Resolve returns the phase whose status matches the given stage status
// string. Reserved statuses ("Not Started", "Complete") and statuses that
// match no configured phase return ok=false; the caller treats that as
// "uncategorised" per §4.5.
func (c *Config) Resolve(status string) (Phase, bool) {
	if ReservedStatuses[status] {
		return Phase{}, false
	}
	for _, p := range c.Phases {
		if p.Status == status {
			return p, true
		}
	}
	return Phase{}, false
}

// LookupSkill returns the skill name that should execute the given status,
// or ok=false if the phase is a resolver phase (or unmatched), signalling
// "run a resolver instead" to the orchestration loop.
func (c *Config) LookupSkill(status string) (skill string, ok bool) {
	phase, found := c.Resolve(status)
	if !found || phase.IsResolver() {
		return "", false
	}
	return phase.Skill, true
}

// ResolverPhases returns every configured phase whose transition is
// computed by a resolver, in configured order.
func (c *Config) ResolverPhases() []Phase {
	out := make([]Phase, 0, len(c.Phases))
	for _, p := range c.Phases {
		if p.IsResolver() {
			out = append(out, p)
		}
	}
	return out
}

// MatchesNameFold reports whether phase.Name equals want case-insensitively.
func MatchesNameFold(phase Phase, want string) bool {
	return strings.EqualFold(phase.Name, want)
}

// NameContainsFold reports whether phase.Name contains substr, case
// insensitively. Used by the priority scorer to match phase-name families
// like "manual" or "automatic" without hardcoding every phase name.
func NameContainsFold(phase Phase, substr string) bool {
	return strings.Contains(strings.ToLower(phase.Name), strings.ToLower(substr))
}
