package models

import (
	"fmt"
	"strings"
)

// CrewSpec is a crew definition assembled from a crew directory.
type CrewSpec struct {
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Result      string                `yaml:"result,omitempty"` // structured result schema name
	Inputs      []string              `yaml:"inputs,omitempty"`
	Agents      map[string]*AgentSpec `yaml:"-"`
	Tasks       []*TaskSpec           `yaml:"-"`

	// Dir is the directory the crew was loaded from.
	Dir string `yaml:"-"`
	// Script is the path of workflow.lua when the crew is scripted.
	Script string `yaml:"-"`
}

// Task returns the named task or nil.
func (c *CrewSpec) Task(name string) *TaskSpec {
	for _, t := range c.Tasks {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// AgentSpec describes a capability agent. It is immutable once loaded.
type AgentSpec struct {
	Name          string   `yaml:"-"`
	Role          string   `yaml:"role"`
	Goal          string   `yaml:"goal"`
	Backstory     string   `yaml:"backstory"`
	Tools         []string `yaml:"tools,omitempty"`
	MaxIterations int      `yaml:"max_iterations,omitempty"`
}

// Persona renders the agent as a system prompt.
func (a *AgentSpec) Persona() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", strings.TrimSpace(a.Role))
	if goal := strings.TrimSpace(a.Goal); goal != "" {
		fmt.Fprintf(&b, "Your personal goal is: %s\n", goal)
	}
	if backstory := strings.TrimSpace(a.Backstory); backstory != "" {
		fmt.Fprintf(&b, "%s\n", backstory)
	}
	return b.String()
}

// TaskSpec is one unit of work bound to an agent.
type TaskSpec struct {
	Name           string   `yaml:"-"`
	Description    string   `yaml:"description"`
	ExpectedOutput string   `yaml:"expected_output"`
	Agent          string   `yaml:"agent"`
	Context        []string `yaml:"context,omitempty"`
	OutputSchema   string   `yaml:"output_schema,omitempty"`

	// ExplicitContext is false when Context was inferred from declaration order.
	ExplicitContext bool `yaml:"-"`
}
