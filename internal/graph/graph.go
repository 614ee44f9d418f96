// Package graph provides the dependency graph that orders crew tasks.
package graph

import (
	"errors"
	"fmt"

	"github.com/mpataki/crew/internal/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of tasks. Edges point from a
// task to the tasks whose output it consumes.
type DependencyGraph struct {
	// order keeps declaration order so sorting is deterministic.
	order []string
	nodes map[string]*models.TaskSpec
	edges map[string][]string
}

func New() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*models.TaskSpec),
		edges: make(map[string][]string),
	}
}

// Build constructs the graph from tasks in declaration order.
// Returns an error if a cycle is detected or dependencies reference unknown tasks.
func (g *DependencyGraph) Build(tasks []*models.TaskSpec) error {
	for _, task := range tasks {
		if _, dup := g.nodes[task.Name]; dup {
			return fmt.Errorf("duplicate task %q", task.Name)
		}
		g.order = append(g.order, task.Name)
		g.nodes[task.Name] = task
		g.edges[task.Name] = nil
	}

	for _, task := range tasks {
		for _, dep := range task.Context {
			if _, exists := g.nodes[dep]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.Name, dep)
			}
			if dep == task.Name {
				return fmt.Errorf("task %s depends on itself: %w", task.Name, ErrCycleDetected)
			}
			g.edges[task.Name] = append(g.edges[task.Name], dep)
		}
	}

	if g.HasCycle() {
		return ErrCycleDetected
	}
	return nil
}

// HasCycle uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) HasCycle() bool {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for _, id := range g.order {
		if colors[id] == white && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns task names so that every task follows its
// dependencies. Independent tasks keep their declaration order.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	if g.HasCycle() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.edges[id] {
			visit(dep)
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}

// Dependencies returns the direct upstream tasks of name.
func (g *DependencyGraph) Dependencies(name string) []string {
	return g.edges[name]
}

// Task returns the task registered under name.
func (g *DependencyGraph) Task(name string) *models.TaskSpec {
	return g.nodes[name]
}

// Ready reports whether all dependencies of name are in done.
func (g *DependencyGraph) Ready(name string, done map[string]bool) bool {
	for _, dep := range g.edges[name] {
		if !done[dep] {
			return false
		}
	}
	return true
}

// Terminal returns tasks no other task depends on, in declaration order.
func (g *DependencyGraph) Terminal() []string {
	consumed := make(map[string]bool)
	for _, deps := range g.edges {
		for _, dep := range deps {
			consumed[dep] = true
		}
	}
	var out []string
	for _, id := range g.order {
		if !consumed[id] {
			out = append(out, id)
		}
	}
	return out
}
