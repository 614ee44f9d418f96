package spec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/crew/internal/graph"
	"github.com/mpataki/crew/internal/models"
)

const (
	crewFile   = "crew.yaml"
	agentsFile = "agents.yaml"
	tasksFile  = "tasks.yaml"
	scriptFile = "workflow.lua"
)

// Parse loads a crew from its directory. crew.yaml is optional; agents.yaml
// is required; tasks.yaml is required unless the crew ships workflow.lua.
func Parse(dir string) (*models.CrewSpec, error) {
	crew := &models.CrewSpec{Dir: dir}

	if err := readYAML(filepath.Join(dir, crewFile), crew); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if crew.Name == "" {
		crew.Name = filepath.Base(dir)
	}

	agents, err := parseAgents(filepath.Join(dir, agentsFile))
	if err != nil {
		return nil, err
	}
	crew.Agents = agents

	script := filepath.Join(dir, scriptFile)
	if _, err := os.Stat(script); err == nil {
		crew.Script = script
	}

	tasks, err := parseTasks(filepath.Join(dir, tasksFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || crew.Script == "" {
			return nil, fmt.Errorf("failed to load tasks: %w", err)
		}
	}
	crew.Tasks = tasks

	return crew, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func parseAgents(path string) (map[string]*models.AgentSpec, error) {
	agents := make(map[string]*models.AgentSpec)
	if err := readYAML(path, &agents); err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	for name, agent := range agents {
		if agent == nil {
			return nil, fmt.Errorf("agent %q has no definition", name)
		}
		agent.Name = name
	}
	return agents, nil
}

// parseTasks walks the mapping node directly so declaration order survives;
// tasks without a context key consume the output of the task before them.
func parseTasks(path string) ([]*models.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s: expected a mapping of task name to task", path)
	}

	var tasks []*models.TaskSpec
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]

		var task models.TaskSpec
		if err := value.Decode(&task); err != nil {
			return nil, fmt.Errorf("%s: task %q: %w", path, key.Value, err)
		}
		task.Name = key.Value
		task.ExplicitContext = hasKey(value, "context")

		if !task.ExplicitContext && len(tasks) > 0 {
			task.Context = []string{tasks[len(tasks)-1].Name}
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

func hasKey(node *yaml.Node, key string) bool {
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

// LoadAll loads every crew directory found under dirs. Earlier directories
// win when two crews share a name.
func LoadAll(dirs []string) (map[string]*models.CrewSpec, error) {
	crews := make(map[string]*models.CrewSpec)

	for _, dir := range dirs {
		if err := loadFromDir(dir, crews); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return crews, nil
}

func loadFromDir(dir string, crews map[string]*models.CrewSpec) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(path, agentsFile)); err != nil {
			continue
		}

		crew, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if _, exists := crews[crew.Name]; exists {
			continue
		}
		crews[crew.Name] = crew
	}

	return nil
}

func Validate(crew *models.CrewSpec) error {
	if crew.Name == "" {
		return fmt.Errorf("crew must have a name")
	}

	if len(crew.Agents) == 0 {
		return fmt.Errorf("crew must define at least one agent")
	}

	for name, agent := range crew.Agents {
		if agent.Role == "" {
			return fmt.Errorf("agent %q must have a role", name)
		}
		if agent.MaxIterations < 0 {
			return fmt.Errorf("agent %q: max_iterations must not be negative", name)
		}
	}

	if crew.Result != "" {
		if _, ok := models.NewResult(crew.Result); !ok {
			return fmt.Errorf("unknown result schema %q (known: %v)", crew.Result, models.ResultSchemas())
		}
	}

	if crew.Script != "" && len(crew.Tasks) == 0 {
		return nil
	}

	if len(crew.Tasks) == 0 {
		return fmt.Errorf("crew must define at least one task")
	}

	for _, t := range crew.Tasks {
		if t.Description == "" {
			return fmt.Errorf("task %q must have a description", t.Name)
		}
		if t.Agent == "" {
			return fmt.Errorf("task %q must have an agent", t.Name)
		}
		if _, ok := crew.Agents[t.Agent]; !ok {
			return fmt.Errorf("task %q: agent %q not found in agents", t.Name, t.Agent)
		}
		if t.OutputSchema != "" {
			if _, ok := models.NewResult(t.OutputSchema); !ok {
				return fmt.Errorf("task %q: unknown output schema %q", t.Name, t.OutputSchema)
			}
		}
	}

	g := graph.New()
	if err := g.Build(crew.Tasks); err != nil {
		return fmt.Errorf("invalid task graph: %w", err)
	}
	if crew.Result != "" {
		if final := g.Terminal(); len(final) != 1 {
			return fmt.Errorf("result %q needs exactly one final task, found %v", crew.Result, final)
		}
	}

	return nil
}
