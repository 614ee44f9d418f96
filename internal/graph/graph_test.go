package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/models"
)

func task(name string, deps ...string) *models.TaskSpec {
	return &models.TaskSpec{Name: name, Agent: "a", Context: deps}
}

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestTopologicalSortRespectsDependencies(t *testing.T) {
	g := New()
	require.NoError(t, g.Build([]*models.TaskSpec{
		task("report", "analyze", "research"),
		task("research"),
		task("analyze", "research"),
		task("review", "report"),
	}))

	order, err := g.TopologicalSort()
	require.NoError(t, err)
	require.Len(t, order, 4)

	for _, name := range order {
		for _, dep := range g.Dependencies(name) {
			assert.Less(t, indexOf(order, dep), indexOf(order, name), "%s must run before %s", dep, name)
		}
	}
	assert.Equal(t, []string{"research", "analyze", "report", "review"}, order)
}

func TestTopologicalSortKeepsDeclarationOrder(t *testing.T) {
	g := New()
	require.NoError(t, g.Build([]*models.TaskSpec{task("c"), task("a"), task("b")}))

	order, err := g.TopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestBuildDetectsCycle(t *testing.T) {
	g := New()
	err := g.Build([]*models.TaskSpec{
		task("a", "c"),
		task("b", "a"),
		task("c", "b"),
	})
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestBuildSelfDependency(t *testing.T) {
	err := New().Build([]*models.TaskSpec{task("a", "a")})
	assert.ErrorIs(t, err, ErrCycleDetected)
}

func TestBuildUnknownDependency(t *testing.T) {
	err := New().Build([]*models.TaskSpec{task("a", "ghost")})
	assert.ErrorContains(t, err, "unknown task ghost")
}

func TestBuildDuplicateTask(t *testing.T) {
	err := New().Build([]*models.TaskSpec{task("a"), task("a")})
	assert.ErrorContains(t, err, "duplicate")
}

func TestReadyAndTerminal(t *testing.T) {
	g := New()
	require.NoError(t, g.Build([]*models.TaskSpec{
		task("a"),
		task("b", "a"),
		task("c", "a"),
	}))

	assert.True(t, g.Ready("a", nil))
	assert.False(t, g.Ready("b", map[string]bool{}))
	assert.True(t, g.Ready("b", map[string]bool{"a": true}))
	assert.Equal(t, []string{"b", "c"}, g.Terminal())
}
