package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentloom/pkg/schema"
)

func node(id string, depends ...string) Node {
	return Node{ID: id, Run: ok(nil), DependsOn: depends}
}

func TestBuildGraph_IndexesDependents(t *testing.T) {
	g, err := buildGraph([]Node{node("a"), node("b", "a"), node("c", "a")})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, g.order)
	assert.Equal(t, []string{"b", "c"}, g.dependents["a"])
	assert.Equal(t, []string{"a"}, g.deps["b"])
	assert.Equal(t, []string{"a", "b", "c"}, g.sorted)
}

func TestBuildGraph_Ready(t *testing.T) {
	g, err := buildGraph([]Node{node("a"), node("b"), node("c", "a", "b")})
	require.NoError(t, err)

	assert.True(t, g.ready("a", nil))
	assert.False(t, g.ready("c", map[string]bool{"a": true}))
	assert.True(t, g.ready("c", map[string]bool{"a": true, "b": true}))
}

func TestBuildGraph_DuplicateDependency(t *testing.T) {
	_, err := buildGraph([]Node{node("a"), node("b", "a", "a")})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestBuildGraph_CycleReportsStuckNodes(t *testing.T) {
	_, err := buildGraph([]Node{node("free"), node("x", "y"), node("y", "x")})
	require.Error(t, err)

	var ae *schema.AgentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeCycleDetected, ae.Code)
	assert.Equal(t, []string{"x", "y"}, ae.Details["nodes"])
}

func TestBuildPlan_Levels(t *testing.T) {
	p, err := BuildPlan([]Node{
		node("fetch"),
		node("lint", "fetch"),
		node("test", "fetch"),
		node("package", "lint", "test"),
		node("notes"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch", "notes"}, p.Roots)
	assert.Equal(t, [][]string{{"fetch", "notes"}, {"lint", "test"}, {"package"}}, p.Levels)
	assert.Len(t, p.Sorted, 5)
}

func TestBuildPlan_Empty(t *testing.T) {
	p, err := BuildPlan(nil)
	require.NoError(t, err)
	assert.Empty(t, p.Sorted)
	assert.Empty(t, p.Levels)
}
