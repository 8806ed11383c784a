package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func def(name string, deps ...string) *Definition {
	return &Definition{Name: name, Dependencies: deps}
}

func TestBuildCollectsTransitiveClosure(t *testing.T) {
	all := map[string]*Definition{
		"deploy":  def("deploy", "build", "test"),
		"build":   def("build", "compile"),
		"test":    def("test", "compile"),
		"compile": def("compile"),
		"unused":  def("unused"),
	}

	d, err := Build(all, []string{"deploy"})
	require.NoError(t, err)
	assert.Len(t, d.Nodes(), 4)
	assert.NotContains(t, d.Nodes(), "unused")
}

func TestBuildRejectsCycle(t *testing.T) {
	all := map[string]*Definition{
		"a": def("a", "b"),
		"b": def("b", "a"),
	}
	_, err := Build(all, []string{"a"})
	require.Error(t, err)
}

func TestBuildRejectsUnknownRequestedTask(t *testing.T) {
	all := map[string]*Definition{"a": def("a")}
	_, err := Build(all, []string{"missing"})
	require.Error(t, err)
}

func TestLevelsPlacesDependenciesFirst(t *testing.T) {
	all := map[string]*Definition{
		"deploy":  def("deploy", "build", "test"),
		"build":   def("build", "compile"),
		"test":    def("test", "compile"),
		"compile": def("compile"),
	}

	d, err := Build(all, []string{"deploy"})
	require.NoError(t, err)

	levels := d.Levels()
	require.Len(t, levels, 3)

	names := func(level []*Definition) []string {
		out := make([]string, len(level))
		for i, def := range level {
			out[i] = def.Name
		}
		return out
	}

	assert.Equal(t, []string{"compile"}, names(levels[0]))
	assert.ElementsMatch(t, []string{"build", "test"}, names(levels[1]))
	assert.Equal(t, []string{"deploy"}, names(levels[2]))
}

func TestDependentsReturnsDirectDependentsOnly(t *testing.T) {
	all := map[string]*Definition{
		"deploy":  def("deploy", "build", "test"),
		"build":   def("build", "compile"),
		"test":    def("test", "compile"),
		"compile": def("compile"),
	}
	d, err := Build(all, []string{"deploy"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"build", "test"}, d.Dependents("compile"))
	assert.Equal(t, []string{"deploy"}, d.Dependents("build"))
	assert.Empty(t, d.Dependents("deploy"))
}

func TestRootsReturnsTasksWithNoDependencies(t *testing.T) {
	all := map[string]*Definition{
		"deploy":  def("deploy", "build"),
		"build":   def("build", "compile"),
		"compile": def("compile"),
	}
	d, err := Build(all, []string{"deploy"})
	require.NoError(t, err)

	assert.Equal(t, []string{"compile"}, d.Roots())
}

func TestLevelsHandlesIndependentTasks(t *testing.T) {
	all := map[string]*Definition{
		"a": def("a"),
		"b": def("b"),
	}
	d, err := Build(all, []string{"a", "b"})
	require.NoError(t, err)

	levels := d.Levels()
	require.Len(t, levels, 1)
	assert.Len(t, levels[0], 2)
}
