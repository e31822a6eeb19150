package refresolver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_WholeValuePreservesType(t *testing.T) {
	pad := Scratchpad{"input": map[string]interface{}{"items": []interface{}{1, 2, 3}}}

	v, err := Resolve(pad, "@input")
	require.NoError(t, err)
	require.IsType(t, map[string]interface{}{}, v)
}

func TestResolve_PathNavigation(t *testing.T) {
	pad := Scratchpad{
		"step1": map[string]interface{}{"ok": true, "n": float64(2)},
	}
	v, err := Resolve(pad, "@step1.n")
	require.NoError(t, err)
	require.Equal(t, float64(2), v)
}

func TestResolve_ArrayIndex(t *testing.T) {
	pad := Scratchpad{"input": map[string]interface{}{"items": []interface{}{"a", "b", "c"}}}
	v, err := Resolve(pad, "@input.items.1")
	require.NoError(t, err)
	require.Equal(t, "b", v)
}

func TestResolve_UnknownHeadIsFatal(t *testing.T) {
	_, err := Resolve(Scratchpad{}, "@nope.field")
	require.Error(t, err)
	var re *ResolutionError
	require.ErrorAs(t, err, &re)
}

func TestResolve_OutOfRangeIndexIsFatal(t *testing.T) {
	pad := Scratchpad{"input": map[string]interface{}{"items": []interface{}{"a"}}}
	_, err := Resolve(pad, "@input.items.5")
	require.Error(t, err)
}

func TestIsReference_OnlyWholeStringsMatch(t *testing.T) {
	require.True(t, IsReference("@step1.output"))
	require.False(t, IsReference("prefix @step1.output"))
	require.False(t, IsReference("@step1.output suffix"))
	require.False(t, IsReference("plain string"))
}

func TestSubstitute_DeepWalkAndLiteralPreservation(t *testing.T) {
	pad := Scratchpad{
		"input": map[string]interface{}{"name": "alice"},
		"item":  "widget",
		"index": float64(3),
	}
	tree := map[string]interface{}{
		"greeting": "hello @item this is literal",
		"target":   "@input",
		"nested":   []interface{}{"@item", "@index", "plain"},
	}

	out, err := Substitute(pad, tree)
	require.NoError(t, err)
	m := out.(map[string]interface{})
	require.Equal(t, "hello @item this is literal", m["greeting"])
	require.Equal(t, map[string]interface{}{"name": "alice"}, m["target"])

	nested := m["nested"].([]interface{})
	require.Equal(t, "widget", nested[0])
	require.Equal(t, float64(3), nested[1])
	require.Equal(t, "plain", nested[2])
}
