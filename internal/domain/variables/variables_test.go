package variables

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"taskrunner/internal/domain/task"
)

func TestExtractUniqueInOrder(t *testing.T) {
	names := Extract([]string{
		"Open {BASE_URL}/login",
		"Type {USERNAME} then {PASSWORD}",
		"Confirm {USERNAME} on {BASE_URL}",
		"Ignore {lower} and {9LIVES} and {A-B}",
	})
	require.Equal(t, []string{"BASE_URL", "USERNAME", "PASSWORD"}, names)
	require.Empty(t, Extract(nil))
}

func TestInterpolateKnownAndUnknown(t *testing.T) {
	in := []string{"Open {BASE_URL}", "Hello {WHO} and {WHO}", "{UNSET} stays"}
	out := Interpolate(in, Values{"BASE_URL": "https://x.test", "WHO": "bob"})

	require.Equal(t, []string{"Open https://x.test", "Hello bob and bob", "{UNSET} stays"}, out)
	require.Equal(t, "Open {BASE_URL}", in[0], "input must not be mutated")
}

func TestInterpolateIdempotentWithoutTokens(t *testing.T) {
	in := []string{"plain", "braces {not_a_var}"}
	once := Interpolate(in, Values{"X": "y"})
	require.Equal(t, in, once)
	require.Equal(t, once, Interpolate(once, Values{"X": "y"}))
}

func TestInterpolateToolUseOnlyStrings(t *testing.T) {
	tu := &task.ToolUse{Tool: "js_inspector", Arguments: map[string]any{
		"code":    "document.title === '{TITLE}'",
		"timeout": 5,
		"nested":  map[string]any{"x": "{TITLE}"},
	}}
	out := InterpolateToolUse(tu, Values{"TITLE": "Home"})

	require.Equal(t, "document.title === 'Home'", out.Arguments["code"])
	require.Equal(t, 5, out.Arguments["timeout"])
	require.Equal(t, map[string]any{"x": "{TITLE}"}, out.Arguments["nested"])
	require.Equal(t, "document.title === '{TITLE}'", tu.Arguments["code"])
	require.Nil(t, InterpolateToolUse(nil, nil))
}

func TestMissingTreatsBlankAsMissing(t *testing.T) {
	tk := task.Task{
		ID:           "t1",
		Instructions: []string{"Log in as {USER} with {PASS}"},
		ToolUse:      &task.ToolUse{Tool: "js_inspector", Arguments: map[string]any{"code": "{SELECTOR}"}},
	}
	missing := Missing(tk, Values{"USER": "alice", "PASS": "   "})
	require.Equal(t, []string{"PASS", "SELECTOR"}, missing)
}

func TestValidateAcrossTasks(t *testing.T) {
	tasks := []task.Task{
		{ID: "a", Instructions: []string{"{A} {B}"}},
		{ID: "b", Instructions: []string{"{B} {C}"}},
	}
	err := Validate(tasks, Values{"A": "1"})

	var missingErr *MissingError
	require.True(t, errors.As(err, &missingErr))
	require.Equal(t, []string{"B", "C"}, missingErr.Names)
	require.Contains(t, err.Error(), "B, C")

	require.NoError(t, Validate(tasks, Values{"A": "1", "B": "2", "C": "3"}))
}

func TestParseAndLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vars.yaml")
	require.NoError(t, os.WriteFile(path, []byte("BASE_URL: https://example.test\nRETRIES: 3\nEMPTY: \"\"\n"), 0o600))

	vals, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, Values{"BASE_URL": "https://example.test", "RETRIES": "3", "EMPTY": ""}, vals)

	_, err = Parse([]byte("lower_case: x\n"))
	require.Error(t, err)

	_, err = Parse([]byte("- a\n- b\n"))
	require.Error(t, err)

	vals, err = Parse(nil)
	require.NoError(t, err)
	require.Empty(t, vals)
}

func TestParseAssignmentsAndMerge(t *testing.T) {
	vals, err := ParseAssignments([]string{"USER=alice", "URL=https://a.test/?q=1"})
	require.NoError(t, err)
	require.Equal(t, "https://a.test/?q=1", vals["URL"])

	_, err = ParseAssignments([]string{"novalue"})
	require.Error(t, err)

	merged := Merge(Values{"USER": "file", "X": "1"}, vals)
	require.Equal(t, "alice", merged["USER"])
	require.Equal(t, "1", merged["X"])
}
