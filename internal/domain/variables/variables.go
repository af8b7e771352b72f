// Package variables handles {NAME} placeholders in task instructions and
// tool arguments.
package variables

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"taskrunner/internal/domain/task"
)

// Values maps placeholder names to their substitution text.
type Values map[string]string

var tokenPattern = regexp.MustCompile(`\{([A-Z_][A-Z0-9_]*)\}`)

// ExtractString returns the unique placeholder names in s in first-seen order.
func ExtractString(s string) []string {
	return appendNames(nil, map[string]struct{}{}, s)
}

// Extract returns the unique placeholder names across instructions.
func Extract(instructions []string) []string {
	seen := map[string]struct{}{}
	var names []string
	for _, line := range instructions {
		names = appendNames(names, seen, line)
	}
	return names
}

// ExtractTask returns the names referenced by the instructions and by the
// string-valued tool arguments of t. Argument keys are visited in sorted
// order so the result is stable.
func ExtractTask(t task.Task) []string {
	seen := map[string]struct{}{}
	var names []string
	for _, line := range t.Instructions {
		names = appendNames(names, seen, line)
	}
	if t.ToolUse != nil {
		for _, key := range sortedKeys(t.ToolUse.Arguments) {
			if s, ok := t.ToolUse.Arguments[key].(string); ok {
				names = appendNames(names, seen, s)
			}
		}
	}
	return names
}

func appendNames(names []string, seen map[string]struct{}, s string) []string {
	for _, match := range tokenPattern.FindAllStringSubmatch(s, -1) {
		name := match[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// InterpolateString replaces every {NAME} that has an entry in vals.
// Unknown names are left verbatim.
func InterpolateString(s string, vals Values) string {
	if len(vals) == 0 || !strings.Contains(s, "{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := token[1 : len(token)-1]
		if v, ok := vals[name]; ok {
			return v
		}
		return token
	})
}

// Interpolate applies InterpolateString to each instruction. The input
// slice is not modified.
func Interpolate(instructions []string, vals Values) []string {
	if instructions == nil {
		return nil
	}
	out := make([]string, len(instructions))
	for i, line := range instructions {
		out[i] = InterpolateString(line, vals)
	}
	return out
}

// InterpolateToolUse returns a copy of tu with string arguments interpolated.
// Non-string arguments are carried over unchanged.
func InterpolateToolUse(tu *task.ToolUse, vals Values) *task.ToolUse {
	out := tu.Clone()
	if out == nil {
		return nil
	}
	for key, value := range out.Arguments {
		if s, ok := value.(string); ok {
			out.Arguments[key] = InterpolateString(s, vals)
		}
	}
	return out
}

// Missing returns the names t references that have no entry in vals or whose
// value is blank.
func Missing(t task.Task, vals Values) []string {
	var missing []string
	for _, name := range ExtractTask(t) {
		if strings.TrimSpace(vals[name]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// MissingAll is Missing across tasks, deduplicated in first-seen order.
func MissingAll(tasks []task.Task, vals Values) []string {
	seen := map[string]struct{}{}
	var missing []string
	for _, t := range tasks {
		for _, name := range Missing(t, vals) {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			missing = append(missing, name)
		}
	}
	return missing
}

// MissingError reports placeholders that must be filled before a run starts.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing values for variables: %s", strings.Join(e.Names, ", "))
}

// Validate returns *MissingError when any task references an unset variable.
func Validate(tasks []task.Task, vals Values) error {
	if missing := MissingAll(tasks, vals); len(missing) > 0 {
		return &MissingError{Names: missing}
	}
	return nil
}

// Merge returns a new Values with later maps overriding earlier ones.
func Merge(sets ...Values) Values {
	out := Values{}
	for _, set := range sets {
		for k, v := range set {
			out[k] = v
		}
	}
	return out
}

// ValidName reports whether name can appear in a placeholder.
func ValidName(name string) bool {
	return tokenPattern.MatchString("{" + name + "}")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
