// Package action turns agent tool calls into short human-readable labels.
package action

import (
	"fmt"
	"strings"
)

// Tool names with dedicated labels.
const (
	ToolComputer        = "computer"
	ToolBash            = "bash"
	ToolJSInspector     = "js_inspector"
	ToolInspectJS       = "inspect_js"
	ToolInspectNetwork  = "inspect_network"
	ToolMongoDBReporter = "mongodb_reporter"
)

// Label describes one tool call.
type Label struct {
	Tool        string `json:"tool"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Details     string `json:"details"`
	// Code is the JavaScript sent to an inspector tool, empty otherwise.
	Code string `json:"code,omitempty"`
}

// IsJSInspector reports whether tool evaluates JavaScript in the page.
func IsJSInspector(tool string) bool {
	return tool == ToolJSInspector || tool == ToolInspectJS
}

// DisplayName capitalizes tool and replaces its first underscore with a space.
func DisplayName(tool string) string {
	if tool == "" {
		return ""
	}
	name := strings.ToUpper(tool[:1]) + tool[1:]
	return strings.Replace(name, "_", " ", 1)
}

// Describe builds the label for a tool_use event.
func Describe(tool string, input map[string]any) Label {
	display := DisplayName(tool)
	label := Label{
		Tool:        tool,
		DisplayName: display,
		Description: "Using " + display,
	}
	label.Details = label.Description

	switch {
	case tool == ToolComputer:
		label.Description, label.Details = describeComputer(input)
	case tool == ToolBash:
		command := quoted(stringField(input, "command"), 40, "[unknown command]")
		label.Description = "Running " + command
		label.Details = "Running bash command: " + command
	case IsJSInspector(tool):
		code := stringField(input, "code")
		label.Code = code
		if code == "" {
			code = "JavaScript code"
		}
		label.Description = "Executing JavaScript"
		label.Details = "Executing JavaScript: " + truncate(code, 50)
	case tool == ToolMongoDBReporter:
		label.Description = "Reporting to database"
		label.Details = "Reporting task result to database"
	}
	return label
}

func describeComputer(input map[string]any) (string, string) {
	act := stringField(input, "action")
	if act == "" {
		return "Using computer", "Using computer tool"
	}

	coords := formatCoords(input["coordinate"])
	switch act {
	case "screenshot":
		return "Taking screenshot", "Taking screenshot"
	case "left_click":
		return "Clicking " + coords, "Clicking at coordinates " + coords
	case "type":
		text := quoted(stringField(input, "text"), 30, "[unknown text]")
		return "Typing " + text, "Typing text: " + text
	case "key":
		key := orDefault(stringField(input, "text"), "unknown key")
		return "Pressing " + key, "Pressing key: " + key
	case "scroll":
		direction := orDefault(stringField(input, "scroll_direction"), "unknown direction")
		amount := formatNumber(input["scroll_amount"], "1")
		return fmt.Sprintf("Scrolling %s (%s)", direction, amount), fmt.Sprintf("Scrolling %s %s times", direction, amount)
	case "right_click":
		return "Right clicking " + coords, "Right clicking at coordinates " + coords
	case "double_click":
		return "Double clicking " + coords, "Double clicking at coordinates " + coords
	case "middle_click":
		return "Middle clicking " + coords, "Middle clicking at coordinates " + coords
	case "triple_click":
		return "Triple clicking " + coords, "Triple clicking at coordinates " + coords
	case "mouse_move":
		return "Moving mouse to " + coords, "Moving mouse to coordinates " + coords
	case "left_click_drag":
		return "Dragging to " + coords, "Click and drag to coordinates " + coords
	case "cursor_position":
		return "Getting cursor position", "Getting current cursor position"
	case "left_mouse_down":
		return "Mouse down", "Pressing left mouse button down"
	case "left_mouse_up":
		return "Mouse up", "Releasing left mouse button"
	case "hold_key":
		key := orDefault(stringField(input, "text"), "unknown key")
		duration := formatNumber(input["duration"], "0")
		return fmt.Sprintf("Holding %s (%ss)", key, duration), fmt.Sprintf("Holding key %s for %s seconds", key, duration)
	case "wait":
		duration := formatNumber(input["duration"], "0")
		return fmt.Sprintf("Waiting %ss", duration), fmt.Sprintf("Waiting for %s seconds", duration)
	default:
		return "Computer " + act, "Computer action: " + act
	}
}

func stringField(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// truncate cuts s to n runes and appends "..." when it was longer.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func quoted(s string, n int, fallback string) string {
	if s == "" {
		return fallback
	}
	return `"` + truncate(s, n) + `"`
}

func formatCoords(v any) string {
	pair, ok := v.([]any)
	if !ok || len(pair) < 2 {
		return "[unknown coords]"
	}
	return fmt.Sprintf("[%s, %s]", formatNumber(pair[0], "?"), formatNumber(pair[1], "?"))
}

func formatNumber(v any, fallback string) string {
	switch n := v.(type) {
	case nil:
		return fallback
	case float64:
		if n == 0 {
			return fallback
		}
		return fmt.Sprintf("%g", n)
	case int:
		if n == 0 {
			return fallback
		}
		return fmt.Sprintf("%d", n)
	case string:
		return orDefault(n, fallback)
	default:
		return fmt.Sprintf("%v", n)
	}
}
