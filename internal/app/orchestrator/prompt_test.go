package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"taskrunner/internal/domain/task"
	"taskrunner/internal/domain/variables"
)

func TestUserPrompt(t *testing.T) {
	require.Equal(t, "No instructions provided", userPrompt(preparedTask{}))
	require.Equal(t, "Open the site\n\nClick login", userPrompt(preparedTask{Instructions: []string{"Open the site", "Click login"}}))

	p := preparedTask{
		Instructions: []string{"Check the title"},
		ToolUse:      &task.ToolUse{Tool: "js_inspector", Arguments: map[string]any{"code": "a && b < c"}},
	}
	require.Equal(t, "Check the title\n\nUse the js_inspector tool\n with {\"code\":\"a && b < c\"}", userPrompt(p))
}

func TestPrepareInterpolatesInstructionsAndArguments(t *testing.T) {
	tk := task.Task{
		ID:           "T1",
		Instructions: []string{"Visit {SITE}"},
		ToolUse:      &task.ToolUse{Tool: "inspect_js", Arguments: map[string]any{"code": "location.href == '{SITE}'"}},
	}
	p := prepare(tk, variables.Values{"SITE": "https://example.com"})
	require.Equal(t, []string{"Visit https://example.com"}, p.Instructions)
	require.Equal(t, "location.href == 'https://example.com'", p.ToolUse.Arguments["code"])
	require.Equal(t, "location.href == '{SITE}'", tk.ToolUse.Arguments["code"])
}

func TestSystemPromptSuffix(t *testing.T) {
	plain := systemPromptSuffix("BASE", "T9", nil)
	require.Equal(t, "BASE\n\n<TASK_CONTEXT>\n"+
		"Current Task ID: T9\n\n"+
		"IMPORTANT: When you complete this task, you MUST call the mongodb_reporter tool with:\n"+
		"- action: \"report_result\"\n"+
		"- task_id: \"T9\"\n"+
		"- data: {success: true, result: \"your result data here\"}\n"+
		"</TASK_CONTEXT>", plain)

	pinned := systemPromptSuffix("", "T9", &task.ToolUse{Tool: "inspect_js"})
	require.Contains(t, pinned, "CRITICAL CONSTRAINT: You are REQUIRED to use the inspect_js tool with EXACTLY these arguments: {}\n")
	require.Contains(t, pinned, "YOU MUST: Use ONLY the inspect_js tool")
	require.Contains(t, pinned, "- Generate your own JavaScript code\n")
}

func TestBuildRequest(t *testing.T) {
	o := New(nil, nil, Config{
		SystemPrompt:            "sys",
		OnlyNMostRecentImages:   3,
		ToolVersion:             "computer_use_20250124",
		MaxTokens:               4096,
		ThinkingBudget:          2048,
		TokenEfficientToolsBeta: true,
	})
	tk := task.Task{ID: "T1"}

	req := o.buildRequest(tk, preparedTask{Instructions: []string{"go"}})
	require.Len(t, req.Messages, 1)
	require.Equal(t, "user", req.Messages[0].Role)
	require.Equal(t, "go", req.Messages[0].Content)
	require.Equal(t, 3, req.OnlyNMostRecentImages)
	require.Equal(t, 4096, req.MaxTokens)
	require.True(t, req.TokenEfficientToolsBeta)
	require.Nil(t, req.ThinkingBudget)
	require.Contains(t, req.SystemPromptSuffix, "sys\n\n<TASK_CONTEXT>")

	o.cfg.Thinking = true
	req = o.buildRequest(tk, preparedTask{})
	require.NotNil(t, req.ThinkingBudget)
	require.Equal(t, 2048, *req.ThinkingBudget)
}
