package orchestrator

import (
	"bytes"
	"fmt"
	"strings"

	"taskrunner/internal/domain/action"
	"taskrunner/internal/domain/task"
	"taskrunner/internal/domain/variables"
	"taskrunner/internal/infra/stream"
	jsonx "taskrunner/internal/shared/json"
)

const noInstructions = "No instructions provided"

// preparedTask is a task with variables substituted.
type preparedTask struct {
	Instructions []string
	ToolUse      *task.ToolUse
}

func prepare(t task.Task, vals variables.Values) preparedTask {
	return preparedTask{
		Instructions: variables.Interpolate(t.Instructions, vals),
		ToolUse:      variables.InterpolateToolUse(t.ToolUse, vals),
	}
}

// userPrompt joins the steps with blank lines and appends the pinned tool
// call, if any.
func userPrompt(p preparedTask) string {
	prompt := noInstructions
	if len(p.Instructions) > 0 {
		prompt = strings.Join(p.Instructions, "\n\n")
	}
	if p.ToolUse != nil {
		prompt += fmt.Sprintf("\n\nUse the %s tool\n with %s", p.ToolUse.Tool, argumentsJSON(p.ToolUse))
	}
	return prompt
}

// systemPromptSuffix appends the task context block to the configured
// system prompt. The block tells the agent which id to report and, for a
// pinned tool call, forbids anything else.
func systemPromptSuffix(base, taskID string, tu *task.ToolUse) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n<TASK_CONTEXT>\n")
	fmt.Fprintf(&b, "Current Task ID: %s\n\n", taskID)
	fmt.Fprintf(&b, "IMPORTANT: When you complete this task, you MUST call the %s tool with:\n", action.ToolMongoDBReporter)
	b.WriteString("- action: \"report_result\"\n")
	fmt.Fprintf(&b, "- task_id: \"%s\"\n", taskID)
	b.WriteString("- data: {success: true, result: \"your result data here\"}\n")

	if tu != nil {
		fmt.Fprintf(&b, "\nCRITICAL CONSTRAINT: You are REQUIRED to use the %s tool with EXACTLY these arguments: %s\n", tu.Tool, argumentsJSON(tu))
		b.WriteString("DO NOT:\n- Generate your own JavaScript code\n- Modify the provided arguments\n- Create new tool calls\n- Use any other tools unless explicitly required\n")
		fmt.Fprintf(&b, "YOU MUST: Use ONLY the %s tool with the exact arguments provided above. Then report completion with %s.\n", tu.Tool, action.ToolMongoDBReporter)
	}
	b.WriteString("</TASK_CONTEXT>")
	return b.String()
}

func argumentsJSON(tu *task.ToolUse) string {
	args := tu.Arguments
	if args == nil {
		args = map[string]any{}
	}
	var buf bytes.Buffer
	enc := jsonx.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}

// buildRequest assembles the stream request for one run.
func (o *Orchestrator) buildRequest(t task.Task, p preparedTask) stream.Request {
	req := stream.Request{
		Messages:                []stream.Message{{Role: "user", Content: userPrompt(p)}},
		SystemPromptSuffix:      systemPromptSuffix(o.cfg.SystemPrompt, t.ID, p.ToolUse),
		OnlyNMostRecentImages:   o.cfg.OnlyNMostRecentImages,
		ToolVersion:             o.cfg.ToolVersion,
		MaxTokens:               o.cfg.MaxTokens,
		TokenEfficientToolsBeta: o.cfg.TokenEfficientToolsBeta,
	}
	if o.cfg.Thinking {
		budget := o.cfg.ThinkingBudget
		req.ThinkingBudget = &budget
	}
	return req
}
