// Package task defines the scripted task record shared by the queue, the
// orchestrator and the persistence gateway.
package task

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	// StatusCompleted is the legacy spelling of StatusPassed still written by
	// older stores.
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// Normalized folds legacy aliases onto their canonical value.
func (s Status) Normalized() Status {
	if s == StatusCompleted {
		return StatusPassed
	}
	return s
}

// IsTerminal reports whether a run has produced a verdict for the task.
func (s Status) IsTerminal() bool {
	switch s.Normalized() {
	case StatusPassed, StatusFailed, StatusError:
		return true
	default:
		return false
	}
}

// IsFinished reports whether the queue should skip the task when peeking.
// An errored task is not finished: it can still be picked up again.
func (s Status) IsFinished() bool {
	switch s.Normalized() {
	case StatusPassed, StatusFailed:
		return true
	default:
		return false
	}
}

// ToolUse pins the tool the agent must call and its arguments.
type ToolUse struct {
	Tool      string         `json:"tool" yaml:"tool"`
	Arguments map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Clone returns a deep-enough copy: the argument map is copied, values are shared.
func (t *ToolUse) Clone() *ToolUse {
	if t == nil {
		return nil
	}
	out := &ToolUse{Tool: t.Tool}
	if t.Arguments != nil {
		out.Arguments = make(map[string]any, len(t.Arguments))
		for k, v := range t.Arguments {
			out.Arguments[k] = v
		}
	}
	return out
}

// Task is a unit of scripted work executed by the remote agent.
type Task struct {
	ID              string           `json:"id" yaml:"id"`
	Instructions    []string         `json:"instructions" yaml:"instructions"`
	Label           string           `json:"label,omitempty" yaml:"label,omitempty"`
	ToolUse         *ToolUse         `json:"tool_use,omitempty" yaml:"tool_use,omitempty"`
	Status          Status           `json:"status" yaml:"status"`
	Result          any              `json:"result,omitempty" yaml:"result,omitempty"`
	Error           string           `json:"error,omitempty" yaml:"error,omitempty"`
	ExecutionReport *ExecutionReport `json:"execution_report,omitempty" yaml:"execution_report,omitempty"`
	CreatedAt       string           `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	StartedAt       string           `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt     string           `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	LastRun         string           `json:"last_run,omitempty" yaml:"last_run,omitempty"`
}

// DisplayName returns the label when set, otherwise the id.
func (t Task) DisplayName() string {
	if label := strings.TrimSpace(t.Label); label != "" {
		return label
	}
	return t.ID
}

// ActionRecord is one tool invocation observed during a run.
type ActionRecord struct {
	Tool      string `json:"tool" yaml:"tool"`
	Action    string `json:"action" yaml:"action"`
	Details   string `json:"details" yaml:"details"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
}

// ToolOutput is the textual output of one tool result.
type ToolOutput struct {
	Tool      string `json:"tool" yaml:"tool"`
	Output    string `json:"output" yaml:"output"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
}

// JSValidation is the verdict of a JavaScript inspector call.
type JSValidation struct {
	Expression string `json:"expression" yaml:"expression"`
	Success    bool   `json:"success" yaml:"success"`
	Result     any    `json:"result,omitempty" yaml:"result,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

// ExecutionReport accumulates the artifacts of a single run.
type ExecutionReport struct {
	ActionsTaken []ActionRecord `json:"actions_taken" yaml:"actions_taken"`
	ToolOutputs  []ToolOutput   `json:"tool_outputs" yaml:"tool_outputs"`
	Screenshots  []string       `json:"screenshots" yaml:"screenshots"`
	JSValidation *JSValidation  `json:"js_validation,omitempty" yaml:"js_validation,omitempty"`
	FinalResult  any            `json:"final_result,omitempty" yaml:"final_result,omitempty"`
	Error        string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewExecutionReport returns a report with non-nil slices so it serializes as
// empty arrays.
func NewExecutionReport() *ExecutionReport {
	return &ExecutionReport{
		ActionsTaken: []ActionRecord{},
		ToolOutputs:  []ToolOutput{},
		Screenshots:  []string{},
	}
}

// Clone copies the report including its slices.
func (r *ExecutionReport) Clone() *ExecutionReport {
	if r == nil {
		return nil
	}
	out := *r
	out.ActionsTaken = append([]ActionRecord{}, r.ActionsTaken...)
	out.ToolOutputs = append([]ToolOutput{}, r.ToolOutputs...)
	out.Screenshots = append([]string{}, r.Screenshots...)
	if r.JSValidation != nil {
		js := *r.JSValidation
		out.JSValidation = &js
	}
	return &out
}

// Timestamp formats t the way reports and session logs store times.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
