package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"taskrunner/internal/domain/task"
)

// ErrBusy is returned when a run is requested while another is active.
var ErrBusy = errors.New("a task run is already in progress")

// ErrTaskNotFound is returned when a requested id is not in the catalog.
var ErrTaskNotFound = errors.New("task not found")

// ErrStopped is returned when Stop arrives before a requested run starts.
var ErrStopped = errors.New("run stopped before it started")

// ErrBilling matches every *BillingError via errors.Is.
var ErrBilling = errors.New("agent billing error")

// BillingError halts a whole run: the provider refused work for lack of
// credit.
type BillingError struct {
	TaskID  string
	Message string
}

func (e *BillingError) Error() string {
	return fmt.Sprintf("billing error while running task %s: %s", e.TaskID, e.Message)
}

// Is reports ErrBilling as a match.
func (e *BillingError) Is(target error) bool {
	return target == ErrBilling
}

var billingPhrases = []string{
	"credit balance is too low",
	"plans & billing",
	"insufficient credits",
}

// isBillingMessage reports whether msg carries the provider's credit
// exhaustion wording.
func isBillingMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range billingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

var failurePhrases = []string{
	"task failed",
	"step failed",
	"execution failed",
	"could not complete",
	"unable to complete",
}

// classify derives the verdict of a run that ended without an exception.
// Stream or tool errors fail the task; otherwise a JavaScript validation
// decides; otherwise the final text is scanned for failure phrases.
func classify(streamErr, toolErr bool, js *task.JSValidation, finalText string) task.Status {
	if streamErr || toolErr {
		return task.StatusFailed
	}
	if js != nil {
		if js.Success {
			return task.StatusPassed
		}
		return task.StatusFailed
	}
	lower := strings.ToLower(finalText)
	for _, phrase := range failurePhrases {
		if strings.Contains(lower, phrase) {
			return task.StatusFailed
		}
	}
	return task.StatusPassed
}

// failureReason labels a non-passing outcome for metrics.
func failureReason(status task.Status, streamErr, toolErr bool, js *task.JSValidation) string {
	switch {
	case status == task.StatusError:
		return "exception"
	case streamErr:
		return "stream_error"
	case toolErr:
		return "tool_error"
	case js != nil && !js.Success:
		return "js_validation"
	default:
		return "failure_phrase"
	}
}
