package orchestrator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"taskrunner/internal/domain/task"
)

func TestClassify(t *testing.T) {
	pass := &task.JSValidation{Success: true}
	fail := &task.JSValidation{Success: false}

	cases := []struct {
		name      string
		streamErr bool
		toolErr   bool
		js        *task.JSValidation
		text      string
		want      task.Status
	}{
		{name: "clean text", text: "Logged in successfully.", want: task.StatusPassed},
		{name: "stream error wins over js", streamErr: true, js: pass, want: task.StatusFailed},
		{name: "tool error", toolErr: true, text: "fine", want: task.StatusFailed},
		{name: "js pass beats phrase", js: pass, text: "Task failed", want: task.StatusPassed},
		{name: "js fail beats clean text", js: fail, text: "All good", want: task.StatusFailed},
		{name: "phrase case insensitive", text: "I was UNABLE TO COMPLETE the form", want: task.StatusFailed},
		{name: "execution failed", text: "execution failed at step 2", want: task.StatusFailed},
		{name: "could not complete", text: "Could not complete checkout", want: task.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classify(tc.streamErr, tc.toolErr, tc.js, tc.text))
		})
	}
}

func TestIsBillingMessage(t *testing.T) {
	require.True(t, isBillingMessage("Your credit balance is too low to access the Anthropic API"))
	require.True(t, isBillingMessage("Go to Plans & Billing to upgrade"))
	require.True(t, isBillingMessage("INSUFFICIENT CREDITS"))
	require.False(t, isBillingMessage("rate limited"))
}

func TestBillingErrorMatching(t *testing.T) {
	err := fmt.Errorf("run: %w", &BillingError{TaskID: "T1", Message: "insufficient credits"})
	require.True(t, errors.Is(err, ErrBilling))
	require.Contains(t, err.Error(), "T1")
}

func TestFailureReason(t *testing.T) {
	require.Equal(t, "exception", failureReason(task.StatusError, true, false, nil))
	require.Equal(t, "stream_error", failureReason(task.StatusFailed, true, false, nil))
	require.Equal(t, "tool_error", failureReason(task.StatusFailed, false, true, nil))
	require.Equal(t, "js_validation", failureReason(task.StatusFailed, false, false, &task.JSValidation{}))
	require.Equal(t, "failure_phrase", failureReason(task.StatusFailed, false, false, nil))
}
