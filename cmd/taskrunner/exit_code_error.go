package main

import "errors"

// Exit codes scripts can rely on.
const (
	exitFailure      = 1
	exitTasksFailed  = 2
	exitBillingError = 3
)

// ExitCodeError carries the process exit code for err.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func exitCode(err error) int {
	var coded *ExitCodeError
	if errors.As(err, &coded) && coded.Code != 0 {
		return coded.Code
	}
	return exitFailure
}
