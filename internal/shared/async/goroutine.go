package async

import (
	"fmt"
	"runtime/debug"
)

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger PanicLogger, name string, fn func()) {
	GoWithPanicHandler(logger, name, fn, nil)
}

// GoWithPanicHandler runs fn in a goroutine; a panic is logged and then
// passed to onPanic as an error so the owner can settle its state.
func GoWithPanicHandler(logger PanicLogger, name string, fn func(), onPanic func(error)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				report(logger, name, r)
				if onPanic != nil {
					onPanic(fmt.Errorf("panic in %s: %v", name, r))
				}
			}
		}()
		fn()
	}()
}

// Recover logs panic details without crashing the process. Use it with defer.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		report(logger, name, r)
	}
}

func report(logger PanicLogger, name string, r any) {
	if logger == nil {
		return
	}
	if name == "" {
		logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
		return
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
}
