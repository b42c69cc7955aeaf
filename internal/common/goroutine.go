package common

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/ternarybob/arbor"
)

// SafeGo starts fn on its own goroutine. A panic in fn is logged with its
// stack and swallowed so a background loop cannot take the process down.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	go func() {
		defer recoverGoroutine(logger, name)
		fn()
	}()
}

func recoverGoroutine(logger arbor.ILogger, name string) {
	r := recover()
	if r == nil {
		return
	}
	if logger == nil {
		fmt.Fprintf(os.Stderr, "panic in %s: %v\n%s\n", name, r, StackTrace())
		return
	}
	logger.Error().
		Str("goroutine", name).
		Str("panic", fmt.Sprint(r)).
		Str("stack", StackTrace()).
		Msg("Recovered from panic")
}

// StackTrace returns the stack of the calling goroutine.
func StackTrace() string {
	return string(debug.Stack())
}
