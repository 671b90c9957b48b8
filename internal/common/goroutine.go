package common

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

// liveGoroutines counts SafeGo goroutines that have not returned yet
var liveGoroutines atomic.Int64

// GetGoroutineCount returns the number of SafeGo goroutines still running
func GetGoroutineCount() int64 {
	return liveGoroutines.Load()
}

// SafeGo runs fn on a new goroutine named name. A panic is logged with its
// stack and swallowed so background workers cannot take the process down.
//
//	common.SafeGo(logger, "taskPersister", p.run)
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	liveGoroutines.Add(1)

	go func() {
		defer liveGoroutines.Add(-1)
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			buf := make([]byte, 4096)
			stack := string(buf[:runtime.Stack(buf, false)])

			if logger == nil {
				fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, stack)
				return
			}
			logger.Error().
				Str("goroutine", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", stack).
				Msg("Recovered from panic in goroutine")
		}()

		fn()
	}()
}
