package kernel

import (
	"fmt"
	"runtime/debug"
)

// runSafely calls fn, prefixing its error with scope. A panic becomes an error
// carrying the stack so one broken handler cannot take the bridge down.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s: panic: %v\n%s", scope, recovered, debug.Stack())
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
