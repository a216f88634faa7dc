package log

import "runtime/debug"

// SafeGo runs fn on a new goroutine with panic recovery. A recovered panic
// is logged with the goroutine's name and stack trace instead of crashing
// the process. Long-lived forwarders and pollers use this everywhere a
// panic would otherwise take down unrelated workflows.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatServer, "Recovered panic in goroutine",
					"name", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
