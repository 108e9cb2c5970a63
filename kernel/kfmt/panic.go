package kfmt

import "thingy/kernel"

var (
	// haltFn is invoked by Panic after printing the error banner. It is
	// registered by the boot code (see SetHaltFn) and mocked by tests.
	haltFn func()

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause", Fatal: true}
)

// SetHaltFn registers the function that Panic uses to stop the CPU. If no
// function is registered, Panic falls back to the Go runtime panic so that
// hosted programs still terminate.
func SetHaltFn(fn func()) {
	haltFn = fn
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Panic is the single top-level handler for fatal errors; calls to Panic
// never return unless the registered halt function does.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if haltFn == nil {
		panic(e)
	}
	haltFn()
}

// panicString wraps msg into a runtime error and passes it to Panic.
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
