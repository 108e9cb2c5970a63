package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us so we cannot use
// errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Fatal is set for errors that leave the system in an inconsistent
	// state (corrupted metadata, invalid frees, hardware faults). Callers
	// must not retry; the error has to be handed to the top-level handler
	// which halts the CPU.
	Fatal bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// IsFatal returns true if err is a *Error flagged as fatal.
func IsFatal(err error) bool {
	kerr, ok := err.(*Error)
	return ok && kerr != nil && kerr.Fatal
}
