package errcode

// Code is a stable, wire-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
// Codes cross the helper IPC boundary verbatim, so they must never change.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK Code = "ok"

	// Hardware access.
	HardwareUnavailable Code = "hardware_unavailable" // EC io file absent, kernel module not loaded
	AccessDenied        Code = "access_denied"        // module loaded without write support, or no privilege
	PartialIO           Code = "partial_io"           // short read/write, treated as a hard failure

	// Helper protocol and lifecycle.
	ProtocolError         Code = "protocol_error"         // malformed or invalid IPC line
	AuthorizationDeclined Code = "authorization_declined" // user refused elevation
	ProcessLost           Code = "process_lost"           // helper exited or pipe broke

	Busy Code = "busy" // a connect attempt is already in flight

	Error Code = "error" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// New builds a wrapped error with a code and operation context.
func New(c Code, op string, err error) *E {
	e := &E{C: c, Op: op, Err: err}
	if err != nil {
		e.Msg = err.Error()
	}
	return e
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}

// Is reports whether err classifies to the given code.
func Is(err error, c Code) bool { return Of(err) == c }

// Transient reports whether the next poll tick may clear the condition
// without user action. Persistent codes require intervention outside the
// application (reload the module, re-authorize).
func Transient(c Code) bool {
	switch c {
	case PartialIO, ProtocolError, ProcessLost, Busy:
		return true
	}
	return false
}
