package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Internal (fatal) errors
// ---------------------------------------------------------------------------

// Sentinel errors for programmer and verifier faults. Leaf structures return
// them as plain errors; the dispatch core escalates them to *InternalError
// panics because a verified program never triggers them.
var (
	ErrUnknownMethod          = errors.New("unknown method")
	ErrInvalidStateTransition = errors.New("invalid compilation state transition")
	ErrStackOverflow          = errors.New("managed stack overflow")
	ErrStackUnderflow         = errors.New("managed stack underflow")
	ErrFrameCorruption        = errors.New("managed frame corruption")
	ErrMalformedBytecode      = errors.New("malformed bytecode")
	ErrMissingReturn          = errors.New("method fell off the end of its code")
	ErrContractViolation      = errors.New("compiled-code contract violation")
	ErrInvalidDescriptor      = errors.New("invalid method descriptor")
)

// Causes attached to throws the runtime raises on its own.
var (
	ErrDivideByZero = errors.New("integer divide by zero")
	ErrNullThrow    = errors.New("null reference thrown")
)

// InternalError is the panic payload for fatal internal-consistency
// failures inside the execution core.
type InternalError struct {
	Err    error       // one of the sentinel errors above
	Method MethodIndex // method executing when the fault was detected, or NoMethod
	PC     int         // bytecode offset, or -1 outside the interpreter
	Detail string
}

func (e *InternalError) Error() string {
	var sb strings.Builder
	sb.WriteString("springboard: internal error: ")
	sb.WriteString(e.Err.Error())
	if e.Method != NoMethod {
		fmt.Fprintf(&sb, " (method %d", e.Method)
		if e.PC >= 0 {
			fmt.Fprintf(&sb, ", pc %d", e.PC)
		}
		sb.WriteByte(')')
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// fatal raises an InternalError. It never returns.
func fatal(err error, method MethodIndex, pc int, format string, args ...interface{}) {
	detail := ""
	if format != "" {
		detail = fmt.Sprintf(format, args...)
	}
	panic(&InternalError{Err: err, Method: method, PC: pc, Detail: detail})
}

// Recover converts an InternalError panic into an error stored in *errp.
// Other panics are re-raised. Use it as:
//
//	defer vm.Recover(&err)
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if ie, ok := r.(*InternalError); ok {
		*errp = ie
		return
	}
	panic(r)
}

// ---------------------------------------------------------------------------
// Managed throws
// ---------------------------------------------------------------------------

// TraceEntry records one frame a throw unwound through.
type TraceEntry struct {
	Method MethodIndex
	PC     int // -1 for frames without bytecode (natives, compiled code)
}

// Thrown is the managed-language exception signal. It is a normal outcome
// that propagates frame by frame until an embedder handles it.
type Thrown struct {
	Ref   Ref   // the thrown object, NullRef for runtime-raised throws
	Cause error // set for throws raised by the runtime itself
	Trace []TraceEntry
}

// Throw creates a throw signal for a reference. Natives and compiled code
// return it as their error.
func Throw(ref Ref) *Thrown {
	return &Thrown{Ref: ref}
}

func (t *Thrown) Error() string {
	msg := fmt.Sprintf("managed throw of ref#%d", t.Ref)
	if t.Cause != nil {
		msg = "managed throw: " + t.Cause.Error()
	}
	if len(t.Trace) > 0 {
		parts := make([]string, len(t.Trace))
		for i, e := range t.Trace {
			if e.PC >= 0 {
				parts[i] = fmt.Sprintf("%d@%d", e.Method, e.PC)
			} else {
				parts[i] = fmt.Sprintf("%d", e.Method)
			}
		}
		msg += " [" + strings.Join(parts, " <- ") + "]"
	}
	return msg
}

func (t *Thrown) Unwrap() error {
	return t.Cause
}

// unwound appends a frame to the trace and returns the same signal.
func (t *Thrown) unwound(method MethodIndex, pc int) *Thrown {
	t.Trace = append(t.Trace, TraceEntry{Method: method, PC: pc})
	return t
}

// AsThrown reports whether err is a managed throw.
func AsThrown(err error) (*Thrown, bool) {
	var t *Thrown
	if errors.As(err, &t) {
		return t, true
	}
	return nil, false
}
