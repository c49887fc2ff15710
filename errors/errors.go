package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the handle lifecycle the error occurred
type Phase string

const (
	PhaseCreate   Phase = "create"   // engine instance creation
	PhaseRegister Phase = "register" // resolver and helper registration
	PhaseLoad     Phase = "load"     // object parsing and module materialization
	PhaseRelocate Phase = "relocate" // global data relocation
	PhaseExecute  Phase = "execute"  // program invocation
	PhaseDestroy  Phase = "destroy"  // handle teardown
	PhaseHost     Phase = "host"     // helper functions called by programs
	PhaseConfig   Phase = "config"   // configuration loading
	PhaseStore    Phase = "store"    // helper key/value store
	PhaseSchedule Phase = "schedule" // program registry and tasks
)

// Kind categorizes the error
type Kind string

const (
	KindCreation       Kind = "creation_failed"
	KindMalformed      Kind = "malformed"
	KindUnresolved     Kind = "unresolved"
	KindUnsupported    Kind = "unsupported"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindOverflow       Kind = "overflow"
	KindNotFound       Kind = "not_found"
	KindInvalidState   Kind = "invalid_state"
	KindInvalidInput   Kind = "invalid_input"
	KindFault          Kind = "fault"
	KindBudgetExceeded Kind = "budget_exceeded"
	KindAllocation     Kind = "allocation"
	KindDestroyed      Kind = "destroyed"
	KindFull           Kind = "full"
)

// codes are the numeric codes reported alongside the message of a failed call.
var codes = map[Kind]int{
	KindCreation:       -1,
	KindMalformed:      -2,
	KindUnresolved:     -3,
	KindUnsupported:    -4,
	KindOutOfBounds:    -5,
	KindOverflow:       -6,
	KindNotFound:       -7,
	KindInvalidState:   -8,
	KindInvalidInput:   -9,
	KindFault:          -10,
	KindBudgetExceeded: -11,
	KindAllocation:     -12,
	KindDestroyed:      -13,
	KindFull:           -14,
}

// Sentinels for errors.Is checks. They carry no phase, so they match
// an error of the same kind raised in any phase.
var (
	ErrDestroyed     = &Error{Kind: KindDestroyed, Detail: "handle destroyed"}
	ErrNotLoaded     = &Error{Kind: KindInvalidState, Detail: "no module loaded"}
	ErrAlreadyLoaded = &Error{Kind: KindInvalidState, Detail: "module already loaded"}
	ErrUnresolved    = &Error{Kind: KindUnresolved}
	ErrOutOfBounds   = &Error{Kind: KindOutOfBounds}
	ErrUnsupported   = &Error{Kind: KindUnsupported}
	ErrMalformed     = &Error{Kind: KindMalformed}
	ErrAllocation    = &Error{Kind: KindAllocation}
	ErrCreation      = &Error{Kind: KindCreation}
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Symbol string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Symbol != "" {
		b.WriteString(" at symbol ")
		b.WriteString(e.Symbol)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Kinds must be equal; phases must be equal unless target leaves Phase empty.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Phase == "" || e.Phase == t.Phase
}

// Code returns the numeric code for the error kind, 0 for unknown kinds.
func (e *Error) Code() int {
	return codes[e.Kind]
}

// Message returns the error text without the phase prefix.
func (e *Error) Message() string {
	msg := e.Detail
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Symbol sets the symbol the error refers to
func (b *Builder) Symbol(name string) *Builder {
	b.err.Symbol = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Creation creates an engine creation failure
func Creation(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseCreate,
		Kind:   KindCreation,
		Detail: detail,
		Cause:  cause,
	}
}

// Malformed creates an error for an image that cannot be decoded
func Malformed(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindMalformed,
		Detail: detail,
		Cause:  cause,
	}
}

// Unresolved creates an unresolved relocation or import error
func Unresolved(symbol, detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseRelocate,
		Kind:   KindUnresolved,
		Symbol: symbol,
		Detail: detail,
		Cause:  cause,
	}
}

// Unsupported creates an unsupported construct error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// OutOfBounds creates an out of bounds error for a byte range check
func OutOfBounds(phase Phase, offset, size, length uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("range [%d, +%d) out of bounds (length %d)", offset, size, length),
		Value:  offset,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, value any, target string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Detail: fmt.Sprintf("value %v overflows %s", value, target),
		Value:  value,
	}
}

// AllocationFailed creates a resource exhaustion error
func AllocationFailed(phase Phase, size, limit uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (limit %d)", size, limit),
		Value:  size,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// InvalidState creates an error for an operation not allowed in the current state
func InvalidState(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidState,
		Detail: detail,
	}
}

// Destroyed creates a use-after-destroy error
func Destroyed(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindDestroyed,
		Detail: "handle destroyed",
	}
}

// Fault creates an execution fault error
func Fault(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindFault,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// CodeOf returns the numeric code of the first *Error in err's chain, 0 if none.
func CodeOf(err error) int {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}
