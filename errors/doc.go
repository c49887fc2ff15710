// Package errors provides structured error types for the vmbridge library.
//
// Errors are categorized by Phase (where in the handle lifecycle the error
// occurred) and Kind (error category). Every Kind maps to a stable numeric
// code reported by Code, so a failed load surfaces as a code plus message.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRelocate, errors.KindOutOfBounds).
//		Symbol("packet_count").
//		Detail("offset %d exceeds buffer", off).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Unresolved("counter", "no resolver registered", nil)
//	err := errors.OutOfBounds(errors.PhaseRelocate, 12, 8, 16)
//
// Sentinels such as ErrDestroyed carry no phase and match errors of the same
// kind from any phase:
//
//	if errors.Is(err, vmerrors.ErrDestroyed) { ... }
package errors
