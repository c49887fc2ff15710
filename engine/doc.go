// Package engine provides the VM handle: module loading and program
// execution on top of wazero.
//
// # Lifecycle
//
//	New            -> Created
//	Load (ok)      -> ModuleLoaded
//	Load (failed)  -> Created, may load again
//	Destroy        -> Destroyed, every later call fails with errors.ErrDestroyed
//
// Resolvers and helpers are registered while the handle is Created.
//
// # Guest Memory
//
// Each Execute instantiates the compiled program in a fresh wazero module
// instance and lays out its linear memory as:
//
//	0x0000 ─────────────── GlobalBase   unmapped, no data lives at address 0
//	GlobalBase ─────────── +size        global data buffer
//	stack base ─────────── StackTop     __stack_pointer starts at StackTop
//	input base ─────────── +len(mem)    caller memory, 16-byte aligned
//
// Global data and the caller memory are copied in before the call and back
// out after a normal return. A trap or an exceeded budget discards both, so a
// faulting run never leaves partial writes behind.
//
// # Entry Signatures
//
// The entry function receives the caller memory as (ptr) or (ptr, len):
//
//	Params          Results
//	()              ()
//	(i32)           (i32)
//	(i32, i32)      (i64)
//	(i32, i64)
//
// # Budget
//
// wazero does not count instructions. Config.ExecBudget bounds each call in
// wall time instead; the runtime is created with WithCloseOnContextDone so an
// infinite loop ends with StatusBudgetExceeded.
package engine
