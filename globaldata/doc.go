// Package globaldata holds the global data buffer of a VM handle.
//
// The buffer is created from the object's initial data image on the first
// global-data relocation and keeps its size and identity for the lifetime of
// the handle. It is mapped into guest memory at a fixed base address for every
// execution and copied back afterwards, so programs observe their own writes
// on the next call.
package globaldata
