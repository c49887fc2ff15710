// Package vmbridge is a host-side bridge for running relocatable bytecode
// programs inside an embedded virtual machine.
//
// Programs are wasm32 relocatable objects, the kind of file produced by
// compiling C with clang --target=wasm32 -c. References to global variables
// are left unresolved in the object and patched by the bridge at load time.
// The first relocation allocates a per-handle global data buffer holding the
// object's initial data image; every later relocation resolves into that same
// buffer. State kept in globals therefore survives across executions.
//
// # Architecture Overview
//
//	vmbridge/            Root package with the Memory interface
//	├── bridge/          Facade: create, register resolver, load, execute, destroy
//	├── engine/          VM handle, module loader and execution engine on wazero
//	├── reloc/           Relocation requests, context tokens and the buffer allocator
//	├── globaldata/      The per-handle global data buffer
//	├── module/          Object parsing, relocation patching, module materialization
//	├── asm/             Builder for relocatable objects
//	├── helpers/         Functions programs may import from "env"
//	├── nvs/             Key/value store backing the nvs helpers
//	├── tasks/           Program registry and periodic task scheduler
//	├── config/          Configuration loading and validation
//	├── errors/          Structured error types
//	├── internal/
//	│   ├── binary/      LEB128 reader and writer
//	│   └── programs/    Built-in programs: TOS filter, counter, producer/consumer
//	└── cmd/vmbridge/    Command line runner with an interactive mode
//
// # Quick Start
//
//	b, err := bridge.Open(ctx, object)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Close(ctx)
//
//	res, err := b.Execute(ctx, packet)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Status, res.Value)
//
// # Lifecycle
//
// A handle moves from Created to ModuleLoaded on a successful load and to
// Destroyed on teardown. Every operation on a destroyed handle fails with
// errors.ErrDestroyed. Handles share nothing and may run in parallel.
package vmbridge
