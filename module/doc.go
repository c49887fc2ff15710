// Package module parses relocatable objects and turns them into modules
// the engine can compile.
//
// An object is a wasm binary carrying a "linking" custom section (the symbol
// table and data segment names) and "reloc.*" custom sections listing the
// code sites that still need an address:
//
//	obj, err := module.Parse(data)
//	if err != nil {
//	    return err
//	}
//
//	linked, err := module.Link(obj, module.LinkConfig{
//	    Resolve:  allocator.Resolve,
//	    StackTop: 0x8000,
//	})
//
// Link calls Resolve once per global-data relocation site and once per
// GOT.mem import, patches the returned address into the site, and encodes a
// module with the data and linking sections removed. Index relocations need
// no work within a single object. Any other relocation type is rejected.
//
// # Supported relocation types
//
//	R_WASM_MEMORY_ADDR_LEB      5-byte padded unsigned LEB128
//	R_WASM_MEMORY_ADDR_SLEB     5-byte padded signed LEB128
//	R_WASM_MEMORY_ADDR_I32      4-byte little endian
//	R_WASM_MEMORY_ADDR_LEB64    10-byte padded unsigned LEB128
//	R_WASM_MEMORY_ADDR_SLEB64   10-byte padded signed LEB128
//	R_WASM_MEMORY_ADDR_I64      8-byte little endian
package module
