package reloc

import "fmt"

// Kind is a relocation type as recorded in an object's reloc sections.
type Kind uint8

const (
	FunctionIndexLEB    Kind = 0
	TableIndexSLEB      Kind = 1
	TableIndexI32       Kind = 2
	MemoryAddrLEB       Kind = 3
	MemoryAddrSLEB      Kind = 4
	MemoryAddrI32       Kind = 5
	TypeIndexLEB        Kind = 6
	GlobalIndexLEB      Kind = 7
	FunctionOffsetI32   Kind = 8
	SectionOffsetI32    Kind = 9
	TagIndexLEB         Kind = 10
	MemoryAddrRelSLEB   Kind = 11
	TableIndexRelSLEB   Kind = 12
	GlobalIndexI32      Kind = 13
	MemoryAddrLEB64     Kind = 14
	MemoryAddrSLEB64    Kind = 15
	MemoryAddrI64       Kind = 16
	MemoryAddrRelSLEB64 Kind = 17
	TableIndexSLEB64    Kind = 18
	TableIndexI64       Kind = 19
	TableNumberLEB      Kind = 20
	MemoryAddrTLSSLEB   Kind = 21
	FunctionOffsetI64   Kind = 22
	MemoryAddrLocrelI32 Kind = 23
	TableIndexRelSLEB64 Kind = 24
	MemoryAddrTLSSLEB64 Kind = 25
	FunctionIndexI32    Kind = 26

	// GOTEntry marks a request made for a GOT.mem global import rather than a code site.
	GOTEntry Kind = 0xff
)

var kindNames = map[Kind]string{
	FunctionIndexLEB:    "R_WASM_FUNCTION_INDEX_LEB",
	TableIndexSLEB:      "R_WASM_TABLE_INDEX_SLEB",
	TableIndexI32:       "R_WASM_TABLE_INDEX_I32",
	MemoryAddrLEB:       "R_WASM_MEMORY_ADDR_LEB",
	MemoryAddrSLEB:      "R_WASM_MEMORY_ADDR_SLEB",
	MemoryAddrI32:       "R_WASM_MEMORY_ADDR_I32",
	TypeIndexLEB:        "R_WASM_TYPE_INDEX_LEB",
	GlobalIndexLEB:      "R_WASM_GLOBAL_INDEX_LEB",
	FunctionOffsetI32:   "R_WASM_FUNCTION_OFFSET_I32",
	SectionOffsetI32:    "R_WASM_SECTION_OFFSET_I32",
	TagIndexLEB:         "R_WASM_TAG_INDEX_LEB",
	MemoryAddrRelSLEB:   "R_WASM_MEMORY_ADDR_REL_SLEB",
	TableIndexRelSLEB:   "R_WASM_TABLE_INDEX_REL_SLEB",
	GlobalIndexI32:      "R_WASM_GLOBAL_INDEX_I32",
	MemoryAddrLEB64:     "R_WASM_MEMORY_ADDR_LEB64",
	MemoryAddrSLEB64:    "R_WASM_MEMORY_ADDR_SLEB64",
	MemoryAddrI64:       "R_WASM_MEMORY_ADDR_I64",
	MemoryAddrRelSLEB64: "R_WASM_MEMORY_ADDR_REL_SLEB64",
	TableIndexSLEB64:    "R_WASM_TABLE_INDEX_SLEB64",
	TableIndexI64:       "R_WASM_TABLE_INDEX_I64",
	TableNumberLEB:      "R_WASM_TABLE_NUMBER_LEB",
	MemoryAddrTLSSLEB:   "R_WASM_MEMORY_ADDR_TLS_SLEB",
	FunctionOffsetI64:   "R_WASM_FUNCTION_OFFSET_I64",
	MemoryAddrLocrelI32: "R_WASM_MEMORY_ADDR_LOCREL_I32",
	TableIndexRelSLEB64: "R_WASM_TABLE_INDEX_REL_SLEB64",
	MemoryAddrTLSSLEB64: "R_WASM_MEMORY_ADDR_TLS_SLEB64",
	FunctionIndexI32:    "R_WASM_FUNCTION_INDEX_I32",
	GOTEntry:            "GOT.mem",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("R_WASM_UNKNOWN(%d)", uint8(k))
}

// HasAddend reports whether entries of this kind carry a signed addend.
func (k Kind) HasAddend() bool {
	switch k {
	case MemoryAddrLEB, MemoryAddrSLEB, MemoryAddrI32,
		FunctionOffsetI32, SectionOffsetI32,
		MemoryAddrRelSLEB, MemoryAddrLEB64, MemoryAddrSLEB64, MemoryAddrI64,
		MemoryAddrRelSLEB64, MemoryAddrTLSSLEB, FunctionOffsetI64,
		MemoryAddrLocrelI32, MemoryAddrTLSSLEB64:
		return true
	}
	return false
}

// IsMemoryAddr reports whether the kind refers to a global data address
// the loader resolves through the relocation resolver.
func (k Kind) IsMemoryAddr() bool {
	switch k {
	case MemoryAddrLEB, MemoryAddrSLEB, MemoryAddrI32,
		MemoryAddrLEB64, MemoryAddrSLEB64, MemoryAddrI64:
		return true
	}
	return false
}

// IsIndex reports whether the kind refers to an index space that is already
// final inside a single object.
func (k Kind) IsIndex() bool {
	switch k {
	case FunctionIndexLEB, TypeIndexLEB, GlobalIndexLEB, TagIndexLEB, TableNumberLEB:
		return true
	}
	return false
}

// Width returns the byte width of the patched field, 0 for kinds the loader does not patch.
func (k Kind) Width() int {
	switch k {
	case MemoryAddrLEB, MemoryAddrSLEB:
		return 5
	case MemoryAddrI32:
		return 4
	case MemoryAddrLEB64, MemoryAddrSLEB64:
		return 10
	case MemoryAddrI64:
		return 8
	}
	return 0
}

// Is64 reports whether the patched field holds a 64-bit address.
func (k Kind) Is64() bool {
	return k == MemoryAddrLEB64 || k == MemoryAddrSLEB64 || k == MemoryAddrI64
}
