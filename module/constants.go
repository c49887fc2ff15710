package module

// Binary format magic number and version.
const (
	// Magic is the wasm binary magic number ("\0asm" in little-endian).
	Magic uint32 = 0x6D736100

	// Version is the supported binary format version.
	Version uint32 = 0x01
)

// Section IDs define the binary identifiers for each section.
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
	SectionTag       byte = 13
)

// Import/Export descriptor kinds.
const (
	KindFunc   byte = 0
	KindTable  byte = 1
	KindMemory byte = 2
	KindGlobal byte = 3
	KindTag    byte = 4
)

// ValType is a value type encoding.
type ValType byte

const (
	ValI32     ValType = 0x7F
	ValI64     ValType = 0x7E
	ValF32     ValType = 0x7D
	ValF64     ValType = 0x7C
	ValV128    ValType = 0x7B
	ValFuncRef ValType = 0x70
	ValExtern  ValType = 0x6F
)

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	}
	return "unknown"
}

// FuncTypeByte introduces a function type in the type section.
const FuncTypeByte byte = 0x60

// Opcodes used in constant expressions.
const (
	OpEnd      byte = 0x0B
	OpI32Const byte = 0x41
	OpI64Const byte = 0x42
)

// Custom section names written by compilers for relocatable objects.
const (
	LinkingSection    = "linking"
	RelocPrefix       = "reloc."
	LinkingVersion    = 2
	StackPointer      = "__stack_pointer"
	LinearMemory      = "__linear_memory"
	IndirectTable     = "__indirect_function_table"
	EnvModule         = "env"
	GOTMemModule      = "GOT.mem"
	GOTFuncModule     = "GOT.func"
	DefaultEntryPoint = "entry"
)

// Linking subsection types.
const (
	SubsectionSegmentInfo byte = 5
	SubsectionInitFuncs   byte = 6
	SubsectionComdatInfo  byte = 7
	SubsectionSymbolTable byte = 8
)

// SymbolKind identifies what a symbol table entry refers to.
type SymbolKind byte

const (
	SymbolFunction SymbolKind = 0
	SymbolData     SymbolKind = 1
	SymbolGlobal   SymbolKind = 2
	SymbolSection  SymbolKind = 3
	SymbolTag      SymbolKind = 4
	SymbolTable    SymbolKind = 5
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolFunction:
		return "function"
	case SymbolData:
		return "data"
	case SymbolGlobal:
		return "global"
	case SymbolSection:
		return "section"
	case SymbolTag:
		return "tag"
	case SymbolTable:
		return "table"
	}
	return "unknown"
}

// Symbol flags.
const (
	FlagBindingWeak      uint32 = 0x01
	FlagBindingLocal     uint32 = 0x02
	FlagVisibilityHidden uint32 = 0x04
	FlagUndefined        uint32 = 0x10
	FlagExported         uint32 = 0x20
	FlagExplicitName     uint32 = 0x40
	FlagNoStrip          uint32 = 0x80
	FlagTLS              uint32 = 0x100
	FlagAbsolute         uint32 = 0x200
)

// PageSize is the linear memory page size.
const PageSize = 65536

const (
	segmentFlagPassive        = 0x01
	segmentFlagExplicitMemory = 0x02

	limitsFlagHasMax   = 0x01
	limitsFlagShared   = 0x02
	limitsFlagMemory64 = 0x04
)
