package module

import (
	"strings"

	"github.com/wippyai/vmbridge/reloc"
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures match exactly.
func (f FuncType) Equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

func (f FuncType) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range f.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(") -> (")
	for i, r := range f.Results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.String())
	}
	b.WriteByte(')')
	return b.String()
}

// Limits describes memory or table bounds in pages or elements.
type Limits struct {
	Min    uint64
	Max    uint64
	HasMax bool
	Shared bool
	Is64   bool
}

// GlobalType is the type of an imported global.
type GlobalType struct {
	Type    ValType
	Mutable bool
}

// Import is one entry of the import section.
type Import struct {
	Module    string
	Name      string
	Table     []byte // raw table type for table imports
	Memory    Limits
	Global    GlobalType
	TypeIndex uint32
	Kind      byte
}

// Export is one entry of the export section.
type Export struct {
	Name  string
	Index uint32
	Kind  byte
}

// Segment is a data segment laid out at Offset in the object's data image.
type Segment struct {
	Name    string
	Data    []byte
	Offset  uint64
	Align   uint32
	Flags   uint32
	Passive bool
}

// Symbol is one entry of the linking symbol table.
type Symbol struct {
	Name    string
	Offset  uint64
	Size    uint64
	Index   uint32
	Segment uint32
	Flags   uint32
	Kind    SymbolKind
}

// Defined reports whether the symbol is defined in this object.
func (s Symbol) Defined() bool {
	return s.Flags&FlagUndefined == 0
}

// Local reports whether the symbol has local binding.
func (s Symbol) Local() bool {
	return s.Flags&FlagBindingLocal != 0
}

// Relocation is one entry of a reloc section.
type Relocation struct {
	Addend int64
	Offset uint32
	Symbol uint32
	Type   reloc.Kind
}

// RelocSection holds the relocations applying to one target section.
type RelocSection struct {
	Name    string
	Entries []Relocation
	Target  int
}

// Section is a raw section in file order.
type Section struct {
	Name    string
	Payload []byte
	ID      byte
}

// Object is a parsed relocatable object.
type Object struct {
	Types       []FuncType
	Imports     []Import
	Funcs       []uint32
	Tables      []byte
	Memories    []Limits
	Globals     []byte
	Exports     []Export
	Code        []byte
	Segments    []Segment
	Symbols     []Symbol
	Relocs      []RelocSection
	Sections    []Section
	TableCount  uint32
	GlobalCount uint32
	CodeSection int
	Linking     bool
}

// ImportCount returns how many imports of the given kind the object has.
func (o *Object) ImportCount(kind byte) uint32 {
	var n uint32
	for _, imp := range o.Imports {
		if imp.Kind == kind {
			n++
		}
	}
	return n
}

// FuncImports returns the function imports in index order.
func (o *Object) FuncImports() []Import {
	var out []Import
	for _, imp := range o.Imports {
		if imp.Kind == KindFunc {
			out = append(out, imp)
		}
	}
	return out
}

// FuncTypeOf returns the signature of the function at index in the function index space.
func (o *Object) FuncTypeOf(index uint32) (FuncType, bool) {
	var typeIdx uint32
	imported := o.ImportCount(KindFunc)
	if index < imported {
		var n uint32
		for _, imp := range o.Imports {
			if imp.Kind != KindFunc {
				continue
			}
			if n == index {
				typeIdx = imp.TypeIndex
				break
			}
			n++
		}
	} else {
		local := index - imported
		if int(local) >= len(o.Funcs) {
			return FuncType{}, false
		}
		typeIdx = o.Funcs[local]
	}
	if int(typeIdx) >= len(o.Types) {
		return FuncType{}, false
	}
	return o.Types[typeIdx], true
}

// Lookup returns the first symbol with the given name and kind.
func (o *Object) Lookup(kind SymbolKind, name string) (Symbol, bool) {
	for _, s := range o.Symbols {
		if s.Kind == kind && s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}

// HasDataRelocations reports whether any relocation refers to global data.
func (o *Object) HasDataRelocations() bool {
	for _, rs := range o.Relocs {
		for _, e := range rs.Entries {
			if e.Type.IsMemoryAddr() {
				return true
			}
		}
	}
	for _, imp := range o.Imports {
		if imp.Kind == KindGlobal && imp.Module == GOTMemModule {
			return true
		}
	}
	return false
}
