package module

import (
	"errors"
	"fmt"
	"math"

	vmerrors "github.com/wippyai/vmbridge/errors"
	"github.com/wippyai/vmbridge/internal/binary"
	"github.com/wippyai/vmbridge/reloc"
)

// LinkConfig controls how an object is materialized into a standalone module.
type LinkConfig struct {
	// Resolve serves global-data relocations. Nil fails any object that has them.
	Resolve func(req reloc.Request) (uint64, error)

	// Data is the object's data image when the caller already built it.
	// Nil makes Link build it with DataImage.
	Data []byte

	// Entry names the function exported for execution.
	Entry string

	// StackTop initializes an imported __stack_pointer.
	StackTop uint64

	// MinPages and MaxPages size the module's memory. MaxPages 0 means no maximum.
	MinPages uint32
	MaxPages uint32
}

// Linked is a self-contained module ready for compilation.
type Linked struct {
	Binary     []byte
	Imports    []Import
	Entry      FuncType
	EntryIndex uint32
	DataSize   int
	Resolved   int
}

type linker struct {
	obj      *Object
	cfg      LinkConfig
	image    []byte
	code     []byte
	resolved int
}

// Link patches every global-data relocation in o through cfg.Resolve and
// encodes a module that no longer depends on the linking metadata: imported
// globals, memory and tables become definitions, data and custom sections are
// dropped, and the entry function is exported. Function imports remain.
func Link(o *Object, cfg LinkConfig) (*Linked, error) {
	if cfg.Entry == "" {
		cfg.Entry = DefaultEntryPoint
	}
	image := cfg.Data
	if image == nil {
		var err error
		if image, err = o.DataImage(); err != nil {
			return nil, err
		}
	}

	l := &linker{obj: o, cfg: cfg, image: image}
	l.code = make([]byte, len(o.Code))
	copy(l.code, o.Code)

	if err := l.applyRelocations(); err != nil {
		return nil, err
	}

	entryIdx, entryType, err := l.entry()
	if err != nil {
		return nil, err
	}

	out, err := l.encode(entryIdx)
	if err != nil {
		return nil, err
	}

	return &Linked{
		Binary:     out,
		Imports:    o.FuncImports(),
		Entry:      entryType,
		EntryIndex: entryIdx,
		DataSize:   len(image),
		Resolved:   l.resolved,
	}, nil
}

func (l *linker) applyRelocations() error {
	for _, rs := range l.obj.Relocs {
		for _, e := range rs.Entries {
			switch {
			case e.Type.IsIndex():
				continue
			case e.Type.IsMemoryAddr() && rs.Target == l.obj.CodeSection:
				sym := l.obj.Symbols[e.Symbol]
				addr, err := l.resolve(sym, e.Type, e.Offset)
				if err != nil {
					return err
				}
				if err := Patch(l.code, e.Type, e.Offset, addr, e.Addend); err != nil {
					return withSymbol(err, sym.Name)
				}
			default:
				return vmerrors.New(vmerrors.PhaseRelocate, vmerrors.KindUnsupported).
					Value(uint8(e.Type)).
					Detail("%s in %s at offset %d", e.Type, rs.Name, e.Offset).
					Build()
			}
		}
	}
	return nil
}

func withSymbol(err error, name string) error {
	var ve *vmerrors.Error
	if errors.As(err, &ve) && ve.Symbol == "" {
		ve.Symbol = name
	}
	return err
}

func (l *linker) resolve(sym Symbol, kind reloc.Kind, site uint32) (uint64, error) {
	if sym.Kind != SymbolData {
		return 0, vmerrors.New(vmerrors.PhaseRelocate, vmerrors.KindMalformed).
			Symbol(sym.Name).
			Detail("%s refers to a %s symbol", kind, sym.Kind).
			Build()
	}
	if !sym.Defined() {
		return 0, vmerrors.Unresolved(sym.Name, "undefined data symbol", nil)
	}
	if l.cfg.Resolve == nil {
		return 0, vmerrors.Unresolved(sym.Name, "no relocation resolver registered", nil)
	}
	seg, err := l.obj.SegmentFor(sym)
	if err != nil {
		return 0, err
	}

	addr, err := l.cfg.Resolve(reloc.Request{
		Data:         l.image,
		SymbolName:   sym.Name,
		SymbolOffset: seg.Offset + sym.Offset,
		SymbolSize:   sym.Size,
		Kind:         kind,
		Site:         site,
	})
	if err != nil {
		var ve *vmerrors.Error
		if errors.As(err, &ve) {
			return 0, withSymbol(err, sym.Name)
		}
		return 0, vmerrors.Unresolved(sym.Name, "resolver failed", err)
	}
	if addr == 0 {
		return 0, vmerrors.Unresolved(sym.Name, "resolver returned address 0", nil)
	}
	l.resolved++
	return addr, nil
}

func (l *linker) entry() (uint32, FuncType, error) {
	o := l.obj
	name := l.cfg.Entry

	idx, ok := uint32(0), false
	for _, s := range o.Symbols {
		if s.Kind == SymbolFunction && s.Defined() && s.Name == name {
			idx, ok = s.Index, true
			break
		}
	}
	if !ok {
		for _, e := range o.Exports {
			if e.Kind == KindFunc && e.Name == name {
				idx, ok = e.Index, true
				break
			}
		}
	}
	if !ok {
		return 0, FuncType{}, vmerrors.NotFound(vmerrors.PhaseLoad, "entry function", name)
	}
	if idx < o.ImportCount(KindFunc) {
		return 0, FuncType{}, vmerrors.InvalidInput(vmerrors.PhaseLoad, fmt.Sprintf("entry %q is an imported function", name))
	}
	ft, ok := o.FuncTypeOf(idx)
	if !ok {
		return 0, FuncType{}, vmerrors.Malformed(fmt.Sprintf("entry %q: function index %d out of range", name, idx), nil)
	}
	return idx, ft, nil
}

func (l *linker) encode(entryIdx uint32) ([]byte, error) {
	o := l.obj
	w := binary.NewWriter()
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	if raw, ok := l.raw(SectionType); ok {
		w.WriteSection(SectionType, raw)
	}
	if imports := o.FuncImports(); len(imports) > 0 {
		w.WriteSection(SectionImport, encodeImports(imports))
	}
	if raw, ok := l.raw(SectionFunction); ok {
		w.WriteSection(SectionFunction, raw)
	}
	if tables := l.tables(); tables != nil {
		w.WriteSection(SectionTable, tables)
	}
	memory, err := l.memory()
	if err != nil {
		return nil, err
	}
	w.WriteSection(SectionMemory, memory)
	if raw, ok := l.raw(SectionTag); ok {
		w.WriteSection(SectionTag, raw)
	}
	globals, err := l.globals()
	if err != nil {
		return nil, err
	}
	if globals != nil {
		w.WriteSection(SectionGlobal, globals)
	}
	exports, err := l.exports(entryIdx)
	if err != nil {
		return nil, err
	}
	w.WriteSection(SectionExport, exports)
	if raw, ok := l.raw(SectionStart); ok {
		w.WriteSection(SectionStart, raw)
	}
	if raw, ok := l.raw(SectionElement); ok {
		w.WriteSection(SectionElement, raw)
	}
	if o.CodeSection >= 0 {
		w.WriteSection(SectionCode, l.code)
	}
	return w.Bytes(), nil
}

func (l *linker) raw(id byte) ([]byte, bool) {
	for _, s := range l.obj.Sections {
		if s.ID == id {
			return s.Payload, true
		}
	}
	return nil, false
}

func encodeImports(imports []Import) []byte {
	w := binary.NewWriter()
	w.WriteU32(uint32(len(imports)))
	for _, imp := range imports {
		w.WriteName(imp.Module)
		w.WriteName(imp.Name)
		w.Byte(KindFunc)
		w.WriteU32(imp.TypeIndex)
	}
	return w.Bytes()
}

func (l *linker) tables() []byte {
	o := l.obj
	var imported [][]byte
	for _, imp := range o.Imports {
		if imp.Kind == KindTable {
			imported = append(imported, imp.Table)
		}
	}
	total := uint32(len(imported)) + o.TableCount
	if total == 0 {
		return nil
	}
	w := binary.NewWriter()
	w.WriteU32(total)
	for _, t := range imported {
		w.WriteBytes(t)
	}
	w.WriteBytes(o.Tables)
	return w.Bytes()
}

func (l *linker) memory() ([]byte, error) {
	o := l.obj
	var declared []Limits
	for _, imp := range o.Imports {
		if imp.Kind == KindMemory {
			if imp.Module != EnvModule || imp.Name != LinearMemory {
				return nil, vmerrors.Unresolved(imp.Module+"."+imp.Name, "unknown memory import", nil)
			}
			declared = append(declared, imp.Memory)
		}
	}
	declared = append(declared, o.Memories...)
	if len(declared) > 1 {
		return nil, vmerrors.Unsupported(vmerrors.PhaseLoad, fmt.Sprintf("%d memories", len(declared)))
	}

	minPages := uint64(l.cfg.MinPages)
	if len(declared) == 1 {
		d := declared[0]
		if d.Is64 || d.Shared {
			return nil, vmerrors.Unsupported(vmerrors.PhaseLoad, "64-bit or shared memory")
		}
		if d.Min > minPages {
			minPages = d.Min
		}
	}
	if minPages == 0 {
		minPages = 1
	}
	lim := Limits{Min: minPages}
	if l.cfg.MaxPages > 0 {
		if minPages > uint64(l.cfg.MaxPages) {
			return nil, vmerrors.AllocationFailed(vmerrors.PhaseLoad, minPages*PageSize, uint64(l.cfg.MaxPages)*PageSize)
		}
		lim.HasMax = true
		lim.Max = uint64(l.cfg.MaxPages)
	}

	w := binary.NewWriter()
	w.WriteU32(1)
	w.WriteBytes(encodeLimits(lim))
	return w.Bytes(), nil
}

func (l *linker) globals() ([]byte, error) {
	o := l.obj
	body := binary.NewWriter()
	var converted uint32
	for _, imp := range o.Imports {
		if imp.Kind != KindGlobal {
			continue
		}
		value, err := l.globalValue(imp)
		if err != nil {
			return nil, err
		}
		body.Byte(byte(imp.Global.Type))
		if imp.Global.Mutable {
			body.Byte(1)
		} else {
			body.Byte(0)
		}
		switch imp.Global.Type {
		case ValI32:
			if value > math.MaxUint32 {
				return nil, vmerrors.Overflow(vmerrors.PhaseLoad, value, "i32 global "+imp.Name)
			}
			body.Byte(OpI32Const)
			body.WriteS32(int32(uint32(value)))
		case ValI64:
			body.Byte(OpI64Const)
			body.WriteS64(int64(value))
		default:
			return nil, vmerrors.Unsupported(vmerrors.PhaseLoad, fmt.Sprintf("global import %s.%s of type %s", imp.Module, imp.Name, imp.Global.Type))
		}
		body.Byte(OpEnd)
		converted++
	}

	total := converted + o.GlobalCount
	if total == 0 {
		return nil, nil
	}
	w := binary.NewWriter()
	w.WriteU32(total)
	w.WriteBytes(body.Bytes())
	w.WriteBytes(o.Globals)
	return w.Bytes(), nil
}

func (l *linker) globalValue(imp Import) (uint64, error) {
	switch {
	case imp.Module == EnvModule && imp.Name == StackPointer:
		return l.cfg.StackTop, nil
	case imp.Module == GOTMemModule:
		for _, s := range l.obj.Symbols {
			if s.Kind == SymbolData && s.Defined() && s.Name == imp.Name {
				return l.resolve(s, reloc.GOTEntry, 0)
			}
		}
		return 0, vmerrors.Unresolved(imp.Name, "GOT.mem import of undefined data symbol", nil)
	}
	return 0, vmerrors.Unresolved(imp.Module+"."+imp.Name, "unknown global import", nil)
}

func (l *linker) exports(entryIdx uint32) ([]byte, error) {
	exports := append([]Export(nil), l.obj.Exports...)
	found := false
	for _, e := range exports {
		if e.Name != l.cfg.Entry {
			continue
		}
		if e.Kind != KindFunc || e.Index != entryIdx {
			return nil, vmerrors.Malformed(fmt.Sprintf("export %q does not refer to the entry function", e.Name), nil)
		}
		found = true
	}
	if !found {
		exports = append(exports, Export{Name: l.cfg.Entry, Kind: KindFunc, Index: entryIdx})
	}

	w := binary.NewWriter()
	w.WriteU32(uint32(len(exports)))
	for _, e := range exports {
		w.WriteName(e.Name)
		w.Byte(e.Kind)
		w.WriteU32(e.Index)
	}
	return w.Bytes(), nil
}
