package asm

import (
	"github.com/wippyai/vmbridge/internal/binary"
	"github.com/wippyai/vmbridge/module"
	"github.com/wippyai/vmbridge/reloc"
)

// Func is a function body under construction.
type Func struct {
	obj    *Object
	Name   string
	locals []module.ValType
	code   *binary.Writer
	sites  []site
	typ    uint32
	params uint32
	index  uint32
}

type site struct {
	data   *Data
	addend int64
	offset int
	kind   reloc.Kind
	symbol int // explicit symbol index when data is nil
}

// Index returns the function index.
func (f *Func) Index() uint32 {
	return f.index
}

func (f *Func) w() *binary.Writer {
	if f.code == nil {
		f.code = binary.NewWriter()
	}
	return f.code
}

// Local adds a local of type t and returns its index.
func (f *Func) Local(t module.ValType) uint32 {
	f.locals = append(f.locals, t)
	return f.params + uint32(len(f.locals)-1)
}

// Op emits raw opcode bytes.
func (f *Func) Op(ops ...byte) *Func {
	f.w().WriteBytes(ops)
	return f
}

func (f *Func) I32Const(v int32) *Func {
	f.w().Byte(OpI32Const)
	f.w().WriteS32(v)
	return f
}

func (f *Func) I64Const(v int64) *Func {
	f.w().Byte(OpI64Const)
	f.w().WriteS64(v)
	return f
}

func (f *Func) LocalGet(i uint32) *Func { return f.indexed(OpLocalGet, i) }
func (f *Func) LocalSet(i uint32) *Func { return f.indexed(OpLocalSet, i) }
func (f *Func) LocalTee(i uint32) *Func { return f.indexed(OpLocalTee, i) }

func (f *Func) GlobalGet(i uint32) *Func { return f.indexed(OpGlobalGet, i) }
func (f *Func) GlobalSet(i uint32) *Func { return f.indexed(OpGlobalSet, i) }

// Call emits a call to a function index.
func (f *Func) Call(i uint32) *Func { return f.indexed(OpCall, i) }

func (f *Func) Br(depth uint32) *Func   { return f.indexed(OpBr, depth) }
func (f *Func) BrIf(depth uint32) *Func { return f.indexed(OpBrIf, depth) }

func (f *Func) Block(bt byte) *Func { return f.Op(OpBlock, bt) }
func (f *Func) Loop(bt byte) *Func  { return f.Op(OpLoop, bt) }
func (f *Func) If(bt byte) *Func    { return f.Op(OpIf, bt) }
func (f *Func) Else() *Func         { return f.Op(OpElse) }
func (f *Func) End() *Func          { return f.Op(OpEnd) }
func (f *Func) Return() *Func       { return f.Op(OpReturn) }

func (f *Func) indexed(op byte, i uint32) *Func {
	f.w().Byte(op)
	f.w().WriteU32(i)
	return f
}

// Mem emits a load or store with a plain memarg.
func (f *Func) Mem(op byte, align, offset uint32) *Func {
	f.w().Byte(op)
	f.w().WriteU32(align)
	f.w().WriteU32(offset)
	return f
}

// Addr pushes the address of d plus addend, leaving an
// R_WASM_MEMORY_ADDR_SLEB site for the loader.
func (f *Func) Addr(d *Data, addend int64) *Func {
	f.w().Byte(OpI32Const)
	f.reloc(reloc.MemoryAddrSLEB, d, addend)
	return f
}

// Sym emits a load or store whose memarg offset is the address of d plus
// addend, leaving an R_WASM_MEMORY_ADDR_LEB site. The base address operand
// is expected to be zero.
func (f *Func) Sym(op byte, align uint32, d *Data, addend int64) *Func {
	f.w().Byte(op)
	f.w().WriteU32(align)
	f.reloc(reloc.MemoryAddrLEB, d, addend)
	return f
}

// LoadSym pushes the value stored at d+addend.
func (f *Func) LoadSym(op byte, align uint32, d *Data, addend int64) *Func {
	f.I32Const(0)
	return f.Sym(op, align, d, addend)
}

// Reloc emits a zero placeholder of width bytes and records a relocation of
// kind against symbol index sym. It exists for building objects the loader
// must reject.
func (f *Func) Reloc(kind reloc.Kind, sym int, addend int64, width int) *Func {
	f.sites = append(f.sites, site{kind: kind, symbol: sym, addend: addend, offset: f.w().Len()})
	buf := make([]byte, width)
	if width > 0 {
		binary.PutPaddedU64(buf, 0)
	}
	f.w().WriteBytes(buf)
	return f
}

func (f *Func) reloc(kind reloc.Kind, d *Data, addend int64) {
	f.sites = append(f.sites, site{kind: kind, data: d, addend: addend, offset: f.w().Len(), symbol: -1})
	f.w().WritePaddedU32(0)
}

func (f *Func) body() ([]byte, []site) {
	w := binary.NewWriter()
	// Locals are declared one group per local.
	w.WriteU32(uint32(len(f.locals)))
	for _, t := range f.locals {
		w.WriteU32(1)
		w.Byte(byte(t))
	}
	prefix := w.Len()
	w.WriteBytes(f.w().Bytes())
	w.Byte(OpEnd)

	sites := make([]site, len(f.sites))
	for i, s := range f.sites {
		s.offset += prefix
		sites[i] = s
	}
	return w.Bytes(), sites
}
