package asm

import (
	"github.com/wippyai/vmbridge/internal/binary"
	"github.com/wippyai/vmbridge/module"
)

type layout struct {
	segments []*Data
	offsets  map[*Data]uint64
	segIndex map[*Data]uint32
	symbols  map[*Data]uint32
}

// Encode returns the object in binary form.
func (o *Object) Encode() []byte {
	lay := o.layout()

	w := binary.NewWriter()
	w.WriteU32LE(module.Magic)
	w.WriteU32LE(module.Version)
	sections := 0
	section := func(id byte, payload []byte) {
		w.WriteSection(id, payload)
		sections++
	}

	section(module.SectionType, o.encodeTypes())
	section(module.SectionImport, o.encodeImports())
	if len(o.funcs) > 0 {
		section(module.SectionFunction, o.encodeFunctions())
	}

	var codeSection int
	var relocs []byte
	if len(o.funcs) > 0 {
		codeSection = sections
		code, entries := o.encodeCode(lay)
		section(module.SectionCode, code)
		relocs = entries
	}
	if len(lay.segments) > 0 {
		section(module.SectionData, o.encodeData(lay))
	}

	section(module.SectionCustom, custom(module.LinkingSection, o.encodeLinking(lay)))
	if relocs != nil {
		rw := binary.NewWriter()
		rw.WriteU32(uint32(codeSection))
		rw.WriteBytes(relocs)
		section(module.SectionCustom, custom(module.RelocPrefix+"CODE", rw.Bytes()))
	}
	return w.Bytes()
}

func custom(name string, payload []byte) []byte {
	w := binary.NewWriter()
	w.WriteName(name)
	w.WriteBytes(payload)
	return w.Bytes()
}

func (o *Object) layout() *layout {
	lay := &layout{
		offsets:  make(map[*Data]uint64),
		segIndex: make(map[*Data]uint32),
		symbols:  make(map[*Data]uint32),
	}
	var cur uint64
	for _, d := range o.data {
		if d.Undefined {
			continue
		}
		align := uint64(d.Align)
		if align == 0 {
			align = 1
		}
		cur = (cur + align - 1) &^ (align - 1)
		lay.offsets[d] = cur
		lay.segIndex[d] = uint32(len(lay.segments))
		lay.segments = append(lay.segments, d)
		cur += uint64(len(d.Bytes))
	}

	next := uint32(len(o.funcImps) + len(o.funcs))
	for _, d := range o.data {
		lay.symbols[d] = next
		next++
	}
	return lay
}

func (o *Object) encodeTypes() []byte {
	w := binary.NewWriter()
	w.WriteU32(uint32(len(o.types)))
	for _, t := range o.types {
		w.Byte(module.FuncTypeByte)
		w.WriteU32(uint32(len(t.Params)))
		for _, p := range t.Params {
			w.Byte(byte(p))
		}
		w.WriteU32(uint32(len(t.Results)))
		for _, r := range t.Results {
			w.Byte(byte(r))
		}
	}
	return w.Bytes()
}

func (o *Object) encodeImports() []byte {
	w := binary.NewWriter()
	w.WriteU32(uint32(1 + len(o.funcImps) + len(o.globalImps)))

	w.WriteName(module.EnvModule)
	w.WriteName(module.LinearMemory)
	w.Byte(module.KindMemory)
	w.Byte(0)
	w.WriteU32(o.memPages)

	for _, imp := range o.funcImps {
		w.WriteName(imp.module)
		w.WriteName(imp.name)
		w.Byte(module.KindFunc)
		w.WriteU32(imp.typ)
	}
	for _, imp := range o.globalImps {
		w.WriteName(imp.module)
		w.WriteName(imp.name)
		w.Byte(module.KindGlobal)
		w.Byte(byte(imp.typ))
		if imp.mutable {
			w.Byte(1)
		} else {
			w.Byte(0)
		}
	}
	return w.Bytes()
}

func (o *Object) encodeFunctions() []byte {
	w := binary.NewWriter()
	w.WriteU32(uint32(len(o.funcs)))
	for _, f := range o.funcs {
		w.WriteU32(f.typ)
	}
	return w.Bytes()
}

// encodeCode returns the code section payload and the body of its
// reloc.CODE section without the leading target index.
func (o *Object) encodeCode(lay *layout) ([]byte, []byte) {
	w := binary.NewWriter()
	w.WriteU32(uint32(len(o.funcs)))

	var entries []site
	for _, f := range o.funcs {
		body, sites := f.body()
		w.WriteU32(uint32(len(body)))
		start := w.Len()
		w.WriteBytes(body)
		for _, s := range sites {
			s.offset += start
			entries = append(entries, s)
		}
	}
	if len(entries) == 0 {
		return w.Bytes(), nil
	}

	rw := binary.NewWriter()
	rw.WriteU32(uint32(len(entries)))
	for _, s := range entries {
		rw.Byte(byte(s.kind))
		rw.WriteU32(uint32(s.offset))
		if s.data != nil {
			rw.WriteU32(lay.symbols[s.data])
		} else {
			rw.WriteU32(uint32(s.symbol))
		}
		if s.kind.HasAddend() {
			rw.WriteS64(s.addend)
		}
	}
	return w.Bytes(), rw.Bytes()
}

func (o *Object) encodeData(lay *layout) []byte {
	w := binary.NewWriter()
	w.WriteU32(uint32(len(lay.segments)))
	for _, d := range lay.segments {
		w.WriteU32(0)
		w.Byte(module.OpI32Const)
		w.WriteS32(int32(lay.offsets[d]))
		w.Byte(module.OpEnd)
		w.WriteU32(uint32(len(d.Bytes)))
		w.WriteBytes(d.Bytes)
	}
	return w.Bytes()
}

func (o *Object) encodeLinking(lay *layout) []byte {
	w := binary.NewWriter()
	w.WriteU32(module.LinkingVersion)

	syms := binary.NewWriter()
	var count uint32
	for i := range o.funcImps {
		syms.Byte(byte(module.SymbolFunction))
		syms.WriteU32(module.FlagUndefined)
		syms.WriteU32(uint32(i))
		count++
	}
	for _, f := range o.funcs {
		syms.Byte(byte(module.SymbolFunction))
		syms.WriteU32(0)
		syms.WriteU32(f.index)
		syms.WriteName(f.Name)
		count++
	}
	for _, d := range o.data {
		syms.Byte(byte(module.SymbolData))
		var flags uint32
		if d.Local {
			flags |= module.FlagBindingLocal
		}
		if d.Undefined {
			flags |= module.FlagUndefined
		}
		syms.WriteU32(flags)
		syms.WriteName(d.Name)
		if !d.Undefined {
			syms.WriteU32(lay.segIndex[d])
			syms.WriteU64(0)
			syms.WriteU64(d.Size)
		}
		count++
	}
	for i, g := range o.globalImps {
		if g.module == module.GOTMemModule {
			continue
		}
		syms.Byte(byte(module.SymbolGlobal))
		syms.WriteU32(module.FlagUndefined)
		syms.WriteU32(uint32(i))
		count++
	}

	table := binary.NewWriter()
	table.WriteU32(count)
	table.WriteBytes(syms.Bytes())
	w.Byte(module.SubsectionSymbolTable)
	w.WriteU32(uint32(table.Len()))
	w.WriteBytes(table.Bytes())

	if len(lay.segments) > 0 {
		info := binary.NewWriter()
		info.WriteU32(uint32(len(lay.segments)))
		for _, d := range lay.segments {
			prefix := ".data."
			if d.bss {
				prefix = ".bss."
			}
			info.WriteName(prefix + d.Name)
			info.WriteU32(log2(d.Align))
			info.WriteU32(0)
		}
		w.Byte(module.SubsectionSegmentInfo)
		w.WriteU32(uint32(info.Len()))
		w.WriteBytes(info.Bytes())
	}
	return w.Bytes()
}

func log2(v uint32) uint32 {
	var n uint32
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}
