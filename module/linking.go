package module

import (
	"fmt"

	"github.com/wippyai/vmbridge/internal/binary"
	"github.com/wippyai/vmbridge/reloc"
)

func parseLinking(r *binary.Reader, o *Object) error {
	version, err := r.ReadU32()
	if err != nil {
		return err
	}
	if version != LinkingVersion {
		return fmt.Errorf("linking version %d, want %d", version, LinkingVersion)
	}

	for r.Len() > 0 {
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return err
		}
		sr := binary.NewReader(payload)

		switch kind {
		case SubsectionSegmentInfo:
			err = parseSegmentInfo(sr, o)
		case SubsectionSymbolTable:
			err = parseSymbolTable(sr, o)
		}
		if err != nil {
			return sr.WrapError(fmt.Sprintf("linking subsection %d", kind), err)
		}
	}
	return nil
}

// parseSegmentInfo is applied after the data section is parsed; the linking
// section always follows it, so segments already exist here.
func parseSegmentInfo(r *binary.Reader, o *Object) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(count) != len(o.Segments) {
		return fmt.Errorf("segment info lists %d segments, data section has %d", count, len(o.Segments))
	}
	for i := range o.Segments {
		seg := &o.Segments[i]
		if seg.Name, err = r.ReadName(); err != nil {
			return err
		}
		if seg.Align, err = r.ReadU32(); err != nil {
			return err
		}
		if _, err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseSymbolTable(r *binary.Reader, o *Object) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		sym := Symbol{Kind: SymbolKind(kind), Flags: flags}

		switch sym.Kind {
		case SymbolFunction, SymbolGlobal, SymbolTag, SymbolTable:
			if sym.Index, err = r.ReadU32(); err != nil {
				return err
			}
			if sym.Defined() || flags&FlagExplicitName != 0 {
				if sym.Name, err = r.ReadName(); err != nil {
					return err
				}
			}
		case SymbolData:
			if sym.Name, err = r.ReadName(); err != nil {
				return err
			}
			if sym.Defined() {
				if sym.Segment, err = r.ReadU32(); err != nil {
					return err
				}
				if sym.Offset, err = r.ReadU64(); err != nil {
					return err
				}
				if sym.Size, err = r.ReadU64(); err != nil {
					return err
				}
			}
		case SymbolSection:
			if sym.Index, err = r.ReadU32(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("symbol %d: unknown kind %d", i, kind)
		}
		o.Symbols = append(o.Symbols, sym)
	}
	return nil
}

func parseRelocSection(r *binary.Reader, name string) (RelocSection, error) {
	rs := RelocSection{Name: name}
	target, err := r.ReadU32()
	if err != nil {
		return rs, err
	}
	rs.Target = int(target)

	count, err := r.ReadU32()
	if err != nil {
		return rs, err
	}
	for i := uint32(0); i < count; i++ {
		typ, err := r.ReadByte()
		if err != nil {
			return rs, err
		}
		e := Relocation{Type: reloc.Kind(typ)}
		if e.Offset, err = r.ReadU32(); err != nil {
			return rs, err
		}
		if e.Symbol, err = r.ReadU32(); err != nil {
			return rs, err
		}
		if e.Type.HasAddend() {
			if e.Addend, err = r.ReadS64(); err != nil {
				return rs, err
			}
		}
		rs.Entries = append(rs.Entries, e)
	}
	return rs, nil
}

// finishSymbols names undefined symbols after the import they refer to and
// validates data symbol segment references. Symbol ranges are checked by the
// relocation resolver, not here.
func (o *Object) finishSymbols() error {
	for i := range o.Symbols {
		sym := &o.Symbols[i]
		switch sym.Kind {
		case SymbolFunction, SymbolGlobal, SymbolTable, SymbolTag:
			if sym.Name != "" || sym.Defined() {
				continue
			}
			if imp, ok := o.importAt(symbolImportKind(sym.Kind), sym.Index); ok {
				sym.Name = imp.Name
			}
		case SymbolData:
			if !sym.Defined() {
				continue
			}
			if int(sym.Segment) >= len(o.Segments) {
				return wrapMalformed("symbol table", fmt.Errorf("data symbol %q: segment %d out of range", sym.Name, sym.Segment))
			}
		}
	}
	return nil
}

func symbolImportKind(k SymbolKind) byte {
	switch k {
	case SymbolGlobal:
		return KindGlobal
	case SymbolTable:
		return KindTable
	case SymbolTag:
		return KindTag
	}
	return KindFunc
}

func (o *Object) importAt(kind byte, index uint32) (Import, bool) {
	var n uint32
	for _, imp := range o.Imports {
		if imp.Kind != kind {
			continue
		}
		if n == index {
			return imp, true
		}
		n++
	}
	return Import{}, false
}
