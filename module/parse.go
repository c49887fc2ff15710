package module

import (
	"errors"
	"fmt"
	"io"
	"strings"

	vmerrors "github.com/wippyai/vmbridge/errors"
	"github.com/wippyai/vmbridge/internal/binary"
	"github.com/wippyai/vmbridge/reloc"
)

// Parsing errors returned by Parse.
var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("invalid version")
)

// Parse decodes a relocatable object. Section payloads are copied, so the
// returned Object does not alias data.
func Parse(data []byte) (*Object, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, vmerrors.Malformed("header", r.WrapError("header", err))
	}
	if magic != Magic {
		return nil, vmerrors.Malformed("header", ErrInvalidMagic)
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, vmerrors.Malformed("header", r.WrapError("header", err))
	}
	if version != Version {
		return nil, vmerrors.Malformed("header", ErrInvalidVersion)
	}

	o := &Object{CodeSection: -1}
	var lastOrder int

	for {
		id, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, vmerrors.Malformed("section header", r.WrapError("section header", err))
		}

		if id != SectionCustom {
			order := sectionOrder(id)
			if order == 0 {
				return nil, vmerrors.Malformed(fmt.Sprintf("unknown section ID 0x%02x", id), nil)
			}
			if order <= lastOrder {
				return nil, vmerrors.Malformed(fmt.Sprintf("section %d appears out of order", id), nil)
			}
			lastOrder = order
		}

		size, err := r.ReadU32()
		if err != nil {
			return nil, vmerrors.Malformed("section size", r.WrapError("section size", err))
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, vmerrors.Malformed("section data", r.WrapError("section data", err))
		}

		sec := Section{ID: id, Payload: payload}
		sr := binary.NewReader(payload)

		switch id {
		case SectionCustom:
			name, err := sr.ReadName()
			if err != nil {
				return nil, vmerrors.Malformed("custom section name", err)
			}
			sec.Name = name
			rest, _ := sr.ReadRemaining()
			err = parseCustom(o, name, rest)
			if err != nil {
				return nil, err
			}
		case SectionType:
			err = parseTypeSection(sr, o)
		case SectionImport:
			err = parseImportSection(sr, o)
		case SectionFunction:
			err = parseFunctionSection(sr, o)
		case SectionTable:
			o.TableCount, o.Tables, err = readCounted(sr)
		case SectionMemory:
			err = parseMemorySection(sr, o)
		case SectionGlobal:
			o.GlobalCount, o.Globals, err = readCounted(sr)
		case SectionExport:
			err = parseExportSection(sr, o)
		case SectionCode:
			o.Code = payload
			o.CodeSection = len(o.Sections)
			err = checkCodeSection(sr, o)
		case SectionData:
			err = parseDataSection(sr, o)
		}
		if err != nil {
			var ve *vmerrors.Error
			if errors.As(err, &ve) {
				return nil, err
			}
			return nil, vmerrors.Malformed(sectionName(id), sr.WrapError(sectionName(id), err))
		}

		o.Sections = append(o.Sections, sec)
	}

	if err := o.finishSymbols(); err != nil {
		return nil, err
	}
	if err := o.checkRelocs(); err != nil {
		return nil, err
	}
	return o, nil
}

// sectionOrder returns the canonical ordering for a section ID, 0 if unknown.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionTag:
		return 6
	case SectionGlobal:
		return 7
	case SectionExport:
		return 8
	case SectionStart:
		return 9
	case SectionElement:
		return 10
	case SectionDataCount:
		return 11
	case SectionCode:
		return 12
	case SectionData:
		return 13
	}
	return 0
}

func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom section"
	case SectionType:
		return "type section"
	case SectionImport:
		return "import section"
	case SectionFunction:
		return "function section"
	case SectionTable:
		return "table section"
	case SectionMemory:
		return "memory section"
	case SectionGlobal:
		return "global section"
	case SectionExport:
		return "export section"
	case SectionStart:
		return "start section"
	case SectionElement:
		return "element section"
	case SectionCode:
		return "code section"
	case SectionData:
		return "data section"
	case SectionDataCount:
		return "data count section"
	case SectionTag:
		return "tag section"
	}
	return fmt.Sprintf("section %d", id)
}

func parseCustom(o *Object, name string, payload []byte) error {
	switch {
	case name == LinkingSection:
		if err := parseLinking(binary.NewReader(payload), o); err != nil {
			return wrapMalformed("linking section", err)
		}
		o.Linking = true
	case strings.HasPrefix(name, RelocPrefix):
		rs, err := parseRelocSection(binary.NewReader(payload), name)
		if err != nil {
			return wrapMalformed(name, err)
		}
		o.Relocs = append(o.Relocs, rs)
	}
	return nil
}

func wrapMalformed(what string, err error) error {
	var ve *vmerrors.Error
	if errors.As(err, &ve) {
		return err
	}
	return vmerrors.Malformed(what, err)
}

func readCounted(r *binary.Reader) (uint32, []byte, error) {
	count, err := r.ReadU32()
	if err != nil {
		return 0, nil, err
	}
	rest, err := r.ReadRemaining()
	return count, rest, err
}

func readValType(r *binary.Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch ValType(b) {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExtern:
		return ValType(b), nil
	}
	return 0, fmt.Errorf("unsupported value type 0x%02x", b)
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]ValType, n)
	for i := range out {
		if out[i], err = readValType(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseTypeSection(r *binary.Reader, o *Object) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != FuncTypeByte {
			return vmerrors.Unsupported(vmerrors.PhaseLoad, fmt.Sprintf("type form 0x%02x", form))
		}
		params, err := readValTypes(r)
		if err != nil {
			return err
		}
		results, err := readValTypes(r)
		if err != nil {
			return err
		}
		o.Types = append(o.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	l := Limits{
		HasMax: flags&limitsFlagHasMax != 0,
		Shared: flags&limitsFlagShared != 0,
		Is64:   flags&limitsFlagMemory64 != 0,
	}
	if l.Min, err = r.ReadU64(); err != nil {
		return Limits{}, err
	}
	if l.HasMax {
		if l.Max, err = r.ReadU64(); err != nil {
			return Limits{}, err
		}
	}
	return l, nil
}

func parseImportSection(r *binary.Reader, o *Object) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		var imp Import
		if imp.Module, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Name, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		switch imp.Kind {
		case KindFunc:
			if imp.TypeIndex, err = r.ReadU32(); err != nil {
				return err
			}
			if int(imp.TypeIndex) >= len(o.Types) {
				return fmt.Errorf("import %s.%s: type index %d out of range", imp.Module, imp.Name, imp.TypeIndex)
			}
		case KindTable:
			elem, err := r.ReadByte()
			if err != nil {
				return err
			}
			if ValType(elem) != ValFuncRef && ValType(elem) != ValExtern {
				return fmt.Errorf("import %s.%s: table element type 0x%02x", imp.Module, imp.Name, elem)
			}
			lim, err := readLimits(r)
			if err != nil {
				return err
			}
			imp.Table = append([]byte{elem}, encodeLimits(lim)...)
		case KindMemory:
			if imp.Memory, err = readLimits(r); err != nil {
				return err
			}
		case KindGlobal:
			if imp.Global.Type, err = readValType(r); err != nil {
				return err
			}
			mut, err := r.ReadByte()
			if err != nil {
				return err
			}
			imp.Global.Mutable = mut == 1
		case KindTag:
			return vmerrors.Unsupported(vmerrors.PhaseLoad, fmt.Sprintf("tag import %s.%s", imp.Module, imp.Name))
		default:
			return fmt.Errorf("unknown import kind 0x%02x", imp.Kind)
		}
		o.Imports = append(o.Imports, imp)
	}
	return nil
}

func encodeLimits(l Limits) []byte {
	w := binary.NewWriter()
	var flags byte
	if l.HasMax {
		flags |= limitsFlagHasMax
	}
	if l.Shared {
		flags |= limitsFlagShared
	}
	if l.Is64 {
		flags |= limitsFlagMemory64
	}
	w.Byte(flags)
	w.WriteU64(l.Min)
	if l.HasMax {
		w.WriteU64(l.Max)
	}
	return w.Bytes()
}

func parseFunctionSection(r *binary.Reader, o *Object) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(count) > r.Len() {
		return io.ErrUnexpectedEOF
	}
	o.Funcs = make([]uint32, count)
	for i := range o.Funcs {
		if o.Funcs[i], err = r.ReadU32(); err != nil {
			return err
		}
		if int(o.Funcs[i]) >= len(o.Types) {
			return fmt.Errorf("function %d: type index %d out of range", i, o.Funcs[i])
		}
	}
	return nil
}

func parseMemorySection(r *binary.Reader, o *Object) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		l, err := readLimits(r)
		if err != nil {
			return err
		}
		o.Memories = append(o.Memories, l)
	}
	return nil
}

func parseExportSection(r *binary.Reader, o *Object) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		var e Export
		if e.Name, err = r.ReadName(); err != nil {
			return err
		}
		if e.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		if e.Index, err = r.ReadU32(); err != nil {
			return err
		}
		o.Exports = append(o.Exports, e)
	}
	return nil
}

func checkCodeSection(r *binary.Reader, o *Object) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(count) != len(o.Funcs) {
		return fmt.Errorf("code section has %d bodies for %d functions", count, len(o.Funcs))
	}
	for i := uint32(0); i < count; i++ {
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		if _, err := r.ReadBytes(int(size)); err != nil {
			return fmt.Errorf("function body %d: %w", i, err)
		}
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after function bodies", r.Len())
	}
	return nil
}

func readConstOffset(r *binary.Reader) (uint64, error) {
	op, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	var off int64
	switch op {
	case OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return 0, err
		}
		off = int64(uint32(v))
	case OpI64Const:
		if off, err = r.ReadS64(); err != nil {
			return 0, err
		}
	default:
		return 0, vmerrors.Unsupported(vmerrors.PhaseLoad, fmt.Sprintf("data segment offset expression opcode 0x%02x", op))
	}
	end, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if end != OpEnd {
		return 0, vmerrors.Unsupported(vmerrors.PhaseLoad, "data segment offset must be a single constant")
	}
	if off < 0 {
		return 0, fmt.Errorf("negative data segment offset %d", off)
	}
	return uint64(off), nil
}

func parseDataSection(r *binary.Reader, o *Object) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		seg := Segment{Flags: flags}
		switch flags {
		case 0:
			if seg.Offset, err = readConstOffset(r); err != nil {
				return err
			}
		case segmentFlagPassive:
			seg.Passive = true
		case segmentFlagExplicitMemory:
			mem, err := r.ReadU32()
			if err != nil {
				return err
			}
			if mem != 0 {
				return vmerrors.Unsupported(vmerrors.PhaseLoad, fmt.Sprintf("data segment for memory %d", mem))
			}
			if seg.Offset, err = readConstOffset(r); err != nil {
				return err
			}
		default:
			return fmt.Errorf("data segment %d: unknown flags 0x%x", i, flags)
		}
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		if seg.Data, err = r.ReadBytes(int(size)); err != nil {
			return err
		}
		o.Segments = append(o.Segments, seg)
	}
	return nil
}

// DataExtent returns the size of the data image without building it: the
// end of the furthest active segment.
func (o *Object) DataExtent() (uint64, error) {
	var size uint64
	for i, seg := range o.Segments {
		if seg.Passive {
			return 0, vmerrors.Unsupported(vmerrors.PhaseLoad, fmt.Sprintf("passive data segment %d (%s)", i, seg.Name))
		}
		end := seg.Offset + uint64(len(seg.Data))
		if end < seg.Offset || end > MaxDataImage {
			return 0, vmerrors.Overflow(vmerrors.PhaseLoad, end, "data image")
		}
		if end > size {
			size = end
		}
	}
	return size, nil
}

// DataImage lays the active data segments out at their offsets.
// Gaps between segments are zero filled. Callers bound DataExtent first.
func (o *Object) DataImage() ([]byte, error) {
	size, err := o.DataExtent()
	if err != nil {
		return nil, err
	}
	image := make([]byte, size)
	for _, seg := range o.Segments {
		copy(image[seg.Offset:], seg.Data)
	}
	return image, nil
}

// MaxDataImage bounds the data image of a 32-bit object.
const MaxDataImage = 1 << 32

// SegmentFor returns the segment holding a defined data symbol.
func (o *Object) SegmentFor(sym Symbol) (Segment, error) {
	if int(sym.Segment) >= len(o.Segments) {
		return Segment{}, vmerrors.New(vmerrors.PhaseRelocate, vmerrors.KindMalformed).
			Symbol(sym.Name).
			Detail("segment index %d out of range (%d segments)", sym.Segment, len(o.Segments)).
			Build()
	}
	return o.Segments[sym.Segment], nil
}

func (o *Object) checkRelocs() error {
	for _, rs := range o.Relocs {
		if rs.Target < 0 || rs.Target >= len(o.Sections) {
			return vmerrors.Malformed(fmt.Sprintf("%s: target section %d out of range", rs.Name, rs.Target), nil)
		}
		for _, e := range rs.Entries {
			if int(e.Symbol) >= len(o.Symbols) && e.Type != reloc.TypeIndexLEB {
				return vmerrors.Malformed(fmt.Sprintf("%s: symbol index %d out of range", rs.Name, e.Symbol), nil)
			}
		}
	}
	return nil
}
